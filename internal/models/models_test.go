package models

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackzilla/linode-provider/internal/resource"
)

func server() *ComputeInstance {
	return &ComputeInstance{
		Name:   "server",
		Region: "us-east",
		Type:   "g6-nanode-1",
		Image:  "linode/alpine3.13",
		Label:  "Stackzilla_Test-Linode.1",
		Tags:   []string{"testing"},
	}
}

func TestInstanceValidate(t *testing.T) {
	require.NoError(t, server().Validate())

	bad := server()
	bad.Region = "mars-north"
	bad.Image = ""
	err := bad.Validate()

	var verr *resource.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "instance.server", verr.Resource)
	names := []string{}
	for _, a := range verr.Attributes {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"region", "image"}, names)
}

func TestInstanceChanges(t *testing.T) {
	persisted := server()
	declared := server()
	assert.Empty(t, persisted.Changes(declared))

	declared.Type = "g6-standard-1"
	declared.Tags = []string{"testing", "prod"}
	declared.Image = "linode/debian11"
	changes := persisted.Changes(declared)

	require.Len(t, changes, 3)
	assert.Equal(t, "image", changes[0].Field)
	assert.Equal(t, "type", changes[1].Field)
	assert.Equal(t, "g6-nanode-1", changes[1].Previous)
	assert.Equal(t, "g6-standard-1", changes[1].Next)
	assert.Equal(t, "tags", changes[2].Field)
}

func TestInstanceApplyConfigKeepsDynamicAttributes(t *testing.T) {
	persisted := server()
	persisted.InstanceID = 7
	persisted.IPv4 = []string{"192.0.2.1"}

	declared := server()
	declared.Label = "renamed"
	persisted.ApplyConfig(declared)

	assert.Equal(t, "renamed", persisted.Label)
	assert.Equal(t, 7, persisted.InstanceID)
	assert.Equal(t, []string{"192.0.2.1"}, persisted.IPv4)
}

func TestInstanceRedacted(t *testing.T) {
	inst := server()
	inst.RootPassword = "hunter2"
	assert.Equal(t, "********", inst.Redacted().RootPassword)
	assert.Equal(t, "hunter2", inst.RootPassword)
}

func TestVolumeValidate(t *testing.T) {
	vol := &BlockVolume{Name: "data", Region: "us-east", Size: 120, FileSystemType: "ext4"}
	require.NoError(t, vol.Validate())

	for _, size := range []int{0, 9, 10241} {
		vol.Size = size
		assert.Error(t, vol.Validate(), "size %d", size)
	}
	vol.Size = 10
	vol.FileSystemType = "btrfs"
	assert.Error(t, vol.Validate())
}

func TestVolumeChangesIgnoreMountIntent(t *testing.T) {
	persisted := &BlockVolume{Name: "data", Region: "us-east", Size: 120, Instance: "server"}
	declared := *persisted
	declared.MountPoint = "/mnt/data"
	declared.Size = 200
	declared.Instance = "other"

	changes := persisted.Changes(&declared)
	require.Len(t, changes, 2)
	assert.Equal(t, "size", changes[0].Field)
	assert.Equal(t, "instance", changes[1].Field)
	assert.Equal(t, "server", changes[1].Previous)
	assert.Equal(t, "other", changes[1].Next)
}
