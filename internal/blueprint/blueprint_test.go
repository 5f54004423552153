package blueprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
instances:
  - name: web
    region: us-east
    type: g6-nanode-1
    image: linode/alpine3.13
    label: web-1
    tags: [prod]
volumes:
  - name: data
    region: us-east
    size: 120
    instance: web
    mount_point: /mnt/data
    file_system_type: ext4
`

func TestParse(t *testing.T) {
	bp, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, bp.Instances, 1)
	require.Len(t, bp.Volumes, 1)

	inst, ok := bp.Instance("web")
	require.True(t, ok)
	assert.Equal(t, "g6-nanode-1", inst.Type)
	assert.Equal(t, []string{"prod"}, inst.Tags)
	assert.Zero(t, inst.InstanceID)

	vol, ok := bp.Volume("data")
	require.True(t, ok)
	assert.Equal(t, 120, vol.Size)
	assert.Equal(t, "web", vol.Instance)
	assert.Equal(t, "ext4", vol.FileSystemType)

	_, ok = bp.Volume("missing")
	assert.False(t, ok)
}

func TestParseEmpty(t *testing.T) {
	bp, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, bp.Instances)
	assert.Empty(t, bp.Volumes)
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := Parse([]byte(`
instances:
  - {name: web, region: us-east, type: g6-nanode-1, image: linode/debian11}
  - {name: web, region: us-west, type: g6-nanode-1, image: linode/debian11}
`))
	assert.True(t, errors.Is(err, errors.AlreadyExists))
}

func TestParseSameNameDifferentKinds(t *testing.T) {
	_, err := Parse([]byte(`
instances:
  - {name: web}
volumes:
  - {name: web}
`))
	assert.NoError(t, err)
}

func TestParseRejectsUnnamed(t *testing.T) {
	_, err := Parse([]byte("volumes:\n  - {region: us-east, size: 20}\n"))
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("instances:\n  - {name: web, instance_id: 5}\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	bp, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, bp.Instances, 1)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
