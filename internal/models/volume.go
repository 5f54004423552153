package models

import (
	"slices"
	"time"

	"github.com/stackzilla/linode-provider/internal/resource"
)

const (
	MinVolumeSize = 10
	MaxVolumeSize = 10240
)

// BlockVolume is a declared Linode block storage volume. Instance refers to
// a ComputeInstance by name; the volume never owns the instance.
type BlockVolume struct {
	Name string `json:"name" yaml:"name"`

	Region string   `json:"region" yaml:"region"`
	Size   int      `json:"size" yaml:"size"`
	Label  string   `json:"label,omitempty" yaml:"label,omitempty"`
	Tags   []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Instance       string `json:"instance,omitempty" yaml:"instance,omitempty"`
	MountPoint     string `json:"mount_point,omitempty" yaml:"mount_point,omitempty"`
	FileSystemType string `json:"file_system_type,omitempty" yaml:"file_system_type,omitempty"`

	// Dynamic attributes.
	VolumeID       int    `json:"volume_id,omitempty" yaml:"-"`
	FilesystemPath string `json:"filesystem_path,omitempty" yaml:"-"`
	HardwareType   string `json:"hardware_type,omitempty" yaml:"-"`
	// PendingID is the control-plane ID of a volume that has not yet
	// reached the active state.
	PendingID      int    `json:"pending_volume_id,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// VolumeRebuildFields cannot change in place.
var VolumeRebuildFields = []string{"region"}

func (v *BlockVolume) Path() string {
	return "volume." + v.Name
}

func (v *BlockVolume) Created() bool {
	return v.VolumeID != 0
}

// Validate runs the structural checks: required fields, choice sets and the
// size range.
func (v *BlockVolume) Validate() error {
	return resource.NewChecks(v.Path()).
		Required("name", v.Name).
		Required("region", v.Region).
		OneOf("region", v.Region, Regions).
		InRange("size", v.Size, MinVolumeSize, MaxVolumeSize).
		OneOf("file_system_type", v.FileSystemType, FileSystemTypes).
		Err()
}

// Changes lists the configurable attributes that differ between the
// persisted record v and the declaration. Mount intent is evaluated on
// attach only and is not diffed.
func (v *BlockVolume) Changes(declared *BlockVolume) []resource.Change {
	var changes []resource.Change
	add := func(field string, prev, next any) {
		changes = append(changes, resource.Change{Field: field, Previous: prev, Next: next})
	}
	if v.Region != declared.Region {
		add("region", v.Region, declared.Region)
	}
	if v.Label != declared.Label {
		add("label", v.Label, declared.Label)
	}
	if !slices.Equal(v.Tags, declared.Tags) {
		add("tags", slices.Clone(v.Tags), slices.Clone(declared.Tags))
	}
	if v.Size != declared.Size {
		add("size", v.Size, declared.Size)
	}
	if v.Instance != declared.Instance {
		add("instance", v.Instance, declared.Instance)
	}
	return changes
}

// ApplyConfig copies the configurable attributes of declared onto v.
func (v *BlockVolume) ApplyConfig(declared *BlockVolume) {
	v.Region = declared.Region
	v.Size = declared.Size
	v.Label = declared.Label
	v.Tags = slices.Clone(declared.Tags)
	v.Instance = declared.Instance
	v.MountPoint = declared.MountPoint
	v.FileSystemType = declared.FileSystemType
}
