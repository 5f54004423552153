// Package cloud is the contract with the cloud control plane.
//
// Every call either succeeds or returns a *Error carrying the control
// plane's message. Callers in this module never retry a failed call.
package cloud

import (
	"context"
	"fmt"
)

// VolumeStatusActive is the status of a volume that is ready for use.
const VolumeStatusActive = "active"

// InstanceSpec is the create request for a compute instance. Empty optional
// fields are omitted from the request.
type InstanceSpec struct {
	Region         string
	Type           string
	Image          string
	Label          string
	Group          string
	Tags           []string
	PrivateIP      bool
	AuthorizedKeys []string
}

// Instance is the control plane's view of a compute instance.
type Instance struct {
	ID     int
	Label  string
	Group  string
	Type   string
	Region string
	Image  string
	Status string
	Tags   []string
	IPv4   []string
	IPv6   string
	// RootPassword is only set on the value returned by CreateInstance.
	RootPassword string
}

// InstanceUpdate carries the in-place mutable fields of an instance. Nil
// fields are left untouched.
type InstanceUpdate struct {
	Label *string
	Group *string
	Tags  *[]string
}

// VolumeSpec is the create request for a block volume.
type VolumeSpec struct {
	Region string
	Size   int
	Label  string
	Tags   []string
}

// Volume is the control plane's view of a block volume.
type Volume struct {
	ID             int
	Label          string
	Region         string
	Size           int
	Status         string
	Tags           []string
	FilesystemPath string
	HardwareType   string
	// InstanceID is the attachment target, 0 when detached.
	InstanceID int
}

// Attached reports whether the volume has an attachment target.
func (v *Volume) Attached() bool {
	return v.InstanceID != 0
}

// VolumeUpdate carries the in-place mutable metadata of a volume.
type VolumeUpdate struct {
	Label *string
	Tags  *[]string
}

// InstanceAPI manages compute instances.
type InstanceAPI interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)
	GetInstance(ctx context.Context, id int) (*Instance, error)
	ResizeInstance(ctx context.Context, id int, instanceType string) error
	UpdateInstance(ctx context.Context, id int, update InstanceUpdate) error
	DeleteInstance(ctx context.Context, id int) error
}

// VolumeAPI manages block volumes and their attachment.
type VolumeAPI interface {
	CreateVolume(ctx context.Context, spec VolumeSpec) (*Volume, error)
	GetVolume(ctx context.Context, id int) (*Volume, error)
	ResizeVolume(ctx context.Context, id int, size int) error
	UpdateVolume(ctx context.Context, id int, update VolumeUpdate) error
	AttachVolume(ctx context.Context, id int, instanceID int) error
	DetachVolume(ctx context.Context, id int) error
	DeleteVolume(ctx context.Context, id int) error
}

// Client is the whole control plane.
type Client interface {
	InstanceAPI
	VolumeAPI
}

// Error is the single error type surfaced by the control plane.
type Error struct {
	Op      string
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: [%03d] %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}
