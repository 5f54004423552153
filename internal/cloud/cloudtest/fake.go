// Package cloudtest provides an in-memory control plane for tests.
package cloudtest

import (
	"context"
	"slices"
	"sync"

	"github.com/stackzilla/linode-provider/internal/cloud"
)

type volumeState struct {
	vol          cloud.Volume
	polls        int
	attachTarget int
	attachIn     int
	detachIn     int
	detaching    bool
}

// Fake implements cloud.Client. Behaviour is scripted through its exported
// fields, which must be set before use.
type Fake struct {
	mu sync.Mutex

	// VolumeStatuses is returned by successive GetVolume calls on a new
	// volume; the last entry repeats. Empty means "active" straight away.
	VolumeStatuses []string
	// AttachAfter is the number of GetVolume calls after an attach request
	// before the attachment shows up. NeverAttach drops attach requests.
	AttachAfter int
	NeverAttach bool
	// DetachAfter and NeverDetach do the same for detach requests.
	DetachAfter int
	NeverDetach bool

	// Errors returned by the named operation, keyed by method name.
	Errors map[string]error

	calls     map[string]int
	nextID    int
	instances map[int]*cloud.Instance
	volumes   map[int]*volumeState
}

var _ cloud.Client = (*Fake)(nil)

// New returns an empty control plane.
func New() *Fake {
	return &Fake{
		Errors:    make(map[string]error),
		calls:     make(map[string]int),
		nextID:    100,
		instances: make(map[int]*cloud.Instance),
		volumes:   make(map[int]*volumeState),
	}
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of calls to any method.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// WriteCalls returns the number of calls that mutate remote state.
func (f *Fake) WriteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for method, c := range f.calls {
		if method != "GetInstance" && method != "GetVolume" {
			n += c
		}
	}
	return n
}

// Instance returns a copy of a stored instance.
func (f *Fake) Instance(id int) (cloud.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return cloud.Instance{}, false
	}
	return *inst, true
}

// Volume returns a copy of a stored volume.
func (f *Fake) Volume(id int) (cloud.Volume, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.volumes[id]
	if !ok {
		return cloud.Volume{}, false
	}
	return st.vol, true
}

// PutInstance seeds an existing instance.
func (f *Fake) PutInstance(inst cloud.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = &inst
}

// PutVolume seeds an existing volume.
func (f *Fake) PutVolume(vol cloud.Volume) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[vol.ID] = &volumeState{vol: vol, polls: len(f.VolumeStatuses)}
}

func (f *Fake) record(method string) error {
	f.calls[method]++
	if err := f.Errors[method]; err != nil {
		return err
	}
	return nil
}

func notFound(op string) error {
	return &cloud.Error{Op: op, Code: 404, Message: "Not found"}
}

func (f *Fake) CreateInstance(_ context.Context, spec cloud.InstanceSpec) (*cloud.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateInstance"); err != nil {
		return nil, err
	}
	f.nextID++
	inst := &cloud.Instance{
		ID:     f.nextID,
		Label:  spec.Label,
		Group:  spec.Group,
		Type:   spec.Type,
		Region: spec.Region,
		Image:  spec.Image,
		Status: "provisioning",
		Tags:   slices.Clone(spec.Tags),
		IPv4:   []string{"192.0.2.10"},
		IPv6:   "2600:3c03::f03c:92ff:fe00:1/128",
	}
	f.instances[inst.ID] = inst
	out := *inst
	out.RootPassword = "s3cret-Passw0rd"
	return &out, nil
}

func (f *Fake) GetInstance(_ context.Context, id int) (*cloud.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetInstance"); err != nil {
		return nil, err
	}
	inst, ok := f.instances[id]
	if !ok {
		return nil, notFound("get instance")
	}
	out := *inst
	out.Tags = slices.Clone(inst.Tags)
	return &out, nil
}

func (f *Fake) ResizeInstance(_ context.Context, id int, instanceType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ResizeInstance"); err != nil {
		return err
	}
	inst, ok := f.instances[id]
	if !ok {
		return notFound("resize instance")
	}
	inst.Type = instanceType
	return nil
}

func (f *Fake) UpdateInstance(_ context.Context, id int, update cloud.InstanceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateInstance"); err != nil {
		return err
	}
	inst, ok := f.instances[id]
	if !ok {
		return notFound("update instance")
	}
	if update.Label != nil {
		inst.Label = *update.Label
	}
	if update.Group != nil {
		inst.Group = *update.Group
	}
	if update.Tags != nil {
		inst.Tags = slices.Clone(*update.Tags)
	}
	return nil
}

func (f *Fake) DeleteInstance(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteInstance"); err != nil {
		return err
	}
	if _, ok := f.instances[id]; !ok {
		return notFound("delete instance")
	}
	delete(f.instances, id)
	// Deleting an instance releases its volumes.
	for _, st := range f.volumes {
		if st.vol.InstanceID == id {
			st.vol.InstanceID = 0
		}
	}
	return nil
}

func (f *Fake) CreateVolume(_ context.Context, spec cloud.VolumeSpec) (*cloud.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVolume"); err != nil {
		return nil, err
	}
	f.nextID++
	st := &volumeState{vol: cloud.Volume{
		ID:             f.nextID,
		Label:          spec.Label,
		Region:         spec.Region,
		Size:           spec.Size,
		Status:         "creating",
		Tags:           slices.Clone(spec.Tags),
		FilesystemPath: "/dev/disk/by-id/scsi-0Linode_Volume_" + spec.Label,
		HardwareType:   "nvme",
	}}
	f.volumes[st.vol.ID] = st
	out := st.vol
	return &out, nil
}

func (f *Fake) GetVolume(_ context.Context, id int) (*cloud.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetVolume"); err != nil {
		return nil, err
	}
	st, ok := f.volumes[id]
	if !ok {
		return nil, notFound("get volume")
	}

	switch {
	case len(f.VolumeStatuses) == 0:
		st.vol.Status = cloud.VolumeStatusActive
	case st.polls < len(f.VolumeStatuses):
		st.vol.Status = f.VolumeStatuses[st.polls]
	default:
		st.vol.Status = f.VolumeStatuses[len(f.VolumeStatuses)-1]
	}
	st.polls++

	if st.attachTarget != 0 {
		if st.attachIn == 0 {
			st.vol.InstanceID = st.attachTarget
			st.attachTarget = 0
		} else {
			st.attachIn--
		}
	}
	if st.detaching {
		if st.detachIn == 0 {
			st.vol.InstanceID = 0
			st.detaching = false
		} else {
			st.detachIn--
		}
	}

	out := st.vol
	out.Tags = slices.Clone(st.vol.Tags)
	return &out, nil
}

func (f *Fake) ResizeVolume(_ context.Context, id int, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ResizeVolume"); err != nil {
		return err
	}
	st, ok := f.volumes[id]
	if !ok {
		return notFound("resize volume")
	}
	st.vol.Size = size
	return nil
}

func (f *Fake) UpdateVolume(_ context.Context, id int, update cloud.VolumeUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateVolume"); err != nil {
		return err
	}
	st, ok := f.volumes[id]
	if !ok {
		return notFound("update volume")
	}
	if update.Label != nil {
		st.vol.Label = *update.Label
	}
	if update.Tags != nil {
		st.vol.Tags = slices.Clone(*update.Tags)
	}
	return nil
}

func (f *Fake) AttachVolume(_ context.Context, id int, instanceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AttachVolume"); err != nil {
		return err
	}
	st, ok := f.volumes[id]
	if !ok {
		return notFound("attach volume")
	}
	if f.NeverAttach {
		return nil
	}
	st.attachTarget = instanceID
	st.attachIn = f.AttachAfter
	return nil
}

func (f *Fake) DetachVolume(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DetachVolume"); err != nil {
		return err
	}
	st, ok := f.volumes[id]
	if !ok {
		return notFound("detach volume")
	}
	if f.NeverDetach || st.detaching {
		return nil
	}
	st.detaching = true
	st.detachIn = f.DetachAfter
	return nil
}

func (f *Fake) DeleteVolume(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteVolume"); err != nil {
		return err
	}
	if _, ok := f.volumes[id]; !ok {
		return notFound("delete volume")
	}
	delete(f.volumes, id)
	return nil
}
