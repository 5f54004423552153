package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackzilla/linode-provider/internal/blueprint"
	"github.com/stackzilla/linode-provider/internal/cloud"
	"github.com/stackzilla/linode-provider/internal/cloud/cloudtest"
	"github.com/stackzilla/linode-provider/internal/events"
	"github.com/stackzilla/linode-provider/internal/instance"
	"github.com/stackzilla/linode-provider/internal/poll"
	"github.com/stackzilla/linode-provider/internal/poll/polltest"
	"github.com/stackzilla/linode-provider/internal/remote/remotetest"
	"github.com/stackzilla/linode-provider/internal/resource"
	"github.com/stackzilla/linode-provider/internal/storage"
	"github.com/stackzilla/linode-provider/internal/volume"
)

const stack = `
instances:
  - name: web
    region: us-east
    type: g6-nanode-1
    image: linode/alpine3.13
    label: web-1
volumes:
  - name: data
    region: us-east
    size: 120
    label: data
    instance: web
    mount_point: /mnt/data
    file_system_type: ext4
`

type recorder struct {
	mu     sync.Mutex
	events []events.LifecycleEvent
}

func (r *recorder) PublishLifecycle(_ context.Context, ev events.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	api    *cloudtest.Fake
	dialer *remotetest.Dialer
	store  *storage.BadgerStore
	notes  *recorder
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{api: cloudtest.New(), dialer: remotetest.NewDialer(), store: store, notes: &recorder{}}
	poller := poll.New(polltest.NewClock())
	instances := instance.New(instance.Config{
		Token: "token", API: f.api, Store: store, Dialer: f.dialer, Poller: poller,
	})
	volumes, err := volume.New(volume.Config{
		Token: "token", API: f.api, Store: store, Dialer: f.dialer, Poller: poller,
	})
	require.NoError(t, err)

	f.engine = New(Config{Store: store, Instances: instances, Volumes: volumes, Notifier: f.notes})
	return f
}

func parse(t *testing.T, src string) *blueprint.Blueprint {
	t.Helper()
	bp, err := blueprint.Parse([]byte(src))
	require.NoError(t, err)
	return bp
}

func ops(r *Report) []string {
	var out []string
	for _, a := range r.Actions {
		out = append(out, a.Kind+"."+a.Name+":"+a.Op)
	}
	return out
}

func TestApplyCreatesInDependencyOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)
	assert.Equal(t, []string{"instance.web:create", "volume.data:create"}, ops(report))

	inst, err := f.store.GetInstance(ctx, "web")
	require.NoError(t, err)
	vol, err := f.store.GetVolume(ctx, "data")
	require.NoError(t, err)

	live, ok := f.api.Volume(vol.VolumeID)
	require.True(t, ok)
	assert.Equal(t, inst.InstanceID, live.InstanceID)
	assert.Contains(t, f.dialer.Executor.Lines(), "mount "+vol.FilesystemPath+" /mnt/data")
	assert.Len(t, f.notes.events, 2)
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)
	before := f.api.WriteCalls()

	report, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, before, f.api.WriteCalls())
	assert.Len(t, f.notes.events, 2)
}

func TestApplyModifiesInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)

	bp := parse(t, stack)
	bp.Instances[0].Type = "g6-standard-2"
	bp.Instances[0].Tags = []string{"prod"}
	bp.Volumes[0].Size = 200

	report, err := f.engine.Apply(ctx, bp)
	require.NoError(t, err)
	require.Len(t, report.Actions, 2)
	assert.Equal(t, OpModify, report.Actions[0].Op)
	assert.Equal(t, []string{"type", "tags"}, report.Actions[0].Changes)
	assert.Equal(t, OpModify, report.Actions[1].Op)
	assert.Equal(t, []string{"size"}, report.Actions[1].Changes)

	inst, _ := f.store.GetInstance(ctx, "web")
	assert.Equal(t, "g6-standard-2", inst.Type)
	live, _ := f.api.Instance(inst.InstanceID)
	assert.Equal(t, "g6-standard-2", live.Type)
	assert.Equal(t, []string{"prod"}, live.Tags)

	vol, _ := f.store.GetVolume(ctx, "data")
	assert.Equal(t, 200, vol.Size)
	assert.Equal(t, 1, f.api.Calls("ResizeVolume"))
}

func TestApplyRebuildsOnImmutableChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)
	old, _ := f.store.GetInstance(ctx, "web")

	bp := parse(t, stack)
	bp.Instances[0].Image = "linode/debian11"

	report, err := f.engine.Apply(ctx, bp)
	require.NoError(t, err)
	assert.Equal(t, OpRebuild, report.Actions[0].Op)

	inst, _ := f.store.GetInstance(ctx, "web")
	assert.NotEqual(t, old.InstanceID, inst.InstanceID)
	_, ok := f.api.Instance(old.InstanceID)
	assert.False(t, ok)
}

func TestApplyRebuildReattachesDependentVolumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)
	before, _ := f.store.GetVolume(ctx, "data")

	bp := parse(t, stack)
	bp.Instances[0].Image = "linode/debian11"

	report, err := f.engine.Apply(ctx, bp)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance.web:rebuild", "volume.data:reattach"}, ops(report))

	inst, _ := f.store.GetInstance(ctx, "web")
	vol, _ := f.store.GetVolume(ctx, "data")
	assert.Equal(t, before.VolumeID, vol.VolumeID)
	live, ok := f.api.Volume(vol.VolumeID)
	require.True(t, ok)
	assert.Equal(t, inst.InstanceID, live.InstanceID)
	assert.Equal(t, 0, f.api.Calls("DeleteVolume"))

	mounts := 0
	for _, line := range f.dialer.Executor.Lines() {
		if strings.HasPrefix(line, "mount ") {
			mounts++
		}
	}
	assert.Equal(t, 2, mounts)

	report, err = f.engine.Apply(ctx, bp)
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func TestApplyNamesVolumeLeftByTimedOutCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.VolumeStatuses = []string{"creating"}

	_, err := f.engine.Apply(ctx, parse(t, stack))
	var failure *resource.CreationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, resource.KindTimeout, failure.Kind)

	stale, err := f.store.GetVolume(ctx, "data")
	require.NoError(t, err)
	assert.False(t, stale.Created())
	require.NotZero(t, stale.PendingID)

	f.api.VolumeStatuses = nil
	report, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)
	require.Len(t, report.Actions, 2)
	a := report.Actions[1]
	assert.Equal(t, OpCreate, a.Op)
	assert.Contains(t, a.Note, fmt.Sprintf("volume %d", stale.PendingID))
	assert.Equal(t, 2, f.api.Calls("CreateVolume"))

	vol, _ := f.store.GetVolume(ctx, "data")
	assert.True(t, vol.Created())
	assert.Zero(t, vol.PendingID)
}

func TestApplyPrunesUndeclared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)

	report, err := f.engine.Apply(ctx, parse(t, "instances: []\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"volume.data:delete", "instance.web:delete"}, ops(report))

	st, err := f.engine.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Instances)
	assert.Empty(t, st.Volumes)
}

func TestApplyVerificationFailureMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	bp := parse(t, stack)
	bp.Instances[0].Label = "not valid!"

	report, err := f.engine.Apply(context.Background(), bp)
	assert.Nil(t, report)
	var verr *resource.VerificationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, f.api.TotalCalls())
}

func TestVerifyUndeclaredInstanceReference(t *testing.T) {
	f := newFixture(t)
	bp := parse(t, "volumes:\n  - {name: data, region: us-east, size: 20, instance: ghost}\n")

	err := f.engine.Verify(bp)
	var verr *resource.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "instance", verr.Attributes[0].Name)
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.api.Errors["CreateInstance"] = &cloud.Error{Op: "create instance", Code: 500, Message: "unavailable"}

	report, err := f.engine.Apply(context.Background(), parse(t, stack))
	var failure *resource.CreationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, []string{"instance.web:create"}, ops(report))
	assert.Equal(t, 0, f.api.Calls("CreateVolume"))
	require.Len(t, f.notes.events, 1)
	assert.Contains(t, f.notes.events[0].Error, "unavailable")
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)

	report, err := f.engine.Destroy(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"volume.data:delete", "instance.web:delete"}, ops(report))
	assert.Equal(t, 1, f.api.Calls("DetachVolume"))
	assert.Contains(t, f.dialer.Executor.Lines(), "umount -f /mnt/data")
}

func TestStateRedactsPasswords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Apply(ctx, parse(t, stack))
	require.NoError(t, err)

	st, err := f.engine.State(ctx)
	require.NoError(t, err)
	require.Len(t, st.Instances, 1)
	assert.Equal(t, "********", st.Instances[0].RootPassword)

	rec, _ := f.store.GetInstance(ctx, "web")
	assert.NotEqual(t, "********", rec.RootPassword)
}

func TestOpLockSerializes(t *testing.T) {
	e := New(Config{})
	unlock := e.acquireOpLock("volume.data")

	acquired := make(chan struct{})
	go func() {
		release := e.acquireOpLock("volume.data")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	default:
	}
	other := e.acquireOpLock("volume.other")
	other()

	unlock()
	<-acquired
}
