package instance

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackzilla/linode-provider/internal/cloud"
	"github.com/stackzilla/linode-provider/internal/cloud/cloudtest"
	"github.com/stackzilla/linode-provider/internal/models"
	"github.com/stackzilla/linode-provider/internal/poll"
	"github.com/stackzilla/linode-provider/internal/poll/polltest"
	"github.com/stackzilla/linode-provider/internal/remote/remotetest"
	"github.com/stackzilla/linode-provider/internal/resource"
	"github.com/stackzilla/linode-provider/internal/storage"
)

type fixture struct {
	api    *cloudtest.Fake
	dialer *remotetest.Dialer
	store  *storage.BadgerStore
	life   *Lifecycle
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	store, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{api: cloudtest.New(), dialer: remotetest.NewDialer(), store: store}
	f.life = New(Config{
		Token:  token,
		API:    f.api,
		Store:  store,
		Dialer: f.dialer,
		Poller: poll.New(polltest.NewClock()),
	})
	return f
}

func declared() *models.ComputeInstance {
	return &models.ComputeInstance{
		Name:   "web",
		Region: "us-east",
		Type:   "g6-nanode-1",
		Image:  "linode/alpine3.13",
		Label:  "web-1",
		Tags:   []string{"prod"},
	}
}

func TestVerifyWithoutTokenMakesNoCalls(t *testing.T) {
	f := newFixture(t, "")

	err := f.life.Create(context.Background(), declared())

	var verr *resource.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "token", verr.Attributes[0].Name)
	assert.Equal(t, 0, f.api.TotalCalls())
	assert.Equal(t, 0, f.dialer.Dials())
}

func TestVerifyLabel(t *testing.T) {
	f := newFixture(t, "token")
	cases := map[string]bool{
		"":            true,
		"web-1":       true,
		"web_1.prod":  true,
		"web 1":       false,
		"web/1":       false,
		"web$":        false,
		"ABC.def-123": true,
	}
	for label, valid := range cases {
		inst := declared()
		inst.Label = label
		err := f.life.Verify(inst)
		if valid {
			assert.NoError(t, err, label)
			continue
		}
		var verr *resource.VerificationError
		if assert.True(t, errors.As(err, &verr), label) {
			assert.Equal(t, "label", verr.Attributes[0].Name)
		}
	}
}

func TestVerifyChoices(t *testing.T) {
	f := newFixture(t, "token")
	inst := declared()
	inst.Region = "mars-1"
	inst.Image = "linode/templeos"

	err := f.life.Verify(inst)
	var verr *resource.VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Attributes, 2)
}

func TestCreateEndToEnd(t *testing.T) {
	f := newFixture(t, "token")
	f.dialer.FailDials = 3
	inst := declared()

	require.NoError(t, f.life.Create(context.Background(), inst))

	assert.NotZero(t, inst.InstanceID)
	assert.Equal(t, []string{"192.0.2.10"}, inst.IPv4)
	assert.NotEmpty(t, inst.IPv6)
	assert.NotEmpty(t, inst.RootPassword)
	assert.Equal(t, 4, f.dialer.Dials())
	assert.Equal(t, 1, f.dialer.Executor.Closed)

	target := f.dialer.Targets[0]
	assert.Equal(t, "192.0.2.10", target.Host)
	assert.Equal(t, 22, target.Port)
	assert.Equal(t, "root", target.User)

	rec, err := f.store.GetInstance(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, rec.InstanceID)

	live, ok := f.api.Instance(inst.InstanceID)
	require.True(t, ok)
	assert.Equal(t, "web-1", live.Label)
	assert.Equal(t, []string{"prod"}, live.Tags)
}

func TestCreateUnreachable(t *testing.T) {
	f := newFixture(t, "token")
	f.dialer.FailDials = 1000
	inst := declared()

	err := f.life.Create(context.Background(), inst)

	var failure *resource.CreationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, resource.KindTimeout, failure.Kind)
	assert.Equal(t, ReasonUnreachable, failure.Reason)
	// 120s budget at 5s intervals.
	assert.Equal(t, 25, f.dialer.Dials())

	// The instance exists, so its record is kept.
	rec, err := f.store.GetInstance(context.Background(), "web")
	require.NoError(t, err)
	assert.NotZero(t, rec.InstanceID)
}

func TestCreateControlPlaneError(t *testing.T) {
	f := newFixture(t, "token")
	f.api.Errors["CreateInstance"] = &cloud.Error{Op: "create instance", Code: 400, Message: "region unavailable"}

	err := f.life.Create(context.Background(), declared())

	var failure *resource.CreationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, resource.KindControlPlane, failure.Kind)
	assert.Contains(t, err.Error(), "region unavailable")

	_, err = f.store.GetInstance(context.Background(), "web")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestDelete(t *testing.T) {
	f := newFixture(t, "token")
	inst := declared()
	require.NoError(t, f.life.Create(context.Background(), inst))
	id := inst.InstanceID

	require.NoError(t, f.life.Delete(context.Background(), inst))

	assert.Zero(t, inst.InstanceID)
	_, ok := f.api.Instance(id)
	assert.False(t, ok)
	_, err := f.store.GetInstance(context.Background(), "web")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestModifyDispatchesHandlers(t *testing.T) {
	f := newFixture(t, "token")
	inst := declared()
	require.NoError(t, f.life.Create(context.Background(), inst))
	before := f.api.WriteCalls()

	next := declared()
	next.Type = "g6-standard-2"
	next.Label = "web-2"
	next.Group = "frontend"
	changes := inst.Changes(next)
	inst.ApplyConfig(next)

	require.NoError(t, f.life.Modify(context.Background(), inst, changes))

	live, _ := f.api.Instance(inst.InstanceID)
	assert.Equal(t, "g6-standard-2", live.Type)
	assert.Equal(t, "web-2", live.Label)
	assert.Equal(t, "frontend", live.Group)
	assert.Equal(t, 3, f.api.WriteCalls()-before)
}

func TestRetagShortCircuits(t *testing.T) {
	f := newFixture(t, "token")
	inst := declared()
	require.NoError(t, f.life.Create(context.Background(), inst))
	ctx := context.Background()

	before := f.api.WriteCalls()
	require.NoError(t, f.life.Retag(ctx, inst, []string{"old"}, []string{"prod"}))
	assert.Equal(t, 0, f.api.WriteCalls()-before)

	require.NoError(t, f.life.Retag(ctx, inst, []string{"prod"}, []string{"prod", "web"}))
	assert.Equal(t, 1, f.api.WriteCalls()-before)
	live, _ := f.api.Instance(inst.InstanceID)
	assert.Equal(t, []string{"prod", "web"}, live.Tags)
}

func TestModifyHandlerErrorPropagates(t *testing.T) {
	f := newFixture(t, "token")
	inst := declared()
	require.NoError(t, f.life.Create(context.Background(), inst))
	apiErr := &cloud.Error{Op: "resize instance", Code: 400, Message: "busy"}
	f.api.Errors["ResizeInstance"] = apiErr

	err := f.life.Modify(context.Background(), inst, []resource.Change{
		{Field: "type", Previous: "g6-nanode-1", Next: "g6-standard-2"},
		{Field: "label", Previous: "web-1", Next: "web-2"},
	})
	assert.Equal(t, apiErr, err)
	assert.Equal(t, 0, f.api.Calls("UpdateInstance"))
}

func TestModifySkipsUnmappedFields(t *testing.T) {
	f := newFixture(t, "token")
	inst := declared()
	require.NoError(t, f.life.Create(context.Background(), inst))
	before := f.api.TotalCalls()

	err := f.life.Modify(context.Background(), inst, []resource.Change{
		{Field: "private_ip", Previous: false, Next: true},
	})
	require.NoError(t, err)
	assert.Equal(t, before, f.api.TotalCalls())
}
