package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleEvent(t *testing.T) {
	ev := NewLifecycleEvent("volume", "data", "modify", []string{"size"}, 1500*time.Millisecond, errors.New("boom"))

	_, err := uuid.Parse(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), ev.DurationMS)
	assert.Equal(t, "boom", ev.Error)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "volume", decoded["kind"])
	assert.Equal(t, []any{"size"}, decoded["changes"])
}

func TestNewLifecycleEventWithoutError(t *testing.T) {
	a := NewLifecycleEvent("instance", "web", "create", nil, 0, nil)
	b := NewLifecycleEvent("instance", "web", "create", nil, 0, nil)
	assert.Empty(t, a.Error)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestPublishWithoutConnection(t *testing.T) {
	p := &Publisher{}
	err := p.Publish(context.Background(), SubjectLifecycle, []byte("{}"))
	assert.EqualError(t, err, "nats not connected")
}
