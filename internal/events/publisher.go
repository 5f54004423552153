// Package events publishes resource lifecycle notifications over NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/models"
)

const (
	// SubjectLifecycle carries one LifecycleEvent per engine action.
	SubjectLifecycle = "linode.resources.events"
	// SubjectVolumeResized carries a VolumeResized per accepted resize.
	SubjectVolumeResized = "linode.volume.resized"
)

// LifecycleEvent describes a completed create, rebuild, modify or delete.
type LifecycleEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Action     string    `json:"action"`
	Changes    []string  `json:"changes,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Time       time.Time `json:"time"`
}

// NewLifecycleEvent stamps an event with a fresh ID and the current time.
func NewLifecycleEvent(kind, name, action string, changes []string, took time.Duration, err error) LifecycleEvent {
	ev := LifecycleEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		Name:       name,
		Action:     action,
		Changes:    changes,
		DurationMS: took.Milliseconds(),
		Time:       time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// VolumeResized is published when a volume resize has been requested.
type VolumeResized struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	VolumeID int       `json:"volume_id"`
	Size     int       `json:"size"`
	Time     time.Time `json:"time"`
}

// Publisher is a NATS connection that survives server restarts.
type Publisher struct {
	nc     *nats.Conn
	url    string
	logger *zap.Logger
}

// NewPublisher connects to url. Reconnects are retried forever.
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("events")
	opts := []nats.Option{
		nats.Name("linode-provider"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to nats at %s", url)
	}
	return &Publisher{nc: nc, url: url, logger: logger}, nil
}

// Publish sends payload on subject.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

// PublishLifecycle sends ev on SubjectLifecycle.
func (p *Publisher) PublishLifecycle(ctx context.Context, ev LifecycleEvent) error {
	return p.publishJSON(ctx, SubjectLifecycle, ev)
}

// VolumeResized is a SizeChanged observer. Publish failures are logged.
func (p *Publisher) VolumeResized(ctx context.Context, vol *models.BlockVolume) {
	ev := VolumeResized{
		ID:       uuid.NewString(),
		Name:     vol.Name,
		VolumeID: vol.VolumeID,
		Size:     vol.Size,
		Time:     time.Now().UTC(),
	}
	if err := p.publishJSON(ctx, SubjectVolumeResized, ev); err != nil {
		p.logger.Warn("publish failed", zap.String("subject", SubjectVolumeResized), zap.Error(err))
	}
}

func (p *Publisher) publishJSON(ctx context.Context, subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	return p.Publish(ctx, subject, payload)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Debug("nats drain", zap.Error(err))
		}
		p.nc.Close()
	}
}
