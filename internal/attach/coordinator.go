// Package attach coordinates the attach and detach handshake between a
// block volume and a compute instance.
//
// The control plane accepts attach and detach requests without telling us
// whether they will ever complete, so both directions poll the volume's
// reported attachment target. A timeout is the only failure signal.
package attach

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/cloud"
	"github.com/stackzilla/linode-provider/internal/metrics"
	"github.com/stackzilla/linode-provider/internal/poll"
)

// ErrNeverAttached is returned when the attachment target never matched
// within the wait budget.
const ErrNeverAttached = errors.ConstError("volume never attached to instance")

// State is the phase of one attach or detach operation.
type State string

const (
	Idle      State = "idle"
	Requested State = "requested"
	Waiting   State = "waiting"
	Settled   State = "settled"
	TimedOut  State = "timed-out"
)

// Options tune the waits. Zero values take the defaults.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	// ReissueEvery is how often a pending detach request is sent again.
	ReissueEvery time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 120 * time.Second
	}
	if o.Interval == 0 {
		o.Interval = time.Second
	}
	if o.ReissueEvery == 0 {
		o.ReissueEvery = 5 * time.Second
	}
	return o
}

// Coordinator drives attach and detach against the control plane.
type Coordinator struct {
	api    cloud.VolumeAPI
	poller *poll.Poller
	opts   Options
	logger *zap.Logger
}

// New returns a Coordinator.
func New(api cloud.VolumeAPI, poller *poll.Poller, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		api:    api,
		poller: poller,
		opts:   opts.withDefaults(),
		logger: logger.Named("attach"),
	}
}

// Attach requests attachment of volumeID to instanceID and waits until the
// volume reports that instance as its target. It returns ErrNeverAttached
// on timeout.
func (c *Coordinator) Attach(ctx context.Context, volumeID, instanceID int) error {
	logger := c.logger.With(zap.Int("volume_id", volumeID), zap.Int("instance_id", instanceID))
	state := Idle

	logger.Info("attaching volume")
	if err := c.api.AttachVolume(ctx, volumeID, instanceID); err != nil {
		return err
	}
	state = Requested

	ok, err := c.poller.Await(ctx, func(ctx context.Context) (bool, error) {
		state = Waiting
		vol, err := c.api.GetVolume(ctx, volumeID)
		if err != nil {
			return false, err
		}
		return vol.InstanceID == instanceID, nil
	}, poll.Options{Name: "volume_attach", Timeout: c.opts.Timeout, Interval: c.opts.Interval})
	if err != nil {
		return errors.Annotatef(err, "waiting for volume %d to attach", volumeID)
	}
	if !ok {
		state = TimedOut
		logger.Warn("attach timed out", zap.String("state", string(state)))
		return ErrNeverAttached
	}

	state = Settled
	logger.Info("attachment complete", zap.String("state", string(state)))
	return nil
}

// Detach requests detachment of volumeID and waits for its attachment
// target to clear, re-sending the request every ReissueEvery because dropped
// requests are not reported. It returns whether detachment settled; running
// out of time is logged, not returned as an error. A volume that is already
// detached is left alone.
func (c *Coordinator) Detach(ctx context.Context, volumeID int) (bool, error) {
	logger := c.logger.With(zap.Int("volume_id", volumeID))

	vol, err := c.api.GetVolume(ctx, volumeID)
	if err != nil {
		return false, err
	}
	if !vol.Attached() {
		logger.Debug("volume already detached")
		return true, nil
	}

	logger.Info("detaching volume", zap.Int("instance_id", vol.InstanceID))
	if err := c.api.DetachVolume(ctx, volumeID); err != nil {
		return false, err
	}

	every := int(c.opts.ReissueEvery / c.opts.Interval)
	if every < 1 {
		every = 1
	}
	ok, err := c.poller.Await(ctx, func(ctx context.Context) (bool, error) {
		vol, err := c.api.GetVolume(ctx, volumeID)
		if err != nil {
			return false, err
		}
		return !vol.Attached(), nil
	}, poll.Options{
		Name:     "volume_detach",
		Timeout:  c.opts.Timeout,
		Interval: c.opts.Interval,
		OnTick: func(ctx context.Context, t poll.Tick) {
			if t.Remaining <= 0 || t.N%every != 0 {
				return
			}
			logger.Debug("resending detach request", zap.Duration("remaining", t.Remaining))
			metrics.DetachReissues.Inc()
			if err := c.api.DetachVolume(ctx, volumeID); err != nil {
				logger.Warn("detach re-issue failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		return false, errors.Annotatef(err, "waiting for volume %d to detach", volumeID)
	}
	if !ok {
		logger.Warn("volume did not detach in time", zap.Duration("timeout", c.opts.Timeout))
		return false, nil
	}
	logger.Info("detach complete")
	return true, nil
}
