// Package volume implements the lifecycle of a Linode block storage volume:
// creation up to the active state, attachment to an instance, in-guest
// mounting, teardown and in-place modification.
package volume

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/attach"
	"github.com/stackzilla/linode-provider/internal/cloud"
	"github.com/stackzilla/linode-provider/internal/instance"
	"github.com/stackzilla/linode-provider/internal/models"
	"github.com/stackzilla/linode-provider/internal/mount"
	"github.com/stackzilla/linode-provider/internal/poll"
	"github.com/stackzilla/linode-provider/internal/remote"
	"github.com/stackzilla/linode-provider/internal/resource"
)

var tracer = otel.Tracer("github.com/stackzilla/linode-provider/internal/volume")

// Store is the persistence the lifecycle writes through. Instances are
// looked up by name whenever a volume needs its attachment target.
type Store interface {
	SaveVolume(ctx context.Context, vol *models.BlockVolume) error
	DeleteVolume(ctx context.Context, name string) error
	GetInstance(ctx context.Context, name string) (*models.ComputeInstance, error)
}

// Options tune the active-state wait. Zero values take the defaults.
type Options struct {
	ActiveTimeout  time.Duration
	ActiveInterval time.Duration
	SSHUser        string
}

func (o Options) withDefaults() Options {
	if o.ActiveTimeout == 0 {
		o.ActiveTimeout = 120 * time.Second
	}
	if o.ActiveInterval == 0 {
		o.ActiveInterval = time.Second
	}
	if o.SSHUser == "" {
		o.SSHUser = "root"
	}
	return o
}

// Config wires a Lifecycle.
type Config struct {
	Token       string
	API         cloud.VolumeAPI
	Store       Store
	Coordinator *attach.Coordinator
	Mounter     *mount.Manager
	Dialer      remote.Dialer
	Poller      *poll.Poller
	Options     Options
	Logger      *zap.Logger
}

// Lifecycle manages block volumes.
type Lifecycle struct {
	api         cloud.VolumeAPI
	store       Store
	coordinator *attach.Coordinator
	mounter     *mount.Manager
	dialer      remote.Dialer
	poller      *poll.Poller
	opts        Options
	logger      *zap.Logger
	handlers    *resource.Dispatcher[*models.BlockVolume]

	// SizeChanged fires after a resize request is accepted.
	SizeChanged resource.Event[*models.BlockVolume]
}

// New returns a Lifecycle, or a VerificationError when no token is
// configured.
func New(cfg Config) (*Lifecycle, error) {
	if cfg.Token == "" {
		return nil, resource.NewVerificationError("volume", "token", "not declared")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("linode.volume")
	poller := cfg.Poller
	if poller == nil {
		poller = poll.New(nil)
	}
	coordinator := cfg.Coordinator
	if coordinator == nil {
		coordinator = attach.New(cfg.API, poller, attach.Options{}, logger)
	}
	mounter := cfg.Mounter
	if mounter == nil {
		mounter = mount.NewManager(logger)
	}

	l := &Lifecycle{
		api:         cfg.API,
		store:       cfg.Store,
		coordinator: coordinator,
		mounter:     mounter,
		dialer:      cfg.Dialer,
		poller:      poller,
		opts:        cfg.Options.withDefaults(),
		logger:      logger,
	}
	l.handlers = resource.NewDispatcher[*models.BlockVolume]("volume", logger)
	l.handlers.Register("label", l.Relabel)
	l.handlers.Register("tags", l.Retag)
	l.handlers.Register("size", l.Resize)
	l.handlers.Register("instance", l.Reattach)
	return l, nil
}

// DependsOn returns the instance the volume attaches to, if any.
func (l *Lifecycle) DependsOn(vol *models.BlockVolume) []string {
	if vol.Instance == "" {
		return nil
	}
	return []string{vol.Instance}
}

// Verify checks the mount co-dependency, then the structural constraints.
func (l *Lifecycle) Verify(vol *models.BlockVolume) error {
	if vol.FileSystemType != "" && vol.MountPoint == "" {
		return resource.NewVerificationError(vol.Path(), "mount_point", "required when file_system_type is set")
	}
	return vol.Validate()
}

// Create creates the volume, waits for it to become active and, when an
// instance is declared, attaches and mounts it there.
func (l *Lifecycle) Create(ctx context.Context, vol *models.BlockVolume) error {
	ctx, span := tracer.Start(ctx, "volume.create")
	defer span.End()
	span.SetAttributes(attribute.String("resource", vol.Path()))

	if err := l.Verify(vol); err != nil {
		return err
	}
	logger := l.logger.With(zap.String("resource", vol.Path()))
	logger.Debug("starting volume creation", zap.Int("size", vol.Size))

	created, err := l.api.CreateVolume(ctx, cloud.VolumeSpec{
		Region: vol.Region,
		Size:   vol.Size,
		Label:  vol.Label,
		Tags:   vol.Tags,
	})
	if err != nil {
		logger.Error("volume creation failed", zap.Error(err))
		span.RecordError(err)
		return resource.NewCreationFailure(vol.Path(), resource.KindControlPlane, err.Error(), err)
	}
	vol.PendingID = created.ID
	if err := l.store.SaveVolume(ctx, vol); err != nil {
		return errors.Annotatef(err, "recording %s", vol.Path())
	}

	current := created
	ok, err := l.poller.Await(ctx, func(ctx context.Context) (bool, error) {
		v, err := l.api.GetVolume(ctx, created.ID)
		if err != nil {
			return false, err
		}
		current = v
		return v.Status == cloud.VolumeStatusActive, nil
	}, poll.Options{Name: "volume_active", Timeout: l.opts.ActiveTimeout, Interval: l.opts.ActiveInterval})
	if err != nil {
		return resource.NewCreationFailure(vol.Path(), resource.KindControlPlane, err.Error(), err)
	}
	if !ok {
		reason := fmt.Sprintf("volume never reached active state: %s", current.Status)
		logger.Error("volume creation failed", zap.String("reason", reason))
		return resource.NewCreationFailure(vol.Path(), resource.KindTimeout, reason, nil)
	}

	vol.VolumeID = current.ID
	vol.PendingID = 0
	vol.FilesystemPath = current.FilesystemPath
	vol.HardwareType = current.HardwareType
	if err := l.store.SaveVolume(ctx, vol); err != nil {
		return errors.Annotatef(err, "recording %s", vol.Path())
	}
	span.SetAttributes(attribute.Int("volume_id", vol.VolumeID))
	logger.Info("volume active", zap.Int("volume_id", vol.VolumeID),
		zap.String("filesystem_path", vol.FilesystemPath))

	if vol.Instance == "" {
		return nil
	}
	inst, err := l.resolve(ctx, vol.Instance)
	if err != nil {
		return errors.Trace(err)
	}
	if err := l.coordinator.Attach(ctx, vol.VolumeID, inst.InstanceID); err != nil {
		if errors.Is(err, attach.ErrNeverAttached) {
			return resource.NewCreationFailure(vol.Path(), resource.KindTimeout, err.Error(), err)
		}
		return resource.NewCreationFailure(vol.Path(), resource.KindControlPlane, err.Error(), err)
	}

	if vol.MountPoint == "" {
		return nil
	}
	if err := l.provision(ctx, vol, inst); err != nil {
		logger.Error("volume provisioning failed", zap.Error(err))
		return resource.NewCreationFailure(vol.Path(), resource.KindRemote, err.Error(), err)
	}
	logger.Info("volume creation complete")
	return nil
}

func (l *Lifecycle) provision(ctx context.Context, vol *models.BlockVolume, inst *models.ComputeInstance) error {
	exec, err := l.dial(ctx, inst)
	if err != nil {
		return err
	}
	defer exec.Close()

	return l.mounter.Provision(ctx, exec, mount.Request{
		Device:         vol.FilesystemPath,
		MountPoint:     vol.MountPoint,
		FileSystemType: vol.FileSystemType,
	})
}

// Delete unmounts and detaches the volume, then deletes it and its record.
// Unmount and detach problems are logged; the volume is deleted regardless.
func (l *Lifecycle) Delete(ctx context.Context, vol *models.BlockVolume) error {
	ctx, span := tracer.Start(ctx, "volume.delete")
	defer span.End()

	logger := l.logger.With(zap.String("resource", vol.Path()))
	logger.Debug("deleting volume", zap.Int("volume_id", vol.VolumeID))

	if vol.Created() {
		if vol.Instance != "" {
			l.unmount(ctx, vol, logger)
			settled, err := l.coordinator.Detach(ctx, vol.VolumeID)
			switch {
			case err != nil:
				logger.Warn("detach failed, deleting anyway", zap.Error(err))
			case !settled:
				logger.Warn("deleting volume that may still be attached")
			}
		}
		if err := l.api.DeleteVolume(ctx, vol.VolumeID); err != nil {
			return err
		}
	}
	vol.VolumeID = 0
	if err := l.store.DeleteVolume(ctx, vol.Name); err != nil {
		return errors.Annotatef(err, "removing record of %s", vol.Path())
	}
	logger.Debug("deletion complete")
	return nil
}

func (l *Lifecycle) unmount(ctx context.Context, vol *models.BlockVolume, logger *zap.Logger) {
	if vol.MountPoint == "" {
		return
	}
	inst, err := l.resolve(ctx, vol.Instance)
	if err != nil {
		logger.Warn("skipping unmount", zap.Error(err))
		return
	}
	exec, err := l.dial(ctx, inst)
	if err != nil {
		logger.Warn("skipping unmount", zap.Error(err))
		return
	}
	defer exec.Close()
	if err := l.mounter.Unmount(ctx, exec, vol.MountPoint); err != nil {
		logger.Warn("unmount failed", zap.String("mount_point", vol.MountPoint), zap.Error(err))
	}
}
// Rehome attaches the volume to the current record of its instance and
// mounts it there again. It follows a replacement of that instance.
func (l *Lifecycle) Rehome(ctx context.Context, vol *models.BlockVolume) error {
	ctx, span := tracer.Start(ctx, "volume.rehome")
	defer span.End()

	if vol.Instance == "" {
		return nil
	}
	logger := l.logger.With(zap.String("resource", vol.Path()))
	inst, err := l.resolve(ctx, vol.Instance)
	if err != nil {
		return errors.Trace(err)
	}
	live, err := l.api.GetVolume(ctx, vol.VolumeID)
	if err != nil {
		return err
	}
	if live.Attached() && live.InstanceID == inst.InstanceID {
		logger.Debug("already attached to current instance")
	} else {
		if live.Attached() {
			settled, err := l.coordinator.Detach(ctx, vol.VolumeID)
			if err != nil {
				return err
			}
			if !settled {
				logger.Warn("volume may still be attached to replaced instance", zap.Int("instance_id", live.InstanceID))
			}
		}
		if err := l.coordinator.Attach(ctx, vol.VolumeID, inst.InstanceID); err != nil {
			return err
		}
	}
	if vol.MountPoint == "" {
		return nil
	}
	return l.provision(ctx, vol, inst)
}

// Modify applies changes to a created volume through the registered field
// handlers.
func (l *Lifecycle) Modify(ctx context.Context, vol *models.BlockVolume, changes []resource.Change) error {
	ctx, span := tracer.Start(ctx, "volume.modify")
	defer span.End()

	if err := l.Verify(vol); err != nil {
		return err
	}
	return l.handlers.Dispatch(ctx, vol, changes)
}

// Relabel renames the volume.
func (l *Lifecycle) Relabel(ctx context.Context, vol *models.BlockVolume, previous, next any) error {
	l.logger.Debug("updating label", zap.String("resource", vol.Path()),
		zap.Any("from", previous), zap.Any("to", next))
	label, _ := next.(string)
	return l.api.UpdateVolume(ctx, vol.VolumeID, cloud.VolumeUpdate{Label: &label})
}

// Retag replaces the tags, unless the live volume already carries them.
func (l *Lifecycle) Retag(ctx context.Context, vol *models.BlockVolume, previous, next any) error {
	l.logger.Debug("updating tags", zap.String("resource", vol.Path()),
		zap.Any("from", previous), zap.Any("to", next))
	tags, _ := next.([]string)
	if tags == nil {
		tags = []string{}
	}

	live, err := l.api.GetVolume(ctx, vol.VolumeID)
	if err != nil {
		return err
	}
	if slices.Equal(live.Tags, tags) {
		return nil
	}
	return l.api.UpdateVolume(ctx, vol.VolumeID, cloud.VolumeUpdate{Tags: &tags})
}

// Resize grows the volume and notifies SizeChanged observers.
func (l *Lifecycle) Resize(ctx context.Context, vol *models.BlockVolume, previous, next any) error {
	l.logger.Debug("resizing volume", zap.String("resource", vol.Path()),
		zap.Any("from", previous), zap.Any("to", next))
	size, _ := next.(int)
	if err := l.api.ResizeVolume(ctx, vol.VolumeID, size); err != nil {
		return err
	}
	l.SizeChanged.Fire(ctx, vol)
	return nil
}

// Reattach moves the volume from the previous instance to the next one.
// The volume is not re-mounted on the new instance.
func (l *Lifecycle) Reattach(ctx context.Context, vol *models.BlockVolume, previous, next any) error {
	from, _ := previous.(string)
	to, _ := next.(string)
	logger := l.logger.With(zap.String("resource", vol.Path()))
	logger.Debug("changing attachment", zap.String("from", from), zap.String("to", to))

	if from != "" {
		settled, err := l.coordinator.Detach(ctx, vol.VolumeID)
		if err != nil {
			return err
		}
		if !settled {
			logger.Warn("volume may still be attached to previous instance", zap.String("instance", from))
		}
	}
	if to == "" {
		return nil
	}
	inst, err := l.resolve(ctx, to)
	if err != nil {
		return err
	}
	return l.coordinator.Attach(ctx, vol.VolumeID, inst.InstanceID)
}

// resolve loads the current record of the named instance.
func (l *Lifecycle) resolve(ctx context.Context, name string) (*models.ComputeInstance, error) {
	inst, err := l.store.GetInstance(ctx, name)
	if err != nil {
		return nil, errors.Annotatef(err, "resolving instance %q", name)
	}
	if !inst.Created() {
		return nil, errors.NotProvisionedf("instance %q", name)
	}
	return inst, nil
}

func (l *Lifecycle) dial(ctx context.Context, inst *models.ComputeInstance) (remote.Executor, error) {
	target, err := instance.SSHTarget(inst, l.opts.SSHUser)
	if err != nil {
		return nil, err
	}
	exec, err := l.dialer.Dial(ctx, target)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", inst.Path())
	}
	return exec, nil
}
