// Package instance implements the create, delete, verify and modify
// lifecycle of a Linode compute instance.
package instance

import (
	"context"
	"regexp"
	"slices"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/cloud"
	"github.com/stackzilla/linode-provider/internal/models"
	"github.com/stackzilla/linode-provider/internal/poll"
	"github.com/stackzilla/linode-provider/internal/remote"
	"github.com/stackzilla/linode-provider/internal/resource"
)

var tracer = otel.Tracer("github.com/stackzilla/linode-provider/internal/instance")

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]*$`)

// ReasonUnreachable is the creation-failure reason when the instance exists
// but never accepted an SSH connection.
const ReasonUnreachable = "unable to establish SSH connection"

// Store is the persistence the lifecycle writes through.
type Store interface {
	SaveInstance(ctx context.Context, inst *models.ComputeInstance) error
	DeleteInstance(ctx context.Context, name string) error
}

// Options tune the readiness wait. Zero values take the defaults.
type Options struct {
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	// SSHUser logs in to new instances, "root" by default.
	SSHUser string
	// AuthorizedKeys are installed for SSHUser on create.
	AuthorizedKeys []string
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = 120 * time.Second
	}
	if o.ReadyInterval == 0 {
		o.ReadyInterval = 5 * time.Second
	}
	if o.SSHUser == "" {
		o.SSHUser = "root"
	}
	return o
}

// Config wires a Lifecycle.
type Config struct {
	Token   string
	API     cloud.InstanceAPI
	Store   Store
	Dialer  remote.Dialer
	Poller  *poll.Poller
	Options Options
	Logger  *zap.Logger
}

// Lifecycle manages compute instances.
type Lifecycle struct {
	token    string
	api      cloud.InstanceAPI
	store    Store
	dialer   remote.Dialer
	poller   *poll.Poller
	opts     Options
	logger   *zap.Logger
	handlers *resource.Dispatcher[*models.ComputeInstance]
}

// New returns a Lifecycle. The token is checked by Verify, not here.
func New(cfg Config) *Lifecycle {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poller := cfg.Poller
	if poller == nil {
		poller = poll.New(nil)
	}
	l := &Lifecycle{
		token:  cfg.Token,
		api:    cfg.API,
		store:  cfg.Store,
		dialer: cfg.Dialer,
		poller: poller,
		opts:   cfg.Options.withDefaults(),
		logger: logger.Named("linode.instance"),
	}
	l.handlers = resource.NewDispatcher[*models.ComputeInstance]("instance", l.logger)
	l.handlers.Register("type", l.Resize)
	l.handlers.Register("label", l.Relabel)
	l.handlers.Register("group", l.Regroup)
	l.handlers.Register("tags", l.Retag)
	return l
}

// SSHTarget returns how to reach inst over SSH as user.
func SSHTarget(inst *models.ComputeInstance, user string) (remote.Target, error) {
	if len(inst.IPv4) == 0 {
		return remote.Target{}, errors.NotFoundf("ipv4 address for %s", inst.Path())
	}
	return remote.Target{Host: inst.IPv4[0], Port: 22, User: user, Password: inst.RootPassword}, nil
}

// SSHUser is the login used for remote commands.
func (l *Lifecycle) SSHUser() string {
	return l.opts.SSHUser
}

// DependsOn returns the names of resources that must exist first. An
// instance depends on nothing.
func (l *Lifecycle) DependsOn(*models.ComputeInstance) []string {
	return nil
}

// Verify checks the token and label, then the structural constraints.
func (l *Lifecycle) Verify(inst *models.ComputeInstance) error {
	if l.token == "" {
		return resource.NewVerificationError(inst.Path(), "token", "not declared")
	}
	if !labelPattern.MatchString(inst.Label) {
		return resource.NewVerificationError(inst.Path(), "label",
			"must use only letters, numbers, underscores, dashes and periods")
	}
	return inst.Validate()
}

// Create verifies inst, creates it, records it and waits for SSH to come
// up. The record is saved as soon as the control plane returns so an
// instance that never becomes reachable is still tracked.
func (l *Lifecycle) Create(ctx context.Context, inst *models.ComputeInstance) error {
	ctx, span := tracer.Start(ctx, "instance.create")
	defer span.End()
	span.SetAttributes(attribute.String("resource", inst.Path()))

	if err := l.Verify(inst); err != nil {
		return err
	}
	logger := l.logger.With(zap.String("resource", inst.Path()))
	logger.Debug("starting instance creation", zap.String("label", inst.Label))

	created, err := l.api.CreateInstance(ctx, cloud.InstanceSpec{
		Region:         inst.Region,
		Type:           inst.Type,
		Image:          inst.Image,
		Label:          inst.Label,
		Group:          inst.Group,
		Tags:           inst.Tags,
		PrivateIP:      inst.PrivateIP,
		AuthorizedKeys: l.opts.AuthorizedKeys,
	})
	if err != nil {
		logger.Error("instance creation failed", zap.Error(err))
		span.RecordError(err)
		return resource.NewCreationFailure(inst.Path(), resource.KindControlPlane, err.Error(), err)
	}

	inst.InstanceID = created.ID
	inst.RootPassword = created.RootPassword
	inst.IPv4 = created.IPv4
	inst.IPv6 = created.IPv6
	if err := l.store.SaveInstance(ctx, inst); err != nil {
		return errors.Annotatef(err, "recording %s", inst.Path())
	}
	span.SetAttributes(attribute.Int("instance_id", inst.InstanceID))

	target, err := SSHTarget(inst, l.opts.SSHUser)
	if err != nil {
		return resource.NewCreationFailure(inst.Path(), resource.KindTimeout, ReasonUnreachable, err)
	}
	logger.Debug("waiting for SSH", zap.String("host", target.Host))
	ok, err := l.poller.Await(ctx, func(ctx context.Context) (bool, error) {
		exec, err := l.dialer.Dial(ctx, target)
		if err != nil {
			logger.Debug("instance not reachable yet", zap.Error(err))
			return false, nil
		}
		_ = exec.Close()
		return true, nil
	}, poll.Options{Name: "instance_ssh", Timeout: l.opts.ReadyTimeout, Interval: l.opts.ReadyInterval})
	if err != nil || !ok {
		logger.Error("instance creation failed", zap.String("reason", ReasonUnreachable), zap.Error(err))
		return resource.NewCreationFailure(inst.Path(), resource.KindTimeout, ReasonUnreachable, err)
	}

	logger.Info("instance creation complete",
		zap.Int("instance_id", inst.InstanceID),
		zap.Strings("ipv4", inst.IPv4),
		zap.String("ipv6", inst.IPv6))
	return nil
}

// Delete requests deletion of the instance and drops its record. It does
// not wait for the control plane to finish.
func (l *Lifecycle) Delete(ctx context.Context, inst *models.ComputeInstance) error {
	ctx, span := tracer.Start(ctx, "instance.delete")
	defer span.End()

	logger := l.logger.With(zap.String("resource", inst.Path()))
	logger.Debug("deleting instance", zap.Int("instance_id", inst.InstanceID))

	if inst.Created() {
		if err := l.api.DeleteInstance(ctx, inst.InstanceID); err != nil {
			return err
		}
	}
	inst.InstanceID = 0
	if err := l.store.DeleteInstance(ctx, inst.Name); err != nil {
		return errors.Annotatef(err, "removing record of %s", inst.Path())
	}
	logger.Debug("deletion complete")
	return nil
}

// Modify applies changes to a created instance through the registered
// field handlers.
func (l *Lifecycle) Modify(ctx context.Context, inst *models.ComputeInstance, changes []resource.Change) error {
	ctx, span := tracer.Start(ctx, "instance.modify")
	defer span.End()

	if err := l.Verify(inst); err != nil {
		return err
	}
	return l.handlers.Dispatch(ctx, inst, changes)
}

// Resize changes the instance type. The resize runs asynchronously on the
// control plane.
func (l *Lifecycle) Resize(ctx context.Context, inst *models.ComputeInstance, previous, next any) error {
	l.logger.Debug("resizing instance", zap.String("resource", inst.Path()),
		zap.Any("from", previous), zap.Any("to", next))
	return l.api.ResizeInstance(ctx, inst.InstanceID, asString(next))
}

// Relabel renames the instance.
func (l *Lifecycle) Relabel(ctx context.Context, inst *models.ComputeInstance, previous, next any) error {
	l.logger.Debug("updating label", zap.String("resource", inst.Path()),
		zap.Any("from", previous), zap.Any("to", next))
	label := asString(next)
	return l.api.UpdateInstance(ctx, inst.InstanceID, cloud.InstanceUpdate{Label: &label})
}

// Regroup moves the instance to another display group.
func (l *Lifecycle) Regroup(ctx context.Context, inst *models.ComputeInstance, previous, next any) error {
	l.logger.Debug("updating group", zap.String("resource", inst.Path()),
		zap.Any("from", previous), zap.Any("to", next))
	group := asString(next)
	return l.api.UpdateInstance(ctx, inst.InstanceID, cloud.InstanceUpdate{Group: &group})
}

// Retag replaces the tags, unless the live instance already carries them.
func (l *Lifecycle) Retag(ctx context.Context, inst *models.ComputeInstance, previous, next any) error {
	l.logger.Debug("updating tags", zap.String("resource", inst.Path()),
		zap.Any("from", previous), zap.Any("to", next))
	tags := asTags(next)

	live, err := l.api.GetInstance(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if slices.Equal(live.Tags, tags) {
		return nil
	}
	return l.api.UpdateInstance(ctx, inst.InstanceID, cloud.InstanceUpdate{Tags: &tags})
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTags(v any) []string {
	tags, _ := v.([]string)
	if tags == nil {
		return []string{}
	}
	return tags
}
