// Package engine reconciles persisted resources with a blueprint. It plays
// the owning-framework role for the lifecycles: verification before any
// mutation, dependency ordering, rebuild on immutable changes, pruning and
// per-resource serialization.
package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/blueprint"
	"github.com/stackzilla/linode-provider/internal/events"
	"github.com/stackzilla/linode-provider/internal/instance"
	"github.com/stackzilla/linode-provider/internal/metrics"
	"github.com/stackzilla/linode-provider/internal/models"
	"github.com/stackzilla/linode-provider/internal/resource"
	"github.com/stackzilla/linode-provider/internal/storage"
	"github.com/stackzilla/linode-provider/internal/volume"
)

var tracer = otel.Tracer("github.com/stackzilla/linode-provider/internal/engine")

// Operations recorded in a Report.
const (
	OpCreate    = "create"
	OpRebuild   = "rebuild"
	OpModify    = "modify"
	OpReattach  = "reattach"
	OpUnchanged = "unchanged"
	OpDelete    = "delete"
)

const (
	kindInstance = "instance"
	kindVolume   = "volume"
)

// Notifier receives an event for every completed action.
type Notifier interface {
	PublishLifecycle(ctx context.Context, ev events.LifecycleEvent) error
}

// Action is one step taken against one resource.
type Action struct {
	Kind     string        `json:"kind"`
	Name     string        `json:"name"`
	Op       string        `json:"op"`
	Changes  []string      `json:"changes,omitempty"`
	Duration time.Duration `json:"duration"`
	// Note carries anything an operator has to follow up by hand.
	Note     string        `json:"note,omitempty"`
	Err      error         `json:"-"`
}

// Report lists the actions of one Apply or Destroy, in execution order.
type Report struct {
	Actions []Action `json:"actions"`
}

// Changed reports whether anything other than OpUnchanged happened.
func (r *Report) Changed() bool {
	for _, a := range r.Actions {
		if a.Op != OpUnchanged {
			return true
		}
	}
	return false
}

// State is the persisted view of every resource.
type State struct {
	Instances []*models.ComputeInstance `json:"instances"`
	Volumes   []*models.BlockVolume     `json:"volumes"`
}

// Config wires an Engine.
type Config struct {
	Store     storage.Store
	Instances *instance.Lifecycle
	Volumes   *volume.Lifecycle
	// Notifier is optional.
	Notifier Notifier
	Logger   *zap.Logger
}

// Engine drives the lifecycles.
type Engine struct {
	store     storage.Store
	instances *instance.Lifecycle
	volumes   *volume.Lifecycle
	notifier  Notifier
	logger    *zap.Logger

	// one operation per resource path at a time
	opMu sync.Map
}

// New returns an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     cfg.Store,
		instances: cfg.Instances,
		volumes:   cfg.Volumes,
		notifier:  cfg.Notifier,
		logger:    logger.Named("engine"),
	}
}

// Verify checks every declared resource and the references between them.
// Nothing is sent to the control plane.
func (e *Engine) Verify(bp *blueprint.Blueprint) error {
	for _, inst := range bp.Instances {
		if err := e.instances.Verify(inst); err != nil {
			return err
		}
	}
	for _, vol := range bp.Volumes {
		if err := e.volumes.Verify(vol); err != nil {
			return err
		}
		for _, dep := range e.volumes.DependsOn(vol) {
			if _, ok := bp.Instance(dep); !ok {
				return resource.NewVerificationError(vol.Path(), "instance",
					"references undeclared instance "+dep)
			}
		}
	}
	return nil
}

// Apply brings persisted state in line with bp: instances first, then the
// volumes that depend on them, then removal of anything no longer declared.
// Volumes of a rebuilt instance are attached and mounted on its replacement.
// It stops at the first failed action, which is the last in the report.
func (e *Engine) Apply(ctx context.Context, bp *blueprint.Blueprint) (*Report, error) {
	ctx, span := tracer.Start(ctx, "engine.apply")
	defer span.End()

	if err := e.Verify(bp); err != nil {
		return nil, err
	}

	report := &Report{}
	rebuilt := make(map[string]bool)
	for _, decl := range bp.Instances {
		a := e.applyInstance(ctx, decl)
		if err := e.record(ctx, report, a); err != nil {
			return report, err
		}
		if a.Op == OpRebuild {
			rebuilt[decl.Name] = true
		}
	}
	for _, decl := range bp.Volumes {
		hostReplaced := slices.ContainsFunc(e.volumes.DependsOn(decl), func(name string) bool {
			return rebuilt[name]
		})
		a := e.applyVolume(ctx, decl, hostReplaced)
		if err := e.record(ctx, report, a); err != nil {
			return report, err
		}
	}
	if err := e.prune(ctx, bp, report); err != nil {
		return report, err
	}
	span.SetAttributes(attribute.Int("actions", len(report.Actions)))
	return report, nil
}

// Destroy deletes every persisted volume, then every instance.
func (e *Engine) Destroy(ctx context.Context) (*Report, error) {
	ctx, span := tracer.Start(ctx, "engine.destroy")
	defer span.End()

	report := &Report{}
	return report, e.prune(ctx, &blueprint.Blueprint{}, report)
}

// State returns every persisted record with secrets redacted.
func (e *Engine) State(ctx context.Context) (*State, error) {
	instances, err := e.store.ListInstances(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	volumes, err := e.store.ListVolumes(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st := &State{Volumes: volumes}
	for _, inst := range instances {
		st.Instances = append(st.Instances, inst.Redacted())
	}
	return st, nil
}

func (e *Engine) prune(ctx context.Context, bp *blueprint.Blueprint, report *Report) error {
	volumes, err := e.store.ListVolumes(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, vol := range volumes {
		if _, ok := bp.Volume(vol.Name); ok {
			continue
		}
		if err := e.record(ctx, report, e.deleteVolume(ctx, vol)); err != nil {
			return err
		}
	}

	instances, err := e.store.ListInstances(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, inst := range instances {
		if _, ok := bp.Instance(inst.Name); ok {
			continue
		}
		if err := e.record(ctx, report, e.deleteInstance(ctx, inst)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deleteVolume(ctx context.Context, vol *models.BlockVolume) Action {
	unlock := e.acquireOpLock(vol.Path())
	defer unlock()

	a := e.run(ctx, kindVolume, vol.Path(), OpDelete, nil, func(ctx context.Context) error {
		return e.volumes.Delete(ctx, vol)
	})
	a.Name = vol.Name
	return a
}

func (e *Engine) deleteInstance(ctx context.Context, inst *models.ComputeInstance) Action {
	unlock := e.acquireOpLock(inst.Path())
	defer unlock()

	a := e.run(ctx, kindInstance, inst.Path(), OpDelete, nil, func(ctx context.Context) error {
		return e.instances.Delete(ctx, inst)
	})
	a.Name = inst.Name
	return a
}

func (e *Engine) applyInstance(ctx context.Context, decl *models.ComputeInstance) Action {
	path := decl.Path()
	unlock := e.acquireOpLock(path)
	defer unlock()

	rec, err := e.store.GetInstance(ctx, decl.Name)
	if errors.Is(err, errors.NotFound) {
		a := e.run(ctx, kindInstance, path, OpCreate, nil, func(ctx context.Context) error {
			return e.instances.Create(ctx, copyInstance(decl))
		})
		a.Name = decl.Name
		return a
	}
	if err != nil {
		return Action{Kind: kindInstance, Name: decl.Name, Op: OpCreate, Err: errors.Trace(err)}
	}

	changes := rec.Changes(decl)
	fields := changedFields(changes)
	var a Action
	switch {
	case len(changes) == 0:
		a = Action{Kind: kindInstance, Op: OpUnchanged}
	case rebuilds(fields, models.InstanceRebuildFields):
		a = e.run(ctx, kindInstance, path, OpRebuild, fields, func(ctx context.Context) error {
			if err := e.instances.Delete(ctx, rec); err != nil {
				return errors.Annotate(err, "removing old instance")
			}
			return e.instances.Create(ctx, copyInstance(decl))
		})
	default:
		a = e.run(ctx, kindInstance, path, OpModify, fields, func(ctx context.Context) error {
			rec.ApplyConfig(decl)
			if err := e.instances.Modify(ctx, rec, changes); err != nil {
				return err
			}
			return e.store.SaveInstance(ctx, rec)
		})
	}
	a.Name = decl.Name
	return a
}

func (e *Engine) applyVolume(ctx context.Context, decl *models.BlockVolume, hostReplaced bool) Action {
	path := decl.Path()
	unlock := e.acquireOpLock(path)
	defer unlock()

	rec, err := e.store.GetVolume(ctx, decl.Name)
	if err != nil && !errors.Is(err, errors.NotFound) {
		return Action{Kind: kindVolume, Name: decl.Name, Op: OpCreate, Err: errors.Trace(err)}
	}
	var note string
	if rec != nil && !rec.Created() {
		// A create that never reached the active state left only a record.
		note = orphanNote(rec)
		e.logger.Warn("recreating volume that never became active",
			zap.String("resource", path),
			zap.Int("orphaned_volume_id", rec.PendingID),
			zap.String("label", rec.Label),
			zap.String("region", rec.Region))
		rec = nil
	}
	if rec == nil {
		a := e.run(ctx, kindVolume, path, OpCreate, nil, func(ctx context.Context) error {
			return e.volumes.Create(ctx, copyVolume(decl))
		})
		a.Name = decl.Name
		a.Note = note
		return a
	}

	changes := rec.Changes(decl)
	fields := changedFields(changes)
	var a Action
	switch {
	case len(changes) == 0 && !hostReplaced:
		a = Action{Kind: kindVolume, Op: OpUnchanged}
	case rebuilds(fields, models.VolumeRebuildFields):
		a = e.run(ctx, kindVolume, path, OpRebuild, fields, func(ctx context.Context) error {
			if err := e.volumes.Delete(ctx, rec); err != nil {
				return errors.Annotate(err, "removing old volume")
			}
			return e.volumes.Create(ctx, copyVolume(decl))
		})
	case hostReplaced && !slices.Contains(fields, "instance"):
		a = e.run(ctx, kindVolume, path, OpReattach, fields, func(ctx context.Context) error {
			rec.ApplyConfig(decl)
			if len(changes) > 0 {
				if err := e.volumes.Modify(ctx, rec, changes); err != nil {
					return err
				}
			}
			if err := e.volumes.Rehome(ctx, rec); err != nil {
				return err
			}
			return e.store.SaveVolume(ctx, rec)
		})
	default:
		a = e.run(ctx, kindVolume, path, OpModify, fields, func(ctx context.Context) error {
			rec.ApplyConfig(decl)
			if err := e.volumes.Modify(ctx, rec, changes); err != nil {
				return err
			}
			return e.store.SaveVolume(ctx, rec)
		})
	}
	a.Name = decl.Name
	return a
}

// run times fn and counts it in the operation metrics.
func (e *Engine) run(ctx context.Context, kind, path, op string, fields []string, fn func(context.Context) error) Action {
	ctx, span := tracer.Start(ctx, "engine."+op)
	defer span.End()
	span.SetAttributes(attribute.String("resource", path))

	e.logger.Info("applying", zap.String("resource", path), zap.String("op", op), zap.Strings("changes", fields))
	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)
	metrics.ObserveOperation(kind, op, took.Seconds(), err)
	if err != nil {
		span.RecordError(err)
	}
	return Action{Kind: kind, Op: op, Changes: fields, Duration: took, Err: err}
}

// record appends a to the report, notifies and returns the action's error.
func (e *Engine) record(ctx context.Context, report *Report, a Action) error {
	report.Actions = append(report.Actions, a)
	if a.Err != nil {
		e.logger.Error("action failed", zap.String("kind", a.Kind), zap.String("name", a.Name),
			zap.String("op", a.Op), zap.Error(a.Err))
	}
	if e.notifier != nil && a.Op != OpUnchanged {
		ev := events.NewLifecycleEvent(a.Kind, a.Name, a.Op, a.Changes, a.Duration, a.Err)
		if err := e.notifier.PublishLifecycle(ctx, ev); err != nil {
			e.logger.Warn("publish failed", zap.Error(err))
		}
	}
	return a.Err
}

func orphanNote(rec *models.BlockVolume) string {
	if rec.PendingID != 0 {
		return fmt.Sprintf("volume %d (label %q, region %s) from an earlier create was left on the control plane",
			rec.PendingID, rec.Label, rec.Region)
	}
	return fmt.Sprintf("a volume labelled %q in %s from an earlier create may be left on the control plane",
		rec.Label, rec.Region)
}

func changedFields(changes []resource.Change) []string {
	fields := make([]string, 0, len(changes))
	for _, ch := range changes {
		fields = append(fields, ch.Field)
	}
	return fields
}

func rebuilds(fields, rebuildFields []string) bool {
	for _, f := range fields {
		if slices.Contains(rebuildFields, f) {
			return true
		}
	}
	return false
}

func copyInstance(decl *models.ComputeInstance) *models.ComputeInstance {
	inst := &models.ComputeInstance{Name: decl.Name}
	inst.ApplyConfig(decl)
	return inst
}

func copyVolume(decl *models.BlockVolume) *models.BlockVolume {
	vol := &models.BlockVolume{Name: decl.Name}
	vol.ApplyConfig(decl)
	return vol
}

// acquireOpLock ensures only one op per resource at a time. The returned
// func releases it.
func (e *Engine) acquireOpLock(path string) func() {
	v, _ := e.opMu.LoadOrStore(path, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}
