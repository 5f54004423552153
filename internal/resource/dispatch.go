package resource

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Change is a single declared-vs-persisted attribute difference.
type Change struct {
	Field    string
	Previous any
	Next     any
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Field, c.Previous, c.Next)
}

// Handler applies one attribute change to a persisted resource.
type Handler[T any] func(ctx context.Context, rec T, previous, next any) error

// Dispatcher maps attribute names to modification handlers. Handlers are
// registered when the resource type is defined; changes to unmapped fields
// are logged and skipped.
type Dispatcher[T any] struct {
	kind     string
	handlers map[string]Handler[T]
	logger   *zap.Logger
}

// NewDispatcher returns an empty dispatcher for the given resource kind.
func NewDispatcher[T any](kind string, logger *zap.Logger) *Dispatcher[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[T]{
		kind:     kind,
		handlers: make(map[string]Handler[T]),
		logger:   logger,
	}
}

// Register binds field to h, replacing any earlier binding.
func (d *Dispatcher[T]) Register(field string, h Handler[T]) {
	d.handlers[field] = h
}

// Handles reports whether field has a registered handler.
func (d *Dispatcher[T]) Handles(field string) bool {
	_, ok := d.handlers[field]
	return ok
}

// Dispatch runs the handler of every change in order and stops at the first
// error, which is returned as is.
func (d *Dispatcher[T]) Dispatch(ctx context.Context, rec T, changes []Change) error {
	for _, ch := range changes {
		h, ok := d.handlers[ch.Field]
		if !ok {
			d.logger.Warn("no modification handler for field",
				zap.String("kind", d.kind), zap.String("field", ch.Field))
			continue
		}
		if err := h(ctx, rec, ch.Previous, ch.Next); err != nil {
			return err
		}
	}
	return nil
}
