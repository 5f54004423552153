package resource

import (
	"fmt"
	"strings"
)

// AttributeError names a single attribute that failed verification.
type AttributeError struct {
	Name  string
	Error string
}

// VerificationError is raised before any mutating call when a declared
// resource violates a constraint.
type VerificationError struct {
	Resource   string
	Attributes []AttributeError
}

// NewVerificationError returns a VerificationError for the resource with a
// single attribute error.
func NewVerificationError(resource, attr, msg string) *VerificationError {
	err := &VerificationError{Resource: resource}
	err.Add(attr, msg)
	return err
}

// Add records another attribute failure.
func (e *VerificationError) Add(attr, msg string) {
	e.Attributes = append(e.Attributes, AttributeError{Name: attr, Error: msg})
}

func (e *VerificationError) Error() string {
	parts := make([]string, 0, len(e.Attributes))
	for _, a := range e.Attributes {
		parts = append(parts, a.Name+": "+a.Error)
	}
	return fmt.Sprintf("verification failed for %s: %s", e.Resource, strings.Join(parts, "; "))
}

// FailureKind separates the reasons a create can fail. Operators act on them
// differently: a control-plane rejection usually means the declaration is
// wrong, a timeout may clear up on retry.
type FailureKind string

const (
	KindControlPlane FailureKind = "control-plane"
	KindTimeout      FailureKind = "timeout"
	KindRemote       FailureKind = "remote"
)

// CreationFailure is raised when a resource could not be brought to a usable
// state.
type CreationFailure struct {
	Resource string
	Kind     FailureKind
	Reason   string
	Err      error
}

// NewCreationFailure builds a CreationFailure wrapping cause, which may be nil.
func NewCreationFailure(resource string, kind FailureKind, reason string, cause error) *CreationFailure {
	return &CreationFailure{Resource: resource, Kind: kind, Reason: reason, Err: cause}
}

func (e *CreationFailure) Error() string {
	return fmt.Sprintf("failed to create %s (%s): %s", e.Resource, e.Kind, e.Reason)
}

func (e *CreationFailure) Unwrap() error {
	return e.Err
}
