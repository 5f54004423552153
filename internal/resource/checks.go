package resource

import (
	"fmt"
	"slices"
	"strings"
)

// Checks collects base attribute verification failures for one resource.
// Lifecycles run it after their own pre-flight checks.
type Checks struct {
	err *VerificationError
}

// NewChecks starts a check run for the named resource.
func NewChecks(resource string) *Checks {
	return &Checks{err: &VerificationError{Resource: resource}}
}

// Required fails when value is empty.
func (c *Checks) Required(attr, value string) *Checks {
	if value == "" {
		c.err.Add(attr, "required")
	}
	return c
}

// OneOf fails when a non-empty value is not in choices.
func (c *Checks) OneOf(attr, value string, choices []string) *Checks {
	if value != "" && !slices.Contains(choices, value) {
		c.err.Add(attr, fmt.Sprintf("%q is not one of [%s]", value, strings.Join(choices, ", ")))
	}
	return c
}

// InRange fails when value is outside [min, max].
func (c *Checks) InRange(attr string, value, min, max int) *Checks {
	if value < min || value > max {
		c.err.Add(attr, fmt.Sprintf("%d is outside the range %d..%d", value, min, max))
	}
	return c
}

// Err returns the accumulated VerificationError, or nil when every check
// passed.
func (c *Checks) Err() error {
	if len(c.err.Attributes) == 0 {
		return nil
	}
	return c.err
}
