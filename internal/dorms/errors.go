package dorms

import (
	"errors"
	"fmt"
)

// ErrNoReading means the telemetry service had no sample for an entity.
var ErrNoReading = errors.New("dorms: no reading available")

// ErrNegativePoints rejects a selection carrying negative energy points.
var ErrNegativePoints = errors.New("dorms: energy points must not be negative")

// NotFoundError means a name does not match any configured entity.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name == "" {
		return "dorms: no dorm selected"
	}
	return fmt.Sprintf("dorms: unknown dorm %q", e.Name)
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
