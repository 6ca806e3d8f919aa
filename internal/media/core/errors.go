package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// SetupErrorKind classifies failures that prevent a pipeline from being built.
type SetupErrorKind int

const (
	KindUnsupportedPlatform SetupErrorKind = iota + 1
	KindPermissionDenied
	KindDeviceNotFound
	KindMissingEncoder
	KindInvalidConfig
)

func (k SetupErrorKind) String() string {
	switch k {
	case KindUnsupportedPlatform:
		return "unsupported platform"
	case KindPermissionDenied:
		return "permission denied"
	case KindDeviceNotFound:
		return "device not found"
	case KindMissingEncoder:
		return "no suitable encoder"
	case KindInvalidConfig:
		return "invalid configuration"
	default:
		return "setup failed"
	}
}

// SetupError reports a failure during pipeline assembly. It is surfaced
// before any task is told to play.
type SetupError struct {
	Kind      SetupErrorKind
	Component string
	Err       error
}

// NewSetupError wraps err with a kind and the component that failed.
func NewSetupError(kind SetupErrorKind, component string, err error) *SetupError {
	return &SetupError{Kind: kind, Component: component, Err: err}
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Component, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// IsSetupKind reports whether err is a SetupError of the given kind.
func IsSetupKind(err error, kind SetupErrorKind) bool {
	var se *SetupError
	return errors.As(err, &se) && se.Kind == kind
}
