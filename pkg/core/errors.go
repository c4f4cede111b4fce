// core/errors.go
package core

import (
	"errors"
	"fmt"

	"github.com/joeydtaylor/steeze-hotload/pkg/namespace"
)

// RestartWarning is attached to every mount over an existing prefix and to
// every delete: the HTTP surface can add routes but never remove them.
const RestartWarning = "routes already registered with the HTTP surface keep responding until the process restarts"

var (
	ErrInvalidPath       = namespace.ErrInvalidPath
	ErrNotFound          = errors.New("unit not found")
	ErrExecution         = errors.New("unit execution failed")
	ErrNoHandlerSet      = errors.New("unit exposes no handler set")
	ErrMountConflict     = errors.New("route prefix conflict")
	ErrExternalSync      = errors.New("external sync failed")
	ErrAlreadyRegistered = errors.New("prefix already registered with the HTTP surface")
)

// InvalidPathError is produced by the namespace mapper.
type InvalidPathError = namespace.InvalidPathError

type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("unit %q not found", e.Path) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ExecutionError wraps whatever stopped a unit from executing: parse or
// evaluation diagnostics, a storage read failure, or a recovered panic.
type ExecutionError struct {
	Path string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %q: %v", e.Path, e.Err)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Err} }

type NoHandlerSetError struct {
	Path string
}

func (e *NoHandlerSetError) Error() string {
	return fmt.Sprintf("unit %q exports no router", e.Path)
}

func (e *NoHandlerSetError) Unwrap() error { return ErrNoHandlerSet }

// MountConflictError reports two sources competing for one prefix, or a
// prefix the HTTP surface refuses to mount.
type MountConflictError struct {
	Prefix   string
	Path     string
	Existing string
	Reason   string
}

func (e *MountConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("mount %q for %q: %s", e.Prefix, e.Path, e.Reason)
	}
	return fmt.Sprintf("mount %q for %q: already owned by %q", e.Prefix, e.Path, e.Existing)
}

func (e *MountConflictError) Unwrap() error { return ErrMountConflict }

type ExternalSyncError struct {
	Op  string
	Err error
}

func (e *ExternalSyncError) Error() string { return fmt.Sprintf("sync %s: %v", e.Op, e.Err) }

func (e *ExternalSyncError) Unwrap() []error { return []error{ErrExternalSync, e.Err} }
