package plugin

import (
	"errors"
	"fmt"

	xerrors "EmuHub/internal/errors"
)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a lifecycle error as fatal: returning it from Enable or
// Expansion aborts boot instead of being isolated to the plugin.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err should abort boot. Errors marked with Fatal and
// registry misuse such as a missing mandatory service are fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	return xerrors.IsFatal(err)
}

func lifecycleError(name, phase string, cause error) *xerrors.Error {
	return xerrors.Wrap(xerrors.CodePluginLifecycle, cause,
		fmt.Sprintf("plugin %s %s failed", name, phase),
		xerrors.WithMetadata("plugin", name),
		xerrors.WithMetadata("phase", phase))
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
