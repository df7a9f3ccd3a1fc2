package common

import "errors"

// ErrModulePaused is returned when an operation targets a module the
// operator has paused.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a native module is administratively paused.
// Engines consult it before every state mutation.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the named module is paused. A nil view or an
// empty module name disables the check.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
