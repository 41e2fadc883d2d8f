package common

import (
	"errors"
	"fmt"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module currently rejects mutations.
type PauseView interface {
	IsPaused(module string) bool
}

// PauseFunc adapts a function to PauseView.
type PauseFunc func(module string) bool

func (f PauseFunc) IsPaused(module string) bool { return f(module) }

// Guard returns an error wrapping ErrModulePaused when p reports module as
// paused. A nil view never pauses.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}
