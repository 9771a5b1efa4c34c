package engine

import "sync/atomic"

// Toggles are the process-wide runtime switches gating event observation
// and verbose logging. Both are read on every event, never cached, so the
// HTTP control surface takes effect immediately.
type Toggles struct {
	handling atomic.Bool
	verbose  atomic.Bool
}

// NewToggles returns toggles with event handling on and verbose logging off.
func NewToggles(handling, verbose bool) *Toggles {
	t := &Toggles{}
	t.handling.Store(handling)
	t.verbose.Store(verbose)
	return t
}

// HandlingEnabled reports whether event observation is active.
func (t *Toggles) HandlingEnabled() bool { return t.handling.Load() }

// SetHandling flips event observation at runtime.
func (t *Toggles) SetHandling(on bool) { t.handling.Store(on) }

// VerboseEnabled reports whether verbose event logging is active.
func (t *Toggles) VerboseEnabled() bool { return t.verbose.Load() }

// SetVerbose flips verbose event logging at runtime.
func (t *Toggles) SetVerbose(on bool) { t.verbose.Store(on) }
