package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a lending action is currently halted by an
// operator.
type PauseView interface {
	IsPaused(action string) bool
}

func Guard(p PauseView, action string) error {
	if p == nil || action == "" {
		return nil
	}
	if p.IsPaused(action) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is a concurrency safe PauseView toggled at runtime.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses seeds the switch board with the supplied paused actions.
func NewPauses(actions ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool)}
	for _, action := range actions {
		p.Set(action, true)
	}
	return p
}

func (p *Pauses) IsPaused(action string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[normalizeAction(action)]
}

// Set toggles the paused flag for an action.
func (p *Pauses) Set(action string, paused bool) {
	if p == nil {
		return
	}
	key := normalizeAction(action)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[key] = true
		return
	}
	delete(p.paused, key)
}

// Snapshot returns the currently paused actions.
func (p *Pauses) Snapshot() map[string]bool {
	out := make(map[string]bool)
	if p == nil {
		return out
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for k, v := range p.paused {
		out[k] = v
	}
	return out
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
