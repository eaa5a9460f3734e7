// Package busy tracks transient busy state and derives which controls are
// enabled from it.
//
// Global busy is a ref count of live tokens. Row locks are per-key and only
// ever disable the controls associated with that key. Every state change
// re-runs the policy over every registered control.
package busy

import (
	"sort"
	"sync"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/internal/metrics"
)

// Token is an opaque handle returned by Acquire.
type Token uint64

// Kind selects the policy rule applied to a control.
type Kind int

const (
	// KindAction is disabled while busy, hard-locked or under an overlay.
	KindAction Kind = iota
	// KindSearchInput turns read-only instead of disabled so it keeps focus.
	KindSearchInput
	// KindLockResolution opens the lock-resolution flow; it stays enabled
	// while hard-locked and is disabled only while busy.
	KindLockResolution
)

func (k Kind) String() string {
	switch k {
	case KindSearchInput:
		return "search_input"
	case KindLockResolution:
		return "lock_resolution"
	default:
		return "action"
	}
}

// Control is a UI affordance the policy can enable or disable.
type Control interface {
	SetEnabled(enabled bool)
}

// ReadOnlyControl is implemented by inputs that stay focusable when blocked.
type ReadOnlyControl interface {
	Control
	SetReadOnly(readOnly bool)
}

// State is a snapshot of the policy inputs.
type State struct {
	Busy    bool
	Locked  bool
	Overlay bool
	Tokens  int
	Rows    int
}

// Blocked reports whether ordinary controls are disabled.
func (s State) Blocked() bool {
	return s.Busy || s.Locked || s.Overlay
}

// Config wires the coordinator to the conditions it does not own.
type Config struct {
	// HardLocked reports the persistent index lock.
	HardLocked func() bool
	// Overlay reports whether a blocking dialog is open.
	Overlay func() bool
	// OnChange is called after every policy pass.
	OnChange func(State)
}

type control struct {
	kind Kind
	row  string
	ctl  Control
}

// Coordinator owns busy tokens, row locks and the control registry.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	next     Token
	live     map[Token]string
	rows     map[string]struct{}
	controls map[string]control
}

// New creates a coordinator. Nil inputs in cfg read as false.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		live:     make(map[Token]string),
		rows:     make(map[string]struct{}),
		controls: make(map[string]control),
	}
}

// Acquire marks the UI busy and returns a fresh token. It never fails.
func (c *Coordinator) Acquire(reason string) Token {
	c.mu.Lock()
	c.next++
	tok := c.next
	c.live[tok] = reason
	n := len(c.live)
	c.mu.Unlock()

	logging.Debug("busy acquired",
		logging.Uint64("token", uint64(tok)), logging.String("reason", reason), logging.Int("live", n))
	metrics.SetBusyTokens(n)
	c.Reapply()
	return tok
}

// Release drops a live token. Unknown or already released tokens are ignored.
func (c *Coordinator) Release(tok Token) {
	c.mu.Lock()
	reason, ok := c.live[tok]
	if ok {
		delete(c.live, tok)
	}
	n := len(c.live)
	c.mu.Unlock()

	if ok {
		logging.Debug("busy released",
			logging.Uint64("token", uint64(tok)), logging.String("reason", reason), logging.Int("live", n))
		metrics.SetBusyTokens(n)
	}
	c.Reapply()
}

// Hold acquires a token and returns the function that releases it, for use
// with defer.
func (c *Coordinator) Hold(reason string) func() {
	tok := c.Acquire(reason)
	var once sync.Once
	return func() { once.Do(func() { c.Release(tok) }) }
}

// ResetAll drops every live token and row lock. Only for initialization.
func (c *Coordinator) ResetAll() {
	c.mu.Lock()
	dropped := len(c.live)
	c.live = make(map[Token]string)
	c.rows = make(map[string]struct{})
	c.mu.Unlock()

	if dropped > 0 {
		logging.Warn("busy state reset with live tokens", logging.Int("dropped", dropped))
	}
	metrics.SetBusyTokens(0)
	metrics.SetRowLocks(0)
	c.Reapply()
}

// IsBusy reports whether any token is live.
func (c *Coordinator) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live) > 0
}

// Reasons returns the reasons of the live tokens, sorted. Diagnostic only.
func (c *Coordinator) Reasons() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.live))
	for _, r := range c.live {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// SetRow marks key as under (or no longer under) an exclusive per-item
// operation. Idempotent.
func (c *Coordinator) SetRow(key string, busy bool) {
	c.mu.Lock()
	_, had := c.rows[key]
	if busy {
		c.rows[key] = struct{}{}
	} else {
		delete(c.rows, key)
	}
	n := len(c.rows)
	c.mu.Unlock()

	if had == busy {
		return
	}
	metrics.SetRowLocks(n)
	c.Reapply()
}

// RowBusy reports whether key is row-locked.
func (c *Coordinator) RowBusy(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rows[key]
	return ok
}

// ResetRows clears every row lock and unregisters row controls. Called when
// the result set is replaced.
func (c *Coordinator) ResetRows() {
	c.mu.Lock()
	c.rows = make(map[string]struct{})
	for id, ctl := range c.controls {
		if ctl.row != "" {
			delete(c.controls, id)
		}
	}
	c.mu.Unlock()
	metrics.SetRowLocks(0)
}

// Register adds a control under id. row associates it with a list item;
// leave it empty for global controls. The policy is applied immediately.
func (c *Coordinator) Register(id string, kind Kind, row string, ctl Control) {
	c.mu.Lock()
	c.controls[id] = control{kind: kind, row: row, ctl: ctl}
	st := c.stateLocked()
	_, rowBusy := c.rows[row]
	c.mu.Unlock()

	apply(control{kind: kind, row: row, ctl: ctl}, st, rowBusy)
}

// Unregister removes a control.
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	delete(c.controls, id)
	c.mu.Unlock()
}

// State returns the current policy inputs.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() State {
	return State{
		Busy:    len(c.live) > 0,
		Locked:  c.cfg.HardLocked != nil && c.cfg.HardLocked(),
		Overlay: c.cfg.Overlay != nil && c.cfg.Overlay(),
		Tokens:  len(c.live),
		Rows:    len(c.rows),
	}
}

// Enabled evaluates the policy for a single control without a registry entry.
func (c *Coordinator) Enabled(kind Kind, row string) bool {
	c.mu.Lock()
	st := c.stateLocked()
	_, rowBusy := c.rows[row]
	c.mu.Unlock()
	return enabled(kind, st, row != "" && rowBusy)
}

// Reapply runs the policy over every registered control. Controls are
// called outside the lock.
func (c *Coordinator) Reapply() {
	type target struct {
		ctl     control
		rowBusy bool
	}

	c.mu.Lock()
	st := c.stateLocked()
	targets := make([]target, 0, len(c.controls))
	for _, ctl := range c.controls {
		_, rowBusy := c.rows[ctl.row]
		targets = append(targets, target{ctl: ctl, rowBusy: ctl.row != "" && rowBusy})
	}
	c.mu.Unlock()

	for _, t := range targets {
		apply(t.ctl, st, t.rowBusy)
	}
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(st)
	}
}

func enabled(kind Kind, st State, rowBusy bool) bool {
	switch kind {
	case KindLockResolution:
		return !st.Busy
	default:
		return !st.Blocked() && !rowBusy
	}
}

func apply(ctl control, st State, rowBusy bool) {
	on := enabled(ctl.kind, st, rowBusy)
	if ctl.kind == KindSearchInput {
		if ro, ok := ctl.ctl.(ReadOnlyControl); ok {
			ro.SetEnabled(true)
			ro.SetReadOnly(!on)
			return
		}
	}
	ctl.ctl.SetEnabled(on)
}
