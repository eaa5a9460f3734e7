// Package hardlock tracks the persistent "index changed" lock that blocks
// mutating operations until the server index is resolved.
//
// The lock is independent of transient busy state. While an index check is
// in progress, stats may activate the lock but never clear it, and the modal
// is left for the check's completion handler to show.
package hardlock

import (
	"sync"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/internal/metrics"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
)

// Reason says why the lock is active.
type Reason string

const (
	ReasonDrift   Reason = "drift"
	ReasonMissing Reason = "missing"
	ReasonForced  Reason = "forced"
	ReasonUnknown Reason = "unknown"
)

// Source says which path activated the lock.
type Source string

const (
	SourceBoot   Source = "boot"
	SourceStats  Source = "stats"
	SourceCheck  Source = "check"
	SourceAction Source = "action"
)

// ModalID identifies the lock modal to the ModalHost.
const ModalID = "index-lock"

// ModalHost presents blocking dialogs.
type ModalHost interface {
	Show(id string)
	Hide(id string)
	// PreemptOthers closes every open dialog except id, without running
	// their close side effects.
	PreemptOthers(except string)
}

// State is a snapshot. Reason and Source are empty iff Active is false.
type State struct {
	Active bool
	Reason Reason
	Source Source
}

// Options controls modal display on a transition.
type Options struct {
	Show bool
	Hide bool
}

// Machine is safe for concurrent use. ModalHost and subscribers are called
// outside its lock.
type Machine struct {
	host ModalHost

	mu       sync.Mutex
	state    State
	shown    bool
	checking int
	subs     map[int]func(State)
	nextSub  int
}

// New creates an unlocked machine. host may be nil for headless use.
func New(host ModalHost) *Machine {
	return &Machine{host: host, subs: make(map[int]func(State))}
}

// Activate enters Locked. Re-activating with the same reason and source is
// not a transition; opts.Show still presents the modal if it is not shown.
func (m *Machine) Activate(reason Reason, source Source, opts Options) {
	if reason == "" {
		reason = ReasonUnknown
	}

	m.mu.Lock()
	next := State{Active: true, Reason: reason, Source: source}
	changed := m.state != next
	m.state = next
	show := opts.Show && !m.shown && m.host != nil
	if show {
		m.shown = true
	}
	subs := m.subscribersLocked(changed)
	m.mu.Unlock()

	if changed {
		logging.Info("hard lock active", logging.String("reason", string(reason)), logging.String("source", string(source)))
		metrics.RecordHardLock(true, string(reason), string(source))
	}
	if show {
		m.host.PreemptOthers(ModalID)
		m.host.Show(ModalID)
	}
	notify(subs, next)
}

// Clear enters Unlocked, hiding the modal when opts.Hide is set.
func (m *Machine) Clear(opts Options) {
	m.mu.Lock()
	changed := m.state.Active
	m.state = State{}
	hide := opts.Hide && m.shown && m.host != nil
	if hide {
		m.shown = false
	}
	subs := m.subscribersLocked(changed)
	m.mu.Unlock()

	if changed {
		logging.Info("hard lock cleared")
		metrics.RecordHardLock(false, "", "")
	}
	if hide {
		m.host.Hide(ModalID)
	}
	notify(subs, State{})
}

// SyncFromStats derives the lock from the server's index flags. Missing
// takes priority over blocked as the reported reason. This is the only path
// by which background stats affect the lock.
func (m *Machine) SyncFromStats(st protocol.Stats, source Source, opts Options) {
	reason := ReasonFromStats(st)

	m.mu.Lock()
	checking := m.checking > 0
	m.mu.Unlock()

	if reason == "" {
		if checking {
			logging.Debug("stats clear ignored during index check")
			return
		}
		m.Clear(opts)
		return
	}
	if checking {
		opts.Show = false
	}
	m.Activate(reason, source, opts)
}

// ReasonFromStats maps index flags to a lock reason, or "" when unlocked.
func ReasonFromStats(st protocol.Stats) Reason {
	switch {
	case bool(st.IndexMissing):
		return ReasonMissing
	case bool(st.IndexBlocked):
		return ReasonDrift
	default:
		return ""
	}
}

// BeginCheck marks an index check in progress. Calls nest.
func (m *Machine) BeginCheck() {
	m.mu.Lock()
	m.checking++
	m.mu.Unlock()
}

// EndCheck ends a check started with BeginCheck. It does not show the
// modal; the check's completion handler decides that.
func (m *Machine) EndCheck() {
	m.mu.Lock()
	if m.checking > 0 {
		m.checking--
	}
	m.mu.Unlock()
}

// Checking reports whether an index check is in progress.
func (m *Machine) Checking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checking > 0
}

// ShowModal presents the modal if the lock is active and it is not shown.
func (m *Machine) ShowModal() {
	m.mu.Lock()
	show := m.state.Active && !m.shown && m.host != nil
	if show {
		m.shown = true
	}
	m.mu.Unlock()

	if show {
		m.host.PreemptOthers(ModalID)
		m.host.Show(ModalID)
	}
}

// ModalShown reports whether the lock modal is presented.
func (m *Machine) ModalShown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shown
}

// IsHard reports whether the lock is active.
func (m *Machine) IsHard() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Active
}

// Reason returns the active reason, or "".
func (m *Machine) Reason() Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Reason
}

func (m *Machine) Source() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Source
}

// State returns a snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn to run on every transition and returns a function
// that removes it.
func (m *Machine) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Machine) subscribersLocked(changed bool) []func(State) {
	if !changed || len(m.subs) == 0 {
		return nil
	}
	out := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(State), st State) {
	for _, fn := range subs {
		fn(st)
	}
}
