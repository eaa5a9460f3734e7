// Package filemgr composes the coordination core into the file manager's
// operations.
//
// Every user operation asks the guard whether it may start, runs under the
// operation runner, refreshes the list through the sequencer and reports
// its outcome as a notification. Failures never propagate: each operation
// returns false after the user has been told what went wrong.
package filemgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/internal/events"
	"github.com/svetliomitev/miniclouds-sub000/pkg/busy"
	"github.com/svetliomitev/miniclouds-sub000/pkg/hardlock"
	"github.com/svetliomitev/miniclouds-sub000/pkg/listseq"
	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
	"github.com/svetliomitev/miniclouds-sub000/pkg/notify"
	"github.com/svetliomitev/miniclouds-sub000/pkg/oprun"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
)

// API is the server surface used by the manager. *client.Client implements it.
type API interface {
	listseq.Lister
	Stats(ctx context.Context) (*protocol.Stats, error)
	Delete(ctx context.Context, name string) (*protocol.ActionResponse, error)
	SetShared(ctx context.Context, name string, shared bool) (*protocol.ActionResponse, error)
	DeleteAll(ctx context.Context) (*protocol.ActionResponse, error)
	CheckIndex(ctx context.Context) (*protocol.ActionResponse, error)
	RebuildIndex(ctx context.Context) (*protocol.ActionResponse, error)
}

// StatsSource pushes stats, e.g. *client.StatsStream.
type StatsSource interface {
	Subscribe(ctx context.Context) <-chan protocol.Stats
}

// Navigator leaves the page when the server asks for a redirect.
type Navigator interface {
	Navigate(url string)
}

// TotalsView shows the index totals.
type TotalsView interface {
	SetTotals(files int, human string)
}

// URLHydrator is optionally implemented by a Renderer to receive known share
// URLs once per render batch.
type URLHydrator interface {
	HydrateURLs(urls map[string]string)
}

// Options tunes the manager. Zero values take defaults.
type Options struct {
	PageSize             int
	ActionToastTTL       time.Duration
	SearchToastTTL       time.Duration
	SearchSuppressWindow time.Duration
	StatsPollInterval    time.Duration
	WatchSSE             bool
	RenderBatchDelay     time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.StatsPollInterval <= 0 {
		o.StatsPollInterval = 15 * time.Second
	}
	if o.RenderBatchDelay <= 0 {
		o.RenderBatchDelay = 16 * time.Millisecond
	}
	return o
}

// Deps are the collaborators of a Manager. Only API is required.
type Deps struct {
	API       API
	Renderer  listseq.Renderer
	Presenter notify.Presenter
	Modals    hardlock.ModalHost
	Navigator Navigator
	Totals    TotalsView
	Stream    StatsSource
	Clock     notify.Clock
	// Rendered returns name -> URL as currently displayed.
	Rendered func() map[string]string
	// OnSearchClick scrolls to the results when a search notification is clicked.
	OnSearchClick func()
}

// Manager is the file manager's coordination core.
type Manager struct {
	api   API
	deps  Deps
	opts  Options
	clock notify.Clock

	busy   *busy.Coordinator
	runner *oprun.Runner
	seq    *listseq.Sequencer
	lock   *hardlock.Machine
	notes  *notify.Arbiter
	events *events.Broadcaster

	mu           sync.Mutex
	query        models.Query
	dialogs      map[string]struct{}
	stats        *protocol.Stats
	batchPending bool
	redirected   bool
}

// New wires a Manager.
func New(deps Deps, opts Options) (*Manager, error) {
	if deps.API == nil {
		return nil, errors.New("filemgr: API is required")
	}
	opts = opts.withDefaults()
	if deps.Clock == nil {
		deps.Clock = notify.SystemClock()
	}

	m := &Manager{
		api:     deps.API,
		deps:    deps,
		opts:    opts,
		clock:   deps.Clock,
		runner:  oprun.New(),
		events:  events.NewBroadcaster(),
		dialogs: make(map[string]struct{}),
	}

	var host hardlock.ModalHost
	if deps.Modals != nil {
		host = &modalHost{m: m, host: deps.Modals}
	}
	m.lock = hardlock.New(host)

	m.busy = busy.New(busy.Config{
		HardLocked: m.lock.IsHard,
		Overlay:    m.overlayActive,
		OnChange: func(st busy.State) {
			m.events.Publish(events.Event{Type: events.EventPolicy, Busy: st.Busy, Locked: st.Locked, Overlay: st.Overlay})
		},
	})

	m.notes = notify.New(notify.Config{
		Presenter:      &presenter{m: m, next: deps.Presenter},
		Clock:          deps.Clock,
		ActionTTL:      opts.ActionToastTTL,
		SearchTTL:      opts.SearchToastTTL,
		SuppressWindow: opts.SearchSuppressWindow,
		OnSearchClick:  deps.OnSearchClick,
	})

	var rend listseq.Renderer
	if deps.Renderer != nil {
		rend = &renderer{m: m, next: deps.Renderer}
	}
	m.seq = listseq.New(listseq.Config{
		Lister:    deps.API,
		Renderer:  rend,
		Query:     m.Query,
		Locked:    m.lock.IsHard,
		PageSize:  opts.PageSize,
		Rendered:  deps.Rendered,
		OnFailure: func(err error) { m.report("list", err) },
		OnResult:  m.onListResult,
	})

	m.lock.Subscribe(func(st hardlock.State) {
		m.busy.Reapply()
		m.events.Publish(events.Event{
			Type:   events.EventLock,
			Locked: st.Active,
			Reason: string(st.Reason),
			Source: string(st.Source),
		})
	})

	return m, nil
}

// Busy returns the busy coordinator, for registering controls.
func (m *Manager) Busy() *busy.Coordinator { return m.busy }

// Lock returns the hard-lock state machine.
func (m *Manager) Lock() *hardlock.Machine { return m.lock }

// Notifications returns the notification arbiter.
func (m *Manager) Notifications() *notify.Arbiter { return m.notes }

// List returns the list sequencer.
func (m *Manager) List() *listseq.Sequencer { return m.seq }

// Runner returns the operation runner.
func (m *Manager) Runner() *oprun.Runner { return m.runner }

// Events returns the change broadcaster.
func (m *Manager) Events() *events.Broadcaster { return m.events }

// Query returns the current search inputs.
func (m *Manager) Query() models.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.query
}

// SetQuery replaces the search inputs without issuing a request.
func (m *Manager) SetQuery(q models.Query) {
	m.mu.Lock()
	m.query = q
	m.mu.Unlock()
}

// Redirected reports whether the server sent the user away; all feedback
// stops once it is set.
func (m *Manager) Redirected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redirected
}

// CanRun is the single guard predicate for user operations.
func (m *Manager) CanRun(op string) error {
	st := m.busy.State()
	switch {
	case st.Locked:
		return &BlockedError{Op: op, Reason: BlockedLocked}
	case st.Busy:
		return &BlockedError{Op: op, Reason: BlockedBusy}
	case st.Overlay:
		return &BlockedError{Op: op, Reason: BlockedOverlay}
	}
	return nil
}

// canResolveLock guards the lock-resolution entry, which only needs the UI idle.
func (m *Manager) canResolveLock(op string) error {
	if m.busy.IsBusy() {
		return &BlockedError{Op: op, Reason: BlockedBusy}
	}
	return nil
}

func (m *Manager) onListResult(page models.Page, q models.Query, appended bool) {
	m.events.Publish(events.Event{Type: events.EventList, Shown: len(page.Items), Total: page.Total})
	if m.Redirected() {
		return
	}
	m.notes.ShowSearchResult(len(page.Items), page.Total, q.Key(), notify.SearchOptions{Append: appended})
}

