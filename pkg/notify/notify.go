// Package notify arbitrates between action and search notifications.
//
// Action notifications report the outcome of a user-initiated operation and
// always display. Search notifications announce background list counts and
// are withheld for a short window after an action unless the user has issued
// a newer query since. Each class shows at most one notification at a time.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/internal/metrics"
)

// Kind is the severity of an action notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// Action is an action notification as handed to the Presenter.
type Action struct {
	ID    uint64
	Kind  Kind
	Title string
	Body  string
	// Sticky notifications never auto-expire.
	Sticky bool
	// Dismissible=false hides the close affordance but keeps its space.
	Dismissible bool
}

// Search is a search notification as handed to the Presenter.
type Search struct {
	ID     uint64
	Shown  int
	Total  int
	Key    string
	Append bool
}

// Text renders the default message for a search notification.
func (s Search) Text() string {
	if s.Append {
		return fmt.Sprintf("Showing %d of %d", s.Shown, s.Total)
	}
	if s.Total == 1 {
		return "1 match"
	}
	return fmt.Sprintf("%d matches", s.Total)
}

// Presenter draws notifications. Show replaces whatever the class shows.
type Presenter interface {
	ShowAction(n Action)
	HideAction(id uint64)
	ShowSearch(n Search)
	HideSearch(id uint64)
}

// ActionOptions controls presentation of an action notification.
type ActionOptions struct {
	Sticky      bool
	Dismissible bool
}

// SearchOptions controls presentation of a search notification.
type SearchOptions struct {
	Append bool
}

// Config configures an Arbiter.
type Config struct {
	Presenter Presenter
	// Clock defaults to SystemClock.
	Clock Clock
	// ActionTTL is how long a non-sticky action notification stays up.
	ActionTTL time.Duration
	// SearchTTL is how long an append-mode search notification stays up.
	SearchTTL time.Duration
	// SuppressWindow withholds search notifications after an action.
	SuppressWindow time.Duration
	// OnSearchClick runs when the user clicks a search notification.
	OnSearchClick func()
}

// Arbiter is safe for concurrent use. Presenter calls are made outside its lock.
type Arbiter struct {
	cfg Config

	mu sync.Mutex
	id uint64

	// seq orders recordAction/recordUserQuery independent of clock resolution.
	seq           uint64
	lastActionSeq uint64
	lastQuerySeq  uint64
	lastActionAt  time.Time

	action      uint64
	actionTimer Timer
	search      uint64
	searchTimer Timer
	searchKey   string
}

// New creates an Arbiter, filling defaults for zero durations.
func New(cfg Config) *Arbiter {
	if cfg.Presenter == nil {
		cfg.Presenter = nopPresenter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.ActionTTL <= 0 {
		cfg.ActionTTL = 4 * time.Second
	}
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = 3 * time.Second
	}
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = 1500 * time.Millisecond
	}
	return &Arbiter{cfg: cfg}
}

// RecordAction hides any visible search notification and opens the
// suppression window.
func (a *Arbiter) RecordAction() {
	a.mu.Lock()
	a.seq++
	a.lastActionSeq = a.seq
	a.lastActionAt = a.cfg.Clock.Now()
	a.searchKey = ""
	hide := a.takeSearchLocked()
	a.mu.Unlock()

	if hide != 0 {
		a.cfg.Presenter.HideSearch(hide)
	}
}

// RecordUserQuery marks that the user issued a query, which lets search
// notifications through even inside the suppression window.
func (a *Arbiter) RecordUserQuery() {
	a.mu.Lock()
	a.seq++
	a.lastQuerySeq = a.seq
	a.mu.Unlock()
}

// ShowAction replaces the current action notification and returns its id.
func (a *Arbiter) ShowAction(kind Kind, title, body string, opts ActionOptions) uint64 {
	a.mu.Lock()
	a.id++
	n := Action{
		ID:          a.id,
		Kind:        kind,
		Title:       title,
		Body:        body,
		Sticky:      opts.Sticky,
		Dismissible: opts.Dismissible,
	}
	if a.actionTimer != nil {
		a.actionTimer.Stop()
		a.actionTimer = nil
	}
	a.action = n.ID
	if !n.Sticky {
		id := n.ID
		a.actionTimer = a.cfg.Clock.AfterFunc(a.cfg.ActionTTL, func() { a.DismissAction(id) })
	}
	a.mu.Unlock()

	logging.Debug("action notification",
		logging.String("kind", string(kind)), logging.String("title", title), logging.Bool("sticky", opts.Sticky))
	metrics.RecordNotification("action", "shown")
	a.cfg.Presenter.ShowAction(n)
	return n.ID
}

// DismissAction hides the action notification id if it is still current.
func (a *Arbiter) DismissAction(id uint64) {
	a.mu.Lock()
	if a.action != id || id == 0 {
		a.mu.Unlock()
		return
	}
	a.action = 0
	if a.actionTimer != nil {
		a.actionTimer.Stop()
		a.actionTimer = nil
	}
	a.mu.Unlock()

	a.cfg.Presenter.HideAction(id)
}

// CurrentAction returns the id of the visible action notification, or 0.
func (a *Arbiter) CurrentAction() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.action
}

// ShowSearchResult announces a list result. It returns false when the
// notification was suppressed or deduplicated.
func (a *Arbiter) ShowSearchResult(shown, total int, key string, opts SearchOptions) bool {
	a.mu.Lock()
	if !a.searchAllowedLocked() {
		a.mu.Unlock()
		logging.Debug("search notification suppressed", logging.String("key", key))
		metrics.RecordNotification("search", "suppressed")
		return false
	}

	dedupe := fmt.Sprintf("%s#%d/%d", key, shown, total)
	if !opts.Append && dedupe == a.searchKey {
		a.mu.Unlock()
		metrics.RecordNotification("search", "deduped")
		return false
	}

	if a.searchTimer != nil {
		a.searchTimer.Stop()
		a.searchTimer = nil
	}
	a.id++
	n := Search{ID: a.id, Shown: shown, Total: total, Key: key, Append: opts.Append}
	a.search = n.ID
	if opts.Append {
		id := n.ID
		a.searchTimer = a.cfg.Clock.AfterFunc(a.cfg.SearchTTL, func() { a.DismissSearch(id) })
	} else {
		a.searchKey = dedupe
	}
	a.mu.Unlock()

	metrics.RecordNotification("search", "shown")
	a.cfg.Presenter.ShowSearch(n)
	return true
}

func (a *Arbiter) searchAllowedLocked() bool {
	if a.lastActionSeq == 0 || a.lastQuerySeq > a.lastActionSeq {
		return true
	}
	return a.cfg.Clock.Now().Sub(a.lastActionAt) >= a.cfg.SuppressWindow
}

// DismissSearch hides the search notification id if it is still current.
func (a *Arbiter) DismissSearch(id uint64) {
	a.mu.Lock()
	if a.search != id || id == 0 {
		a.mu.Unlock()
		return
	}
	hide := a.takeSearchLocked()
	a.mu.Unlock()

	a.cfg.Presenter.HideSearch(hide)
}

// ClickSearch dismisses the search notification and scrolls to the results.
func (a *Arbiter) ClickSearch(id uint64) {
	a.mu.Lock()
	current := a.search == id && id != 0
	a.mu.Unlock()
	if !current {
		return
	}
	a.DismissSearch(id)
	if a.cfg.OnSearchClick != nil {
		a.cfg.OnSearchClick()
	}
}

// CurrentSearch returns the id of the visible search notification, or 0.
func (a *Arbiter) CurrentSearch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.search
}

func (a *Arbiter) takeSearchLocked() uint64 {
	id := a.search
	a.search = 0
	if a.searchTimer != nil {
		a.searchTimer.Stop()
		a.searchTimer = nil
	}
	return id
}

type nopPresenter struct{}

func (nopPresenter) ShowAction(Action) {}
func (nopPresenter) HideAction(uint64) {}
func (nopPresenter) ShowSearch(Search) {}
func (nopPresenter) HideSearch(uint64) {}
