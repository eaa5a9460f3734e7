// Package listseq issues paginated list queries and decides which responses
// may touch the visible list.
//
// Every interactive fetch cancels the previous one and allocates a new
// generation; a response is applied only if its generation is still current
// when it completes. The refill loop allocates one generation for all of its
// steps so they never cancel each other, while an interactive query started
// meanwhile still supersedes the whole loop.
package listseq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/internal/metrics"
	"github.com/svetliomitev/miniclouds-sub000/pkg/client"
	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
)

var (
	// ErrIgnored is returned for a superseded or cancelled fetch. It is not
	// a failure and is never reported to the user.
	ErrIgnored = errors.New("list response ignored")

	// ErrLocked is returned by RunQuery while the hard lock is active.
	ErrLocked = errors.New("list is locked")
)

// Lister performs the list request.
type Lister interface {
	ListFiles(ctx context.Context, q protocol.ListQuery) (*protocol.ListResponse, error)
}

// Renderer draws the visible list. Calls are serialized in commit order.
type Renderer interface {
	Render(items []models.FileEntry, total int, terms []string, hasMore bool)
}

// Config wires a Sequencer.
type Config struct {
	Lister   Lister
	Renderer Renderer
	// Query snapshots the current search inputs.
	Query func() models.Query
	// Locked reports the hard lock; RunQuery refuses to run while it is true.
	Locked func() bool
	// PageSize is the fixed request limit.
	PageSize int
	// Rendered returns name -> URL as currently shown, the last back-fill source.
	Rendered func() map[string]string
	// OnFailure reports a genuine failure once.
	OnFailure func(err error)
	// OnResult runs after an interactive query or refill is applied.
	OnResult func(page models.Page, query models.Query, appended bool)
}

// FetchRequest describes one page request.
type FetchRequest struct {
	Offset int
	// Preserve supplies share URLs that take priority when back-filling.
	Preserve map[string]string
	// NoAbort neither cancels the outstanding fetch nor allocates a new
	// generation; the response is still checked against the current one.
	NoAbort bool
}

// Sequencer owns the accumulated list state.
type Sequencer struct {
	cfg Config

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	page   models.Page
	query  models.Query
	urls   map[string]string

	renderMu sync.Mutex
}

// New creates a sequencer with an empty page.
func New(cfg Config) *Sequencer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.Query == nil {
		cfg.Query = func() models.Query { return models.Query{} }
	}
	return &Sequencer{
		cfg:  cfg,
		page: models.Page{Limit: cfg.PageSize},
		urls: make(map[string]string),
	}
}

// Generation returns the current generation.
func (s *Sequencer) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Page returns a copy of the accumulated list state.
func (s *Sequencer) Page() models.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page.Clone()
}

// Query returns the query the current page was built from.
func (s *Sequencer) Query() models.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

// begin cancels the outstanding fetch and allocates a new generation.
func (s *Sequencer) begin(ctx context.Context) (context.Context, uint64, func()) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	logging.Debug("list generation", logging.Uint64("gen", gen))
	return cctx, gen, func() {
		cancel()
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
	}
}

func (s *Sequencer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// Fetch requests one page. The result is not applied to the list; callers
// get ErrIgnored when a newer fetch superseded this one.
func (s *Sequencer) Fetch(ctx context.Context, req FetchRequest) (*models.Page, error) {
	q := s.cfg.Query()
	if req.NoAbort {
		return s.fetch(ctx, s.Generation(), q, req)
	}
	cctx, gen, done := s.begin(ctx)
	defer done()
	return s.fetch(cctx, gen, q, req)
}

func (s *Sequencer) fetch(ctx context.Context, gen uint64, q models.Query, req FetchRequest) (*models.Page, error) {
	lq := protocol.ListQuery{Query: q, Offset: req.Offset, Limit: s.cfg.PageSize}
	start := time.Now()
	resp, err := s.cfg.Lister.ListFiles(ctx, lq)
	elapsed := time.Since(start)

	if err != nil {
		if client.IsCancelled(err) || !s.current(gen) {
			metrics.RecordListFetch("ignored", elapsed)
			logging.Debug("list fetch ignored", logging.Uint64("gen", gen), logging.Err(err))
			return nil, ErrIgnored
		}
		metrics.RecordListFetch("failed", elapsed)
		return nil, fmt.Errorf("list %s: %w", lq, err)
	}
	if !s.current(gen) {
		metrics.RecordListFetch("ignored", elapsed)
		logging.Debug("stale list response dropped", logging.Uint64("gen", gen))
		return nil, ErrIgnored
	}
	metrics.RecordListFetch("applied", elapsed)

	page := &models.Page{
		Offset:  resp.Offset,
		Limit:   s.cfg.PageSize,
		Total:   resp.Total,
		HasMore: bool(resp.HasMore),
		Items:   resp.Entries(),
	}
	s.backfill(page.Items, req.Preserve)
	return page, nil
}

// backfill restores share URLs the server omitted: explicit map first, then
// the previous list state and remembered URLs, then what is rendered.
func (s *Sequencer) backfill(items []models.FileEntry, preserve map[string]string) {
	var rendered map[string]string
	for i := range items {
		e := &items[i]
		if !e.Shared || e.SharedURL != "" {
			continue
		}
		if u := preserve[e.Name]; u != "" {
			e.SharedURL = u
			continue
		}
		if u := s.knownURL(e.Name); u != "" {
			e.SharedURL = u
			continue
		}
		if rendered == nil && s.cfg.Rendered != nil {
			rendered = s.cfg.Rendered()
		}
		if u := rendered[e.Name]; u != "" {
			e.SharedURL = u
		}
	}
}

func (s *Sequencer) knownURL(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.page.Index(name); i >= 0 {
		if u := s.page.Items[i].URL(); u != "" {
			return u
		}
	}
	return s.urls[name]
}

// commit applies page if gen is still current and renders it. Renders are
// issued in commit order.
func (s *Sequencer) commit(gen uint64, q models.Query, page models.Page) (models.Page, bool) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return models.Page{}, false
	}
	s.page = page
	s.query = q
	out := page.Clone()
	s.renderMu.Lock()
	s.mu.Unlock()

	if s.cfg.Renderer != nil {
		s.cfg.Renderer.Render(out.Items, out.Total, q.Terms(), out.HasMore)
	}
	s.renderMu.Unlock()
	return out, true
}

// RunQuery fetches from offset 0 when reset is set, otherwise appends the
// next page. It returns ErrLocked while hard-locked unless override is set.
func (s *Sequencer) RunQuery(ctx context.Context, reset, override bool) (*models.Page, error) {
	if !override && s.cfg.Locked != nil && s.cfg.Locked() {
		logging.Debug("list query refused while locked")
		return nil, ErrLocked
	}

	q := s.cfg.Query()
	offset := 0
	var prev models.Page
	if !reset {
		s.mu.Lock()
		prev = s.page.Clone()
		q = s.query
		s.mu.Unlock()
		if !prev.HasMore {
			return &prev, nil
		}
		offset = len(prev.Items)
	}

	cctx, gen, done := s.begin(ctx)
	defer done()

	page, err := s.fetch(cctx, gen, q, FetchRequest{Offset: offset})
	if err != nil {
		return nil, s.fail(err)
	}

	next := *page
	if !reset {
		next = appendPage(prev, *page)
	}
	out, ok := s.commit(gen, q, next)
	if !ok {
		return nil, ErrIgnored
	}
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(out, q, !reset)
	}
	return &out, nil
}

// RefreshToDesiredCount reloads the list from the start until at least
// desired rows are loaded, the server total is reached or no pages remain.
// Its steps share one generation and render once at the end. desired <= 0
// loads a single page.
func (s *Sequencer) RefreshToDesiredCount(ctx context.Context, desired int) (*models.Page, error) {
	s.mu.Lock()
	preserve := s.page.SharedURLs()
	for name, u := range s.urls {
		if _, ok := preserve[name]; !ok {
			preserve[name] = u
		}
	}
	s.mu.Unlock()

	q := s.cfg.Query()
	cctx, gen, done := s.begin(ctx)
	defer done()

	var acc models.Page
	seen := make(map[string]struct{})
	for {
		metrics.RecordRefillStep()
		step, err := s.fetch(cctx, gen, q, FetchRequest{Offset: len(acc.Items), Preserve: preserve, NoAbort: true})
		if err != nil {
			return nil, s.fail(err)
		}

		added := 0
		for _, e := range step.Items {
			if _, dup := seen[e.Name]; dup {
				continue
			}
			seen[e.Name] = struct{}{}
			acc.Items = append(acc.Items, e)
			added++
		}
		acc.Total = step.Total
		acc.HasMore = step.HasMore

		if desired <= 0 || len(acc.Items) >= desired || len(acc.Items) >= acc.Total || !step.HasMore || added == 0 {
			break
		}
	}

	if desired > 0 && len(acc.Items) > desired {
		acc.Items = acc.Items[:desired]
	}
	acc.Limit = s.cfg.PageSize
	acc.HasMore = len(acc.Items) < acc.Total

	logging.Debug("refill complete",
		logging.Int("desired", desired), logging.Int("loaded", len(acc.Items)), logging.Int("total", acc.Total))

	out, ok := s.commit(gen, q, acc)
	if !ok {
		return nil, ErrIgnored
	}
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(out, q, false)
	}
	return &out, nil
}

// fail reports a genuine failure once and passes ErrIgnored through silently.
func (s *Sequencer) fail(err error) error {
	if errors.Is(err, ErrIgnored) {
		return err
	}
	logging.Warn("list fetch failed", logging.Err(err))
	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(err)
	}
	return err
}

// PatchEntry edits one entry in place and re-renders without a refetch.
// It returns false when name is not loaded.
func (s *Sequencer) PatchEntry(name string, fn func(*models.FileEntry)) bool {
	return s.mutate(func(p *models.Page) bool {
		i := p.Index(name)
		if i < 0 {
			return false
		}
		fn(&p.Items[i])
		if u := p.Items[i].URL(); u != "" {
			s.urls[name] = u
		}
		return true
	})
}

// RemoveEntry drops name from the list and decrements the total.
func (s *Sequencer) RemoveEntry(name string) bool {
	return s.mutate(func(p *models.Page) bool {
		i := p.Index(name)
		if i < 0 {
			return false
		}
		p.Items = append(p.Items[:i], p.Items[i+1:]...)
		if p.Total > 0 {
			p.Total--
		}
		return true
	})
}

// Clear empties the list, e.g. after every file was deleted.
func (s *Sequencer) Clear() {
	s.mutate(func(p *models.Page) bool {
		*p = models.Page{Limit: p.Limit}
		return true
	})
}

// mutate runs fn under the lock and renders the result if fn reports a change.
func (s *Sequencer) mutate(fn func(p *models.Page) bool) bool {
	s.mu.Lock()
	if !fn(&s.page) {
		s.mu.Unlock()
		return false
	}
	out := s.page.Clone()
	q := s.query
	s.renderMu.Lock()
	s.mu.Unlock()

	if s.cfg.Renderer != nil {
		s.cfg.Renderer.Render(out.Items, out.Total, q.Terms(), out.HasMore)
	}
	s.renderMu.Unlock()
	return true
}

// RememberURL records a share URL obtained out of band so later fetches
// can back-fill it, and patches the loaded entry if it is shared.
func (s *Sequencer) RememberURL(name, url string) {
	if url == "" {
		return
	}
	s.mu.Lock()
	s.urls[name] = url
	s.mu.Unlock()

	s.PatchEntry(name, func(e *models.FileEntry) {
		if e.Shared {
			e.SharedURL = url
		}
	})
}

// ForgetURL drops a remembered URL, e.g. after unsharing.
func (s *Sequencer) ForgetURL(name string) {
	s.mu.Lock()
	delete(s.urls, name)
	s.mu.Unlock()
}

// Cancel aborts the outstanding fetch and invalidates its generation.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.mu.Unlock()
}

func appendPage(prev, next models.Page) models.Page {
	out := prev
	seen := make(map[string]struct{}, len(prev.Items))
	for _, e := range prev.Items {
		seen[e.Name] = struct{}{}
	}
	for _, e := range next.Items {
		if _, dup := seen[e.Name]; dup {
			continue
		}
		out.Items = append(out.Items, e)
	}
	out.Offset = next.Offset
	out.Total = next.Total
	out.HasMore = next.HasMore
	return out
}
