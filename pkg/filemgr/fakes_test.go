package filemgr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
	"github.com/svetliomitev/miniclouds-sub000/pkg/notify"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
)

// fakeAPI is an in-memory file server. hook runs at the start of every call
// and may block or fail it.
type fakeAPI struct {
	mu      sync.Mutex
	files   []protocol.File
	stats   protocol.Stats
	calls   map[string]int
	respond map[string]*protocol.ActionResponse
	hook    func(ctx context.Context, op string) error
}

func newFakeAPI(n int) *fakeAPI {
	f := &fakeAPI{calls: make(map[string]int), respond: make(map[string]*protocol.ActionResponse)}
	for i := 0; i < n; i++ {
		f.files = append(f.files, protocol.File{Name: fmt.Sprintf("f-%02d", i), Size: int64(100 * i)})
	}
	f.stats = protocol.Stats{TotalFiles: n, TotalHuman: "1 kB"}
	return f
}

func (f *fakeAPI) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	h := f.hook
	f.mu.Unlock()
	if h != nil {
		return h(ctx, op)
	}
	return nil
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) setHook(h func(ctx context.Context, op string) error) {
	f.mu.Lock()
	f.hook = h
	f.mu.Unlock()
}

func (f *fakeAPI) setResponse(op string, resp *protocol.ActionResponse) {
	f.mu.Lock()
	f.respond[op] = resp
	f.mu.Unlock()
}

func (f *fakeAPI) override(op string) *protocol.ActionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.respond[op]
}

func (f *fakeAPI) ListFiles(ctx context.Context, q protocol.ListQuery) (*protocol.ListResponse, error) {
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var match []protocol.File
	for _, file := range f.files {
		if strings.Contains(file.Name, strings.TrimSpace(q.Query.Text)) {
			// The list endpoint never echoes share URLs.
			file.URL = ""
			match = append(match, file)
		}
	}
	end := q.Offset + q.Limit
	if end > len(match) {
		end = len(match)
	}
	var page []protocol.File
	if q.Offset < len(match) {
		page = append(page, match[q.Offset:end]...)
	}
	return &protocol.ListResponse{OK: true, Files: page, Total: len(match), Offset: q.Offset, HasMore: protocol.Flag(end < len(match))}, nil
}

func (f *fakeAPI) Stats(ctx context.Context) (*protocol.Stats, error) {
	if err := f.enter(ctx, "stats"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats
	return &st, nil
}

func (f *fakeAPI) Delete(ctx context.Context, name string) (*protocol.ActionResponse, error) {
	if err := f.enter(ctx, "delete"); err != nil {
		return nil, err
	}
	if r := f.override("delete"); r != nil {
		return r, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, file := range f.files {
		if file.Name == name {
			f.files = append(f.files[:i], f.files[i+1:]...)
			return &protocol.ActionResponse{OK: []string{"Deleted " + name}}, nil
		}
	}
	return &protocol.ActionResponse{Err: []string{"No such file: " + name}}, nil
}

func (f *fakeAPI) SetShared(ctx context.Context, name string, shared bool) (*protocol.ActionResponse, error) {
	if err := f.enter(ctx, "share"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.files {
		if f.files[i].Name == name {
			f.files[i].Shared = protocol.Flag(shared)
			resp := &protocol.ActionResponse{OK: []string{"ok"}}
			if shared {
				resp.URL = "https://s/" + name
			}
			return resp, nil
		}
	}
	return &protocol.ActionResponse{Err: []string{"No such file: " + name}}, nil
}

func (f *fakeAPI) DeleteAll(ctx context.Context) (*protocol.ActionResponse, error) {
	if err := f.enter(ctx, "delete_all"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = nil
	return &protocol.ActionResponse{OK: []string{"Deleted everything"}}, nil
}

func (f *fakeAPI) CheckIndex(ctx context.Context) (*protocol.ActionResponse, error) {
	if err := f.enter(ctx, "check_index"); err != nil {
		return nil, err
	}
	if r := f.override("check_index"); r != nil {
		return r, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats
	return &protocol.ActionResponse{OK: []string{"Index OK"}, Stats: &st}, nil
}

func (f *fakeAPI) RebuildIndex(ctx context.Context) (*protocol.ActionResponse, error) {
	if err := f.enter(ctx, "rebuild_index"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.IndexBlocked = false
	f.stats.IndexMissing = false
	st := f.stats
	return &protocol.ActionResponse{OK: []string{"Index rebuilt"}, Stats: &st}, nil
}

// gate blocks op until released and signals when the first call arrives.
type gate struct {
	op      string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(op string) *gate {
	return &gate{op: op, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hook(ctx context.Context, op string) error {
	if op != g.op {
		return nil
	}
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return nil
	}
	close(g.started)
	<-g.release
	return nil
}

func (g *gate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never started", g.op)
	}
}

type fakeRenderer struct {
	mu       sync.Mutex
	renders  int
	items    []models.FileEntry
	hydrated []map[string]string
}

func (r *fakeRenderer) Render(items []models.FileEntry, total int, terms []string, hasMore bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders++
	r.items = append([]models.FileEntry(nil), items...)
}

func (r *fakeRenderer) HydrateURLs(urls map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hydrated = append(r.hydrated, urls)
}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders
}

type fakePresenter struct {
	mu      sync.Mutex
	actions []notify.Action
	search  []notify.Search
}

func (p *fakePresenter) ShowAction(n notify.Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, n)
}

func (p *fakePresenter) HideAction(uint64) {}

func (p *fakePresenter) ShowSearch(n notify.Search) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.search = append(p.search, n)
}

func (p *fakePresenter) HideSearch(uint64) {}

func (p *fakePresenter) lastAction() (notify.Action, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.actions) == 0 {
		return notify.Action{}, false
	}
	return p.actions[len(p.actions)-1], true
}

func (p *fakePresenter) counts() (actions, searches int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actions), len(p.search)
}

type fakeModals struct {
	mu       sync.Mutex
	open     map[string]bool
	shows    map[string]int
	preempts int
}

func newFakeModals() *fakeModals {
	return &fakeModals{open: make(map[string]bool), shows: make(map[string]int)}
}

func (h *fakeModals) Show(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open[id] = true
	h.shows[id]++
}

func (h *fakeModals) Hide(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.open, id)
}

func (h *fakeModals) PreemptOthers(except string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preempts++
	for id := range h.open {
		if id != except {
			delete(h.open, id)
		}
	}
}

func (h *fakeModals) isOpen(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open[id]
}

func (h *fakeModals) showCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shows[id]
}

type fakeNavigator struct {
	mu   sync.Mutex
	urls []string
}

func (n *fakeNavigator) Navigate(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
}

type fakeTotals struct {
	mu    sync.Mutex
	calls int
	files int
	human string
}

func (v *fakeTotals) SetTotals(files int, human string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.files, v.human = files, human
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) notify.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type harness struct {
	m      *Manager
	api    *fakeAPI
	rend   *fakeRenderer
	pres   *fakePresenter
	modals *fakeModals
	nav    *fakeNavigator
	totals *fakeTotals
	clock  *fakeClock
}

func newHarness(t *testing.T, files int) *harness {
	t.Helper()
	h := &harness{
		api:    newFakeAPI(files),
		rend:   &fakeRenderer{},
		pres:   &fakePresenter{},
		modals: newFakeModals(),
		nav:    &fakeNavigator{},
		totals: &fakeTotals{},
		clock:  newFakeClock(),
	}
	m, err := New(Deps{
		API:       h.api,
		Renderer:  h.rend,
		Presenter: h.pres,
		Modals:    h.modals,
		Navigator: h.nav,
		Totals:    h.totals,
		Clock:     h.clock,
	}, Options{PageSize: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}
