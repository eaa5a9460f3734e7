package filemgr

import (
	"github.com/svetliomitev/miniclouds-sub000/internal/events"
	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/pkg/hardlock"
	"github.com/svetliomitev/miniclouds-sub000/pkg/listseq"
	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
	"github.com/svetliomitev/miniclouds-sub000/pkg/notify"
)

// OpenDialog presents a blocking dialog. Open dialogs disable ordinary
// controls. The lock modal cannot be covered.
func (m *Manager) OpenDialog(id string) bool {
	if m.lock.ModalShown() {
		logging.Debug("dialog refused while lock modal is shown", logging.String("dialog", id))
		return false
	}
	m.mu.Lock()
	m.dialogs[id] = struct{}{}
	m.mu.Unlock()

	if m.deps.Modals != nil {
		m.deps.Modals.Show(id)
	}
	m.busy.Reapply()
	return true
}

// CloseDialog hides a dialog opened with OpenDialog.
func (m *Manager) CloseDialog(id string) {
	m.mu.Lock()
	_, open := m.dialogs[id]
	delete(m.dialogs, id)
	m.mu.Unlock()
	if !open {
		return
	}

	if m.deps.Modals != nil {
		m.deps.Modals.Hide(id)
	}
	m.busy.Reapply()
}

func (m *Manager) overlayActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dialogs) > 0
}

// AfterRender schedules one batched pass of policy re-application, URL
// hydration and totals sync. Calls before the pass runs are coalesced.
func (m *Manager) AfterRender() {
	m.mu.Lock()
	if m.batchPending {
		m.mu.Unlock()
		return
	}
	m.batchPending = true
	m.mu.Unlock()

	m.clock.AfterFunc(m.opts.RenderBatchDelay, m.flushRender)
}

func (m *Manager) flushRender() {
	m.mu.Lock()
	m.batchPending = false
	stats := m.stats
	m.mu.Unlock()

	m.busy.Reapply()

	if h, ok := m.deps.Renderer.(URLHydrator); ok {
		if urls := m.seq.Page().SharedURLs(); len(urls) > 0 {
			h.HydrateURLs(urls)
		}
	}
	if m.deps.Totals != nil && stats != nil {
		m.deps.Totals.SetTotals(stats.TotalFiles, stats.HumanTotal())
	}
}

// renderer forwards to the host renderer and schedules the post-render pass.
type renderer struct {
	m    *Manager
	next listseq.Renderer
}

func (r *renderer) Render(items []models.FileEntry, total int, terms []string, hasMore bool) {
	r.next.Render(items, total, terms, hasMore)
	r.m.AfterRender()
}

// presenter publishes notifications as events before forwarding them.
type presenter struct {
	m    *Manager
	next notify.Presenter
}

func (p *presenter) ShowAction(n notify.Action) {
	p.m.events.Publish(events.Event{Type: events.EventAction, Kind: string(n.Kind), Title: n.Title, Message: n.Body})
	if p.next != nil {
		p.next.ShowAction(n)
	}
}

func (p *presenter) HideAction(id uint64) {
	if p.next != nil {
		p.next.HideAction(id)
	}
}

func (p *presenter) ShowSearch(n notify.Search) {
	p.m.events.Publish(events.Event{Type: events.EventSearch, Shown: n.Shown, Total: n.Total, Message: n.Text()})
	if p.next != nil {
		p.next.ShowSearch(n)
	}
}

func (p *presenter) HideSearch(id uint64) {
	if p.next != nil {
		p.next.HideSearch(id)
	}
}

// modalHost keeps the dialog set in step when the lock modal preempts
// other dialogs.
type modalHost struct {
	m    *Manager
	host hardlock.ModalHost
}

func (h *modalHost) Show(id string) { h.host.Show(id) }
func (h *modalHost) Hide(id string) { h.host.Hide(id) }

func (h *modalHost) PreemptOthers(except string) {
	h.m.mu.Lock()
	for id := range h.m.dialogs {
		if id != except {
			delete(h.m.dialogs, id)
		}
	}
	h.m.mu.Unlock()
	h.host.PreemptOthers(except)
	h.m.busy.Reapply()
}
