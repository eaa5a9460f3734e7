package filemgr

import (
	"context"
	"errors"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/pkg/hardlock"
	"github.com/svetliomitev/miniclouds-sub000/pkg/listseq"
	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
	"github.com/svetliomitev/miniclouds-sub000/pkg/notify"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
)

// Boot starts a fresh session: stale busy state is dropped, the lock is
// synced from the server and the first page is loaded unless locked.
func (m *Manager) Boot(ctx context.Context) bool {
	m.busy.ResetAll()
	release := m.busy.Hold("boot")
	defer release()

	st, err := m.api.Stats(ctx)
	if err != nil {
		m.report("boot", err)
	} else {
		m.applyStats(*st, hardlock.SourceBoot, "boot")
	}
	if m.lock.IsHard() {
		logging.Info("boot: list not loaded while index is locked",
			logging.String("reason", string(m.lock.Reason())))
		return false
	}

	_, err = m.seq.RunQuery(ctx, true, false)
	return err == nil
}

// Search replaces the query and loads its first page. A newer search
// supersedes one still in flight.
func (m *Manager) Search(ctx context.Context, q models.Query) bool {
	if err := m.CanRun("search"); err != nil {
		m.report("search", err)
		return false
	}
	m.SetQuery(q)
	m.notes.RecordUserQuery()

	_, err := m.seq.RunQuery(ctx, true, false)
	if errors.Is(err, listseq.ErrLocked) {
		m.report("search", err)
	}
	return err == nil
}

// ShowMore appends the next page of the current query.
func (m *Manager) ShowMore(ctx context.Context) bool {
	if err := m.CanRun("show_more"); err != nil {
		m.report("show_more", err)
		return false
	}
	m.notes.RecordUserQuery()

	_, err := m.seq.RunQuery(ctx, false, false)
	if errors.Is(err, listseq.ErrLocked) {
		m.report("show_more", err)
	}
	return err == nil
}

// DeleteFile deletes one file and refills the list to its previous length.
// A second delete of the same file while the first is in flight is dropped.
func (m *Manager) DeleteFile(ctx context.Context, name string) bool {
	var ok bool
	_, err := m.runner.Key(ctx, name, func(ctx context.Context) error {
		if err := m.CanRun("delete"); err != nil {
			return err
		}
		m.busy.SetRow(name, true)
		defer m.busy.SetRow(name, false)

		desired := len(m.seq.Page().Items)
		resp, err := m.api.Delete(ctx, name)
		if err != nil {
			return err
		}
		if !m.handleAction(resp, "Deleted", "Delete failed") {
			return nil
		}
		ok = true

		m.seq.ForgetURL(name)
		m.seq.RemoveEntry(name)
		m.seq.RefreshToDesiredCount(ctx, desired)
		return nil
	})
	if err != nil {
		m.report("delete", err)
	}
	return ok
}

// SetShared shares or unshares one file. The share URL returned by the
// server is kept across later refreshes.
func (m *Manager) SetShared(ctx context.Context, name string, shared bool) bool {
	op, title, failed := "unshare", "Unshared", "Unshare failed"
	if shared {
		op, title, failed = "share", "Shared", "Share failed"
	}

	var ok bool
	_, err := m.runner.Key(ctx, name, func(ctx context.Context) error {
		if err := m.CanRun(op); err != nil {
			return err
		}
		m.busy.SetRow(name, true)
		defer m.busy.SetRow(name, false)

		desired := len(m.seq.Page().Items)
		resp, err := m.api.SetShared(ctx, name, shared)
		if err != nil {
			return err
		}
		if !m.handleAction(resp, title, failed) {
			return nil
		}
		ok = true

		patched := m.seq.PatchEntry(name, func(e *models.FileEntry) {
			e.Shared = shared
			if !shared {
				e.SharedURL = ""
			} else if resp.URL != "" {
				e.SharedURL = resp.URL
			}
		})
		switch {
		case !shared:
			m.seq.ForgetURL(name)
		case !patched:
			m.seq.RememberURL(name, resp.URL)
		}
		m.seq.RefreshToDesiredCount(ctx, desired)
		return nil
	})
	if err != nil {
		m.report(op, err)
	}
	return ok
}

// DeleteAll removes every file. Concurrent invocations are dropped.
func (m *Manager) DeleteAll(ctx context.Context) bool {
	var ok bool
	_, err := m.runner.Global(ctx, "delete_all", func(ctx context.Context) error {
		if err := m.CanRun("delete_all"); err != nil {
			return err
		}
		defer m.busy.Hold("delete_all")()

		resp, err := m.api.DeleteAll(ctx)
		if err != nil {
			return err
		}
		if !m.handleAction(resp, "All files deleted", "Delete all failed") {
			return nil
		}
		ok = true

		m.seq.Clear()
		m.busy.ResetRows()
		m.seq.RunQuery(ctx, true, false)
		return nil
	})
	if err != nil {
		m.report("delete_all", err)
	}
	return ok
}

// CheckIndex compares the server index with storage. Stats arriving while
// the check runs may lock but never unlock, and the lock modal waits for the
// check to finish.
func (m *Manager) CheckIndex(ctx context.Context) bool {
	var ok bool
	_, err := m.runner.Global(ctx, "check_index", func(ctx context.Context) error {
		if err := m.CanRun("check_index"); err != nil {
			return err
		}
		defer m.busy.Hold("check_index")()

		m.lock.BeginCheck()
		resp, err := m.api.CheckIndex(ctx)
		m.lock.EndCheck()

		if err != nil {
			m.lock.ShowModal()
			return err
		}
		if resp.Redirect != "" {
			m.redirect(resp.Redirect)
			return nil
		}

		m.notes.RecordAction()
		if resp.Stats != nil {
			m.applyStats(*resp.Stats, hardlock.SourceCheck, "check")
		}
		switch {
		case m.lock.IsHard():
			m.lock.ShowModal()
			m.notes.ShowAction(notify.KindWarning, "Index changed", resp.Message(), notify.ActionOptions{Sticky: true})
		case resp.Failed():
			m.notes.ShowAction(notify.KindError, "Index check failed", resp.Message(), notify.ActionOptions{Dismissible: true})
		default:
			ok = true
			m.notes.ShowAction(notify.KindSuccess, "Index is up to date", resp.Message(), notify.ActionOptions{Dismissible: true})
		}
		return nil
	})
	if err != nil {
		m.report("check_index", err)
	}
	return ok
}

// RebuildIndex is the lock-resolution entry: it stays available while
// locked and only requires the UI to be idle. Success clears the lock and
// reloads the list.
func (m *Manager) RebuildIndex(ctx context.Context) bool {
	var ok bool
	_, err := m.runner.Global(ctx, "rebuild_index", func(ctx context.Context) error {
		if err := m.canResolveLock("rebuild_index"); err != nil {
			return err
		}
		defer m.busy.Hold("rebuild_index")()

		resp, err := m.api.RebuildIndex(ctx)
		if err != nil {
			return err
		}
		if resp.Redirect == "" && !resp.Failed() {
			m.lock.Clear(hardlock.Options{Hide: true})
		}
		if !m.handleAction(resp, "Index rebuilt", "Index rebuild failed") {
			return nil
		}
		ok = true

		m.busy.ResetRows()
		m.seq.RunQuery(ctx, true, false)
		return nil
	})
	if err != nil {
		m.report("rebuild_index", err)
	}
	return ok
}

// UploadFinished reports an upload completed by the host's transfer
// mechanism and reloads the list.
func (m *Manager) UploadFinished(ctx context.Context, resp *protocol.ActionResponse) bool {
	if resp == nil {
		return false
	}
	if !m.handleAction(resp, "Upload complete", "Upload failed") {
		return false
	}
	m.seq.RunQuery(ctx, true, false)
	return true
}

// handleAction reports an action envelope. It returns true on success.
// A redirect ends the operation without any further feedback.
func (m *Manager) handleAction(resp *protocol.ActionResponse, okTitle, failTitle string) bool {
	if resp.Redirect != "" {
		m.redirect(resp.Redirect)
		return false
	}

	m.notes.RecordAction()
	if resp.Stats != nil {
		m.applyStats(*resp.Stats, hardlock.SourceAction, "action")
	}
	if resp.Failed() {
		m.notes.ShowAction(notify.KindError, failTitle, resp.Message(), notify.ActionOptions{Dismissible: true})
		return false
	}
	m.notes.ShowAction(notify.KindSuccess, okTitle, resp.Message(), notify.ActionOptions{Dismissible: true})
	return true
}

func (m *Manager) redirect(url string) {
	m.mu.Lock()
	m.redirected = true
	m.mu.Unlock()

	logging.Info("server redirect", logging.String("url", url))
	m.seq.Cancel()
	if m.deps.Navigator != nil {
		m.deps.Navigator.Navigate(url)
	}
}
