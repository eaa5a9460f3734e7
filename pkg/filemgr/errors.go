package filemgr

import (
	"errors"
	"fmt"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/pkg/client"
	"github.com/svetliomitev/miniclouds-sub000/pkg/listseq"
	"github.com/svetliomitev/miniclouds-sub000/pkg/notify"
)

// ErrBlocked is matched by every BlockedError.
var ErrBlocked = errors.New("operation blocked")

// Block reasons reported by CanRun.
const (
	BlockedLocked  = "locked"
	BlockedBusy    = "busy"
	BlockedOverlay = "overlay"
	BlockedRunning = "running"
)

// BlockedError is returned by the guard when an operation may not start.
type BlockedError struct {
	Op     string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s blocked: %s", e.Op, e.Reason)
}

func (e *BlockedError) Unwrap() error {
	return ErrBlocked
}

// AsBlocked checks if an error is a BlockedError and returns it.
func AsBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// report converts a failure into a notification. Cancellations and
// superseded list responses are silent.
func (m *Manager) report(op string, err error) {
	if err == nil || m.Redirected() {
		return
	}
	if errors.Is(err, listseq.ErrIgnored) || client.IsCancelled(err) {
		logging.Debug("operation cancelled", logging.String("op", op))
		return
	}

	if be, ok := AsBlocked(err); ok {
		m.notes.ShowAction(notify.KindInfo, blockedTitle(be.Reason), "", notify.ActionOptions{Dismissible: true})
		return
	}

	logging.Warn("operation failed", logging.String("op", op), logging.Err(err))

	if errors.Is(err, listseq.ErrLocked) {
		m.notes.ShowAction(notify.KindInfo, blockedTitle(BlockedLocked), "", notify.ActionOptions{Dismissible: true})
		return
	}
	if re, ok := client.AsRejected(err); ok {
		m.notes.ShowAction(notify.KindWarning, "Request failed", re.Error(), notify.ActionOptions{Dismissible: true})
		return
	}
	if me, ok := client.AsMalformed(err); ok {
		m.notes.ShowAction(notify.KindError, "Unexpected server response", me.Preview, notify.ActionOptions{Dismissible: true})
		return
	}
	if _, ok := client.AsNetwork(err); ok {
		m.notes.ShowAction(notify.KindError, "Network error", "The server could not be reached.", notify.ActionOptions{Dismissible: true})
		return
	}
	m.notes.ShowAction(notify.KindError, "Error", err.Error(), notify.ActionOptions{Dismissible: true})
}

func blockedTitle(reason string) string {
	switch reason {
	case BlockedLocked:
		return "Index changed: rebuild the index to continue"
	case BlockedOverlay:
		return "Close the open dialog first"
	default:
		return "Please wait for the current operation to finish"
	}
}
