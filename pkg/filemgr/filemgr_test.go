package filemgr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/internal/events"
	"github.com/svetliomitev/miniclouds-sub000/pkg/client"
	"github.com/svetliomitev/miniclouds-sub000/pkg/hardlock"
	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
	"github.com/svetliomitev/miniclouds-sub000/pkg/notify"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
)

func TestNewRequiresAPI(t *testing.T) {
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatal("expected error without API")
	}
}

func TestBootLoadsList(t *testing.T) {
	h := newHarness(t, 5)

	if !h.m.Boot(context.Background()) {
		t.Fatal("Boot returned false")
	}
	if got := len(h.m.List().Page().Items); got != 5 {
		t.Errorf("loaded %d items, want 5", got)
	}
	if h.m.Lock().IsHard() {
		t.Error("lock active after clean boot")
	}
	if h.m.Busy().IsBusy() {
		t.Errorf("still busy after boot: %v", h.m.Busy().Reasons())
	}
	if _, searches := h.pres.counts(); searches != 1 {
		t.Errorf("search notifications = %d, want 1", searches)
	}
}

func TestBootLockedSkipsList(t *testing.T) {
	h := newHarness(t, 5)
	h.api.stats.IndexMissing = true

	if h.m.Boot(context.Background()) {
		t.Fatal("Boot returned true while locked")
	}
	if h.api.count("list") != 0 {
		t.Errorf("list requested %d times while locked", h.api.count("list"))
	}
	if !h.modals.isOpen(hardlock.ModalID) {
		t.Error("lock modal not shown")
	}
	if h.m.Lock().Reason() != hardlock.ReasonMissing || h.m.Lock().Source() != hardlock.SourceBoot {
		t.Errorf("lock state = %+v", h.m.Lock().State())
	}
}

func TestOperationsBlockedWhileLocked(t *testing.T) {
	h := newHarness(t, 3)
	h.m.Boot(context.Background())
	h.m.ApplyStats(protocol.Stats{IndexBlocked: true})

	ctx := context.Background()
	if h.m.DeleteAll(ctx) {
		t.Error("DeleteAll ran while locked")
	}
	if h.m.DeleteFile(ctx, "f-00") {
		t.Error("DeleteFile ran while locked")
	}
	if h.m.Search(ctx, models.Query{Text: "f"}) {
		t.Error("Search ran while locked")
	}
	if h.api.count("delete_all")+h.api.count("delete") != 0 {
		t.Error("requests issued while locked")
	}

	n, ok := h.pres.lastAction()
	if !ok || n.Kind != notify.KindInfo || n.Title != blockedTitle(BlockedLocked) {
		t.Errorf("last notification = %+v, want locked info", n)
	}

	err := h.m.CanRun("delete")
	if be, ok := AsBlocked(err); !ok || be.Reason != BlockedLocked {
		t.Errorf("CanRun = %v, want locked", err)
	}
	if !errors.Is(err, ErrBlocked) {
		t.Error("BlockedError does not match ErrBlocked")
	}
}

func TestRebuildIndexResolvesLock(t *testing.T) {
	h := newHarness(t, 3)
	h.api.stats.IndexBlocked = true
	h.m.Boot(context.Background())
	if !h.m.Lock().IsHard() {
		t.Fatal("expected lock after boot")
	}

	if !h.m.RebuildIndex(context.Background()) {
		t.Fatal("RebuildIndex returned false")
	}
	if h.m.Lock().IsHard() {
		t.Error("lock still active after rebuild")
	}
	if h.modals.isOpen(hardlock.ModalID) {
		t.Error("lock modal still shown after rebuild")
	}
	if got := len(h.m.List().Page().Items); got != 3 {
		t.Errorf("list has %d items after rebuild, want 3", got)
	}
	n, _ := h.pres.lastAction()
	if n.Kind != notify.KindSuccess || n.Title != "Index rebuilt" {
		t.Errorf("last notification = %+v", n)
	}
}

func TestRebuildIndexRequiresIdle(t *testing.T) {
	h := newHarness(t, 1)
	release := h.m.Busy().Hold("upload")
	defer release()

	if h.m.RebuildIndex(context.Background()) {
		t.Fatal("RebuildIndex ran while busy")
	}
	if h.api.count("rebuild_index") != 0 {
		t.Error("rebuild requested while busy")
	}
	n, _ := h.pres.lastAction()
	if n.Kind != notify.KindInfo {
		t.Errorf("notification kind = %s, want info", n.Kind)
	}
}

func TestDeleteAllDropsConcurrentInvocation(t *testing.T) {
	h := newHarness(t, 4)
	h.m.Boot(context.Background())

	g := newGate("delete_all")
	h.api.setHook(g.hook)

	done := make(chan bool)
	go func() { done <- h.m.DeleteAll(context.Background()) }()
	g.wait(t)

	actions, _ := h.pres.counts()
	if h.m.DeleteAll(context.Background()) {
		t.Error("second DeleteAll reported success")
	}
	if after, _ := h.pres.counts(); after != actions {
		t.Error("dropped invocation produced a notification")
	}

	close(g.release)
	if !<-done {
		t.Fatal("first DeleteAll failed")
	}
	if got := h.api.count("delete_all"); got != 1 {
		t.Errorf("delete_all requests = %d, want 1", got)
	}
	if got := len(h.m.List().Page().Items); got != 0 {
		t.Errorf("list has %d items, want 0", got)
	}
}

func TestDeleteFileRefillsToPreviousLength(t *testing.T) {
	h := newHarness(t, 30)
	h.m.Boot(context.Background())
	if got := len(h.m.List().Page().Items); got != 20 {
		t.Fatalf("first page has %d items", got)
	}

	if !h.m.DeleteFile(context.Background(), "f-03") {
		t.Fatal("DeleteFile returned false")
	}
	page := h.m.List().Page()
	if len(page.Items) != 20 || page.Total != 29 || !page.HasMore {
		t.Errorf("page after delete: len=%d total=%d more=%v", len(page.Items), page.Total, page.HasMore)
	}
	if page.Index("f-03") >= 0 {
		t.Error("deleted file still listed")
	}
	if h.m.Busy().RowBusy("f-03") {
		t.Error("row lock not released")
	}
	n, _ := h.pres.lastAction()
	if n.Kind != notify.KindSuccess || n.Body != "Deleted f-03" {
		t.Errorf("last notification = %+v", n)
	}
}

func TestDeleteFileServerRejection(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())

	if h.m.DeleteFile(context.Background(), "nope") {
		t.Fatal("DeleteFile of a missing file succeeded")
	}
	n, _ := h.pres.lastAction()
	if n.Kind != notify.KindError || n.Title != "Delete failed" {
		t.Errorf("last notification = %+v", n)
	}
	if got := len(h.m.List().Page().Items); got != 2 {
		t.Errorf("list changed after failed delete: %d items", got)
	}
}

func TestSharedURLSurvivesRefill(t *testing.T) {
	h := newHarness(t, 3)
	h.m.Boot(context.Background())

	if !h.m.SetShared(context.Background(), "f-01", true) {
		t.Fatal("SetShared returned false")
	}
	page := h.m.List().Page()
	i := page.Index("f-01")
	if i < 0 {
		t.Fatal("shared file missing after refill")
	}
	if got := page.Items[i].URL(); got != "https://s/f-01" {
		t.Errorf("share URL after refill = %q", got)
	}

	if !h.m.SetShared(context.Background(), "f-01", false) {
		t.Fatal("unshare returned false")
	}
	page = h.m.List().Page()
	if got := page.Items[page.Index("f-01")].URL(); got != "" {
		t.Errorf("unshared entry kept URL %q", got)
	}
}

func TestCheckIndexDefersModalUntilDone(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())

	g := newGate("check_index")
	h.api.setHook(g.hook)
	h.api.setResponse("check_index", &protocol.ActionResponse{
		OK:    []string{"Index differs from storage"},
		Stats: &protocol.Stats{IndexMissing: true},
	})

	done := make(chan bool)
	go func() { done <- h.m.CheckIndex(context.Background()) }()
	g.wait(t)

	h.m.ApplyStats(protocol.Stats{IndexMissing: true})
	if !h.m.Lock().IsHard() {
		t.Error("stats during check did not lock")
	}
	if h.modals.showCount(hardlock.ModalID) != 0 {
		t.Error("modal shown while check in progress")
	}

	close(g.release)
	<-done

	if got := h.modals.showCount(hardlock.ModalID); got != 1 {
		t.Errorf("modal shown %d times, want 1", got)
	}
	n, _ := h.pres.lastAction()
	if n.Kind != notify.KindWarning || !n.Sticky {
		t.Errorf("last notification = %+v, want sticky warning", n)
	}
	if h.m.Lock().Checking() {
		t.Error("check still marked in progress")
	}
}

func TestCheckIndexStatsNeverUnlockDuringCheck(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())
	h.m.Lock().BeginCheck()
	h.m.ApplyStats(protocol.Stats{IndexBlocked: true})
	h.m.ApplyStats(protocol.Stats{})
	h.m.Lock().EndCheck()

	if !h.m.Lock().IsHard() {
		t.Error("clean stats unlocked during check")
	}
}

func TestCheckIndexUpToDate(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())

	if !h.m.CheckIndex(context.Background()) {
		t.Fatal("CheckIndex returned false")
	}
	n, _ := h.pres.lastAction()
	if n.Kind != notify.KindSuccess || n.Title != "Index is up to date" {
		t.Errorf("last notification = %+v", n)
	}
	if h.modals.showCount(hardlock.ModalID) != 0 {
		t.Error("modal shown for a clean index")
	}
}

func TestCheckIndexFailureShowsPendingModal(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())

	h.api.setHook(func(ctx context.Context, op string) error {
		if op != "check_index" {
			return nil
		}
		h.m.ApplyStats(protocol.Stats{IndexBlocked: true})
		return &client.NetworkError{Op: "check_index", Err: errors.New("connection reset")}
	})

	if h.m.CheckIndex(context.Background()) {
		t.Fatal("CheckIndex succeeded on network error")
	}
	if got := h.modals.showCount(hardlock.ModalID); got != 1 {
		t.Errorf("modal shown %d times, want 1", got)
	}
}

// Stats arriving during a refill are not deferred: only an index check holds
// the modal back.
func TestStatsDuringRefillShowsModal(t *testing.T) {
	h := newHarness(t, 5)
	h.m.Boot(context.Background())

	g := newGate("list")
	h.api.setHook(g.hook)

	done := make(chan bool)
	go func() { done <- h.m.DeleteFile(context.Background(), "f-02") }()
	g.wait(t)

	h.m.ApplyStats(protocol.Stats{IndexBlocked: true})
	if got := h.modals.showCount(hardlock.ModalID); got != 1 {
		t.Errorf("modal shown %d times during refill, want 1", got)
	}

	close(g.release)
	if !<-done {
		t.Fatal("DeleteFile returned false")
	}
	if got := len(h.m.List().Page().Items); got != 4 {
		t.Errorf("list has %d items after refill, want 4", got)
	}
}

func TestRedirectStopsFeedback(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())
	before, _ := h.pres.counts()
	lists := h.api.count("list")

	h.api.setResponse("delete", &protocol.ActionResponse{Redirect: "/login"})
	if h.m.DeleteFile(context.Background(), "f-00") {
		t.Fatal("redirected delete reported success")
	}
	if !h.m.Redirected() {
		t.Error("Redirected() = false")
	}
	if len(h.nav.urls) != 1 || h.nav.urls[0] != "/login" {
		t.Errorf("navigated to %v", h.nav.urls)
	}
	if after, _ := h.pres.counts(); after != before {
		t.Error("redirect produced a notification")
	}
	if h.api.count("list") != lists {
		t.Error("redirect triggered a refill")
	}

	h.m.report("delete", &client.NetworkError{Op: "x", Err: errors.New("down")})
	if after, _ := h.pres.counts(); after != before {
		t.Error("failure reported after redirect")
	}
}

func TestErrorNotifications(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  notify.Kind
		title string
		body  string
	}{
		{"rejected", &client.RejectedError{Status: 200, Message: "not allowed"}, notify.KindWarning, "Request failed", "not allowed"},
		{"malformed", &client.MalformedError{Status: 502, Preview: "<html>", Err: errors.New("bad json")}, notify.KindError, "Unexpected server response", "<html>"},
		{"network", &client.NetworkError{Op: "delete", Err: errors.New("refused")}, notify.KindError, "Network error", "The server could not be reached."},
		{"other", errors.New("boom"), notify.KindError, "Error", "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1)
			h.api.setHook(func(ctx context.Context, op string) error {
				if op == "delete" {
					return tt.err
				}
				return nil
			})

			if h.m.DeleteFile(context.Background(), "f-00") {
				t.Fatal("DeleteFile succeeded")
			}
			n, ok := h.pres.lastAction()
			if !ok {
				t.Fatal("no notification")
			}
			if n.Kind != tt.kind || n.Title != tt.title || n.Body != tt.body {
				t.Errorf("notification = %+v", n)
			}
		})
	}
}

func TestCancelledOperationIsSilent(t *testing.T) {
	h := newHarness(t, 1)
	h.api.setHook(func(ctx context.Context, op string) error {
		if op == "delete" {
			return fmt.Errorf("delete: %w", client.ErrCancelled)
		}
		return nil
	})

	h.m.DeleteFile(context.Background(), "f-00")
	if actions, _ := h.pres.counts(); actions != 0 {
		t.Errorf("cancelled operation produced %d notifications", actions)
	}
}

func TestSearchResultSuppressedAfterAction(t *testing.T) {
	h := newHarness(t, 5)
	h.m.Boot(context.Background())
	_, searches := h.pres.counts()

	h.m.DeleteFile(context.Background(), "f-04")
	if _, got := h.pres.counts(); got != searches {
		t.Error("refill result shown right after an action")
	}

	if !h.m.Search(context.Background(), models.Query{Text: "f-0"}) {
		t.Fatal("Search returned false")
	}
	if _, got := h.pres.counts(); got != searches+1 {
		t.Error("user search result suppressed")
	}
	if h.m.Query().Text != "f-0" {
		t.Errorf("query = %+v", h.m.Query())
	}
}

func TestShowMoreAppends(t *testing.T) {
	h := newHarness(t, 25)
	h.m.Boot(context.Background())

	if !h.m.ShowMore(context.Background()) {
		t.Fatal("ShowMore returned false")
	}
	page := h.m.List().Page()
	if len(page.Items) != 25 || page.HasMore {
		t.Errorf("after ShowMore: len=%d more=%v", len(page.Items), page.HasMore)
	}
}

func TestDialogsBlockOperations(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())

	if !h.m.OpenDialog("confirm") {
		t.Fatal("OpenDialog refused")
	}
	if be, ok := AsBlocked(h.m.CanRun("delete")); !ok || be.Reason != BlockedOverlay {
		t.Errorf("CanRun with open dialog = %v", h.m.CanRun("delete"))
	}
	h.m.CloseDialog("confirm")
	if err := h.m.CanRun("delete"); err != nil {
		t.Errorf("CanRun after close = %v", err)
	}
}

func TestLockModalPreemptsDialogs(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())
	h.m.OpenDialog("confirm")

	h.m.ApplyStats(protocol.Stats{IndexBlocked: true})
	if h.modals.isOpen("confirm") {
		t.Error("dialog left open over the lock modal")
	}
	if h.m.overlayActive() {
		t.Error("preempted dialog still counted as overlay")
	}
	if h.m.OpenDialog("other") {
		t.Error("dialog opened over the lock modal")
	}
	if err := h.m.canResolveLock("rebuild_index"); err != nil {
		t.Errorf("lock resolution blocked: %v", err)
	}
}

func TestAfterRenderBatches(t *testing.T) {
	h := newHarness(t, 3)
	h.m.Boot(context.Background())
	h.m.SetShared(context.Background(), "f-00", true)
	h.m.ApplyStats(protocol.Stats{TotalFiles: 3, TotalHuman: "3 kB"})

	if h.totals.calls != 0 {
		t.Fatal("totals synced before the batch ran")
	}
	h.clock.Advance(16 * time.Millisecond)

	if h.totals.calls != 1 || h.totals.files != 3 || h.totals.human != "3 kB" {
		t.Errorf("totals = %+v", h.totals)
	}
	if len(h.rend.hydrated) != 1 || h.rend.hydrated[0]["f-00"] != "https://s/f-00" {
		t.Errorf("hydrated = %v", h.rend.hydrated)
	}

	h.m.AfterRender()
	h.clock.Advance(16 * time.Millisecond)
	if h.totals.calls != 2 {
		t.Errorf("second batch did not run: %d", h.totals.calls)
	}
}

func TestUploadFinished(t *testing.T) {
	h := newHarness(t, 2)
	h.m.Boot(context.Background())
	lists := h.api.count("list")

	if !h.m.UploadFinished(context.Background(), &protocol.ActionResponse{OK: []string{"Uploaded a.txt"}}) {
		t.Fatal("UploadFinished returned false")
	}
	if h.api.count("list") != lists+1 {
		t.Error("list not reloaded after upload")
	}
	if h.m.UploadFinished(context.Background(), &protocol.ActionResponse{Err: []string{"too large"}}) {
		t.Error("failed upload reported success")
	}
	if h.m.UploadFinished(context.Background(), nil) {
		t.Error("nil response reported success")
	}
}

type fakeStream struct {
	stats []protocol.Stats
	calls int
}

func (s *fakeStream) Subscribe(ctx context.Context) <-chan protocol.Stats {
	s.calls++
	ch := make(chan protocol.Stats)
	go func() {
		defer close(ch)
		for _, st := range s.stats {
			select {
			case ch <- st:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch
}

func TestWatchAppliesStreamAndPoll(t *testing.T) {
	api := newFakeAPI(1)
	api.stats.IndexBlocked = true
	stream := &fakeStream{stats: []protocol.Stats{{TotalFiles: 1, IndexMissing: true}}}

	m, err := New(Deps{API: api, Stream: stream}, Options{StatsPollInterval: 5 * time.Millisecond, WatchSSE: true})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if stream.calls != 1 {
		t.Errorf("stream subscribed %d times", stream.calls)
	}
	if api.count("stats") == 0 {
		t.Error("stats never polled")
	}
	if !m.Lock().IsHard() || m.Stats() == nil {
		t.Errorf("lock = %+v stats = %v", m.Lock().State(), m.Stats())
	}
}

func TestLockChangesArePublished(t *testing.T) {
	h := newHarness(t, 1)
	sub := h.m.Events().Subscribe()
	defer h.m.Events().Unsubscribe(sub)

	h.m.ApplyStats(protocol.Stats{IndexMissing: true})

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type != events.EventLock {
				continue
			}
			if !ev.Locked || ev.Reason != string(hardlock.ReasonMissing) || ev.Source != string(hardlock.SourceStats) {
				t.Errorf("lock event = %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("no lock event published")
		}
	}
}
