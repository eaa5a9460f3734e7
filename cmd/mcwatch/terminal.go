package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/svetliomitev/miniclouds-sub000/pkg/hardlock"
	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
	"github.com/svetliomitev/miniclouds-sub000/pkg/notify"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiDim    = "\x1b[2m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
)

// terminal is the host UI: it renders the list, prints notifications and
// stands in for modals.
type terminal struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	width  int
	follow bool
	now    func() time.Time

	lock   func() hardlock.State
	shown  []models.FileEntry
	totals string
}

func newTerminal(out *os.File) *terminal {
	t := &terminal{out: out, width: 100, now: time.Now}
	fd := int(out.Fd())
	if term.IsTerminal(fd) {
		t.color = true
		if w, _, err := term.GetSize(fd); err == nil && w > 40 {
			t.width = w
		}
	}
	return t
}

func (t *terminal) paint(code, s string) string {
	if !t.color || s == "" {
		return s
	}
	return code + s + ansiReset
}

// Render implements listseq.Renderer.
func (t *terminal) Render(items []models.FileEntry, total int, terms []string, hasMore bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shown = append(t.shown[:0], items...)

	nameWidth := t.width - 36
	if nameWidth < 16 {
		nameWidth = 16
	}

	fmt.Fprintf(t.out, "%s\n", t.paint(ansiBold, fmt.Sprintf("%-*s  %9s  %-14s  %s", nameWidth, "NAME", "SIZE", "MODIFIED", "SHARE")))
	for _, e := range items {
		name := truncate(e.Name, nameWidth)
		pad := nameWidth - len([]rune(name))
		if pad < 0 {
			pad = 0
		}
		modified := "-"
		if !e.ModifiedAt.IsZero() {
			modified = humanize.RelTime(e.ModifiedAt, t.now(), "ago", "from now")
		}
		share := ""
		if e.Shared {
			share = "shared"
			if u := e.URL(); u != "" {
				share = u
			}
		}
		fmt.Fprintf(t.out, "%s%s  %9s  %-14s  %s\n",
			t.highlight(name, terms), strings.Repeat(" ", pad),
			humanize.Bytes(uint64(e.Size)), modified, t.paint(ansiCyan, share))
	}

	footer := fmt.Sprintf("%s of %s files", humanize.Comma(int64(len(items))), humanize.Comma(int64(total)))
	if hasMore {
		footer += " (more available, use -all)"
	}
	fmt.Fprintln(t.out, t.paint(ansiDim, footer))
}

// HydrateURLs implements filemgr.URLHydrator. Terminal rows are printed
// once, so only the follow mode reports URLs that arrived after a render.
func (t *terminal) HydrateURLs(urls map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.follow {
		return
	}
	for _, e := range t.shown {
		if u := urls[e.Name]; u != "" && e.URL() == "" {
			fmt.Fprintf(t.out, "%s %s\n", e.Name, t.paint(ansiCyan, u))
		}
	}
}

// highlight marks every case-insensitive occurrence of the search terms.
func (t *terminal) highlight(s string, terms []string) string {
	if !t.color || len(terms) == 0 {
		return s
	}
	lower := strings.ToLower(s)
	mark := make([]bool, len(s))
	for _, w := range terms {
		w = strings.ToLower(w)
		if w == "" {
			continue
		}
		for from := 0; ; {
			i := strings.Index(lower[from:], w)
			if i < 0 {
				break
			}
			for j := from + i; j < from+i+len(w) && j < len(mark); j++ {
				mark[j] = true
			}
			from += i + len(w)
		}
	}

	var b strings.Builder
	on := false
	for i := 0; i < len(s); i++ {
		if mark[i] != on {
			on = mark[i]
			if on {
				b.WriteString(ansiYellow + ansiBold)
			} else {
				b.WriteString(ansiReset)
			}
		}
		b.WriteByte(s[i])
	}
	if on {
		b.WriteString(ansiReset)
	}
	return b.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

// ShowAction implements notify.Presenter.
func (t *terminal) ShowAction(n notify.Action) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var tag string
	switch n.Kind {
	case notify.KindSuccess:
		tag = t.paint(ansiGreen, "ok")
	case notify.KindWarning:
		tag = t.paint(ansiYellow, "warning")
	case notify.KindError:
		tag = t.paint(ansiRed, "error")
	default:
		tag = t.paint(ansiCyan, "info")
	}
	line := fmt.Sprintf("[%s] %s", tag, n.Title)
	if n.Body != "" {
		line += ": " + strings.ReplaceAll(n.Body, "\n", "; ")
	}
	fmt.Fprintln(t.out, line)
}

func (t *terminal) HideAction(uint64) {}

// ShowSearch implements notify.Presenter.
func (t *terminal) ShowSearch(n notify.Search) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, t.paint(ansiDim, n.Text()))
}

func (t *terminal) HideSearch(uint64) {}

// Show implements hardlock.ModalHost. Dialogs are answered on stdin; only
// the lock modal prints a banner.
func (t *terminal) Show(id string) {
	if id != hardlock.ModalID {
		return
	}
	st := hardlock.State{Active: true, Reason: hardlock.ReasonUnknown}
	if t.lock != nil {
		st = t.lock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, t.paint(ansiRed+ansiBold, "Index locked: "+lockMessage(st.Reason)))
	fmt.Fprintln(t.out, "Run 'mcwatch rebuild' to rebuild the index.")
}

func (t *terminal) Hide(id string) {
	if id != hardlock.ModalID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, t.paint(ansiGreen, "Index unlocked"))
}

func (t *terminal) PreemptOthers(string) {}

func lockMessage(r hardlock.Reason) string {
	switch r {
	case hardlock.ReasonMissing:
		return "the index file is missing"
	case hardlock.ReasonDrift:
		return "storage changed outside the file manager"
	case hardlock.ReasonForced:
		return "locked by an administrator"
	default:
		return "the index is not usable"
	}
}

// Navigate implements filemgr.Navigator.
func (t *terminal) Navigate(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "Server redirected to %s; sign in again and set MINICLOUDS_TOKEN.\n", url)
}

// SetTotals implements filemgr.TotalsView.
func (t *terminal) SetTotals(files int, human string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := fmt.Sprintf("%s files, %s", humanize.Comma(int64(files)), human)
	if line == t.totals {
		return
	}
	t.totals = line
	if t.follow {
		fmt.Fprintln(t.out, t.paint(ansiDim, "index: "+line))
	}
}
