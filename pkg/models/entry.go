// Package models contains the value types shared by the coordination core.
package models

import (
	"strings"
	"time"
)

// FileEntry is one row of the file list. Name is unique within a page.
type FileEntry struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"mtime"`
	Shared     bool      `json:"shared"`
	SharedURL  string    `json:"shared_url,omitempty"`
}

// URL returns the share URL, treating it as absent when the entry is not shared.
func (e FileEntry) URL() string {
	if !e.Shared {
		return ""
	}
	return e.SharedURL
}

// Visibility filters the list by share state.
type Visibility string

const (
	VisibilityAll      Visibility = "all"
	VisibilityShared   Visibility = "shared"
	VisibilityUnshared Visibility = "unshared"
)

// Query is an immutable snapshot of the search inputs.
type Query struct {
	Text       string
	From       string // YYYY-MM-DD, empty for open
	To         string
	Visibility Visibility
}

// Terms returns the whitespace separated search terms for highlighting.
func (q Query) Terms() []string {
	return strings.Fields(q.Text)
}

// Key identifies the filter state; two queries with the same key select
// the same result set.
func (q Query) Key() string {
	v := q.Visibility
	if v == "" {
		v = VisibilityAll
	}
	return strings.Join([]string{strings.TrimSpace(q.Text), q.From, q.To, string(v)}, "|")
}

// Page is the accumulated list state. Items keep server order; Total is the
// server-reported match count and is independent of len(Items).
type Page struct {
	Offset  int
	Limit   int
	Total   int
	HasMore bool
	Items   []FileEntry
}

// Clone returns a deep copy so callers cannot mutate sequencer state.
func (p Page) Clone() Page {
	items := make([]FileEntry, len(p.Items))
	copy(items, p.Items)
	p.Items = items
	return p
}

// Index returns the position of name in Items, or -1.
func (p Page) Index(name string) int {
	for i := range p.Items {
		if p.Items[i].Name == name {
			return i
		}
	}
	return -1
}

// SharedURLs returns name -> URL for every shared entry with a known URL.
func (p Page) SharedURLs() map[string]string {
	urls := make(map[string]string)
	for _, e := range p.Items {
		if u := e.URL(); u != "" {
			urls[e.Name] = u
		}
	}
	return urls
}
