// Package protocol defines the server response envelopes consumed by the core.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/svetliomitev/miniclouds-sub000/pkg/models"
)

// Flag is a tolerant boolean: the server reports flags as true/false,
// 0/1 or "0"/"1" depending on the endpoint.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = false
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Flag(parseFlag(s))
		return nil
	}
	*f = Flag(parseFlag(string(data)))
	return nil
}

func parseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no", "off":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n != 0
	}
	return true
}

// File is one list row as sent by GET /api/list.
type File struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	MTime  int64  `json:"mtime"` // unix seconds
	Shared Flag   `json:"shared"`
	URL    string `json:"url,omitempty"`
}

// Entry converts the wire row into a models.FileEntry.
func (f File) Entry() models.FileEntry {
	e := models.FileEntry{
		Name:   f.Name,
		Size:   f.Size,
		Shared: bool(f.Shared),
	}
	if f.MTime > 0 {
		e.ModifiedAt = time.Unix(f.MTime, 0)
	}
	if e.Shared {
		e.SharedURL = f.URL
	}
	return e
}

// ListResponse is returned by GET /api/list.
type ListResponse struct {
	OK      Flag   `json:"ok"`
	Files   []File `json:"files"`
	Total   int    `json:"total"`
	Offset  int    `json:"offset"`
	HasMore Flag   `json:"has_more"`
	Error   string `json:"error,omitempty"`
}

// Entries converts the files of the response.
func (r *ListResponse) Entries() []models.FileEntry {
	out := make([]models.FileEntry, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, f.Entry())
	}
	return out
}

// ListQuery holds the parameters of a list request.
type ListQuery struct {
	Query  models.Query
	Offset int
	Limit  int
}

// Stats is the server-side index summary.
type Stats struct {
	TotalFiles   int    `json:"totalFiles"`
	TotalBytes   int64  `json:"totalBytes,omitempty"`
	TotalHuman   string `json:"totalHuman"`
	IndexMissing Flag   `json:"indexMissing"`
	IndexBlocked Flag   `json:"indexBlocked"`
}

// HumanTotal returns TotalHuman, falling back to formatting TotalBytes.
func (s Stats) HumanTotal() string {
	if s.TotalHuman != "" {
		return s.TotalHuman
	}
	return humanize.Bytes(uint64(s.TotalBytes))
}

// StatsResponse is returned by GET /api/stats and pushed on the event stream.
type StatsResponse struct {
	OK    Flag   `json:"ok"`
	Stats *Stats `json:"stats"`
	Error string `json:"error,omitempty"`
}

// ActionResponse is returned by every mutating POST.
type ActionResponse struct {
	OK       []string `json:"ok"`
	Err      []string `json:"err"`
	Stats    *Stats   `json:"stats,omitempty"`
	Redirect string   `json:"redirect,omitempty"`
	URL      string   `json:"url,omitempty"` // share URL, set by the share action
}

// Failed reports whether the server rejected the action.
func (r *ActionResponse) Failed() bool {
	return len(r.Err) > 0
}

// Message joins the messages of the dominant outcome.
func (r *ActionResponse) Message() string {
	if r.Failed() {
		return strings.Join(r.Err, "\n")
	}
	return strings.Join(r.OK, "\n")
}

// ErrorResponse is the generic failure envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Action names accepted by POST /api/action.
const (
	ActionDelete       = "delete"
	ActionShare        = "share"
	ActionUnshare      = "unshare"
	ActionDeleteAll    = "delete_all"
	ActionCheckIndex   = "check_index"
	ActionRebuildIndex = "rebuild_index"
)

// String is used in logs.
func (q ListQuery) String() string {
	return fmt.Sprintf("q=%q offset=%d limit=%d", q.Query.Text, q.Offset, q.Limit)
}
