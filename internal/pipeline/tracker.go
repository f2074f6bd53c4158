// Package pipeline tracks per-segment progress through the speech pipeline
// (captured → transcribed → sent | dropped) for the status endpoint.
package pipeline

import (
	"sync"
	"time"
)

const segmentsMax = 2000

// Status values a segment moves through.
const (
	StatusCreated     = "created"
	StatusCaptured    = "captured"
	StatusTranscribed = "transcribed"
	StatusSent        = "sent"
	StatusDropped     = "dropped"
)

// Segment is one tracked segment row.
type Segment struct {
	SegmentID  string `json:"segment_id"`
	CreatedTs  int64  `json:"created_ts"`
	UpdatedTs  int64  `json:"updated_ts"`
	FlowRunID  string `json:"flow_run_id,omitempty"`
	Text       string `json:"text,omitempty"`
	AudioRef   string `json:"audio_ref,omitempty"`
	Status     string `json:"status"`
	SourceRole string `json:"source_role,omitempty"`
	SourcePage string `json:"source_page,omitempty"`
	Injected   bool   `json:"injected"`
}

// Update is a partial segment update; empty fields are left untouched.
type Update struct {
	FlowRunID  string
	Text       string
	AudioRef   string
	Status     string
	SourceRole string
	SourcePage string
	Injected   bool
}

// Tracker is a bounded, insertion-ordered segment table. Oldest rows are
// evicted once the cap is exceeded.
type Tracker struct {
	mu      sync.Mutex
	rows    map[string]*Segment
	order   []string
	lastIDs map[string]string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rows: make(map[string]*Segment),
		lastIDs: map[string]string{
			StatusCaptured:    "",
			StatusTranscribed: "",
			StatusSent:        "",
			StatusDropped:     "",
		},
	}
}

// Upsert creates or updates the row for segmentID and returns a copy.
func (t *Tracker) Upsert(segmentID string, u Update) Segment {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UnixMilli()
	row, ok := t.rows[segmentID]
	if !ok {
		row = &Segment{SegmentID: segmentID, CreatedTs: now, Status: StatusCreated}
		t.rows[segmentID] = row
		t.order = append(t.order, segmentID)
		if len(t.order) > segmentsMax {
			stale := t.order[0]
			t.order = t.order[1:]
			delete(t.rows, stale)
		}
	}

	if u.FlowRunID != "" {
		row.FlowRunID = u.FlowRunID
	}
	if u.Text != "" {
		row.Text = u.Text
	}
	if u.AudioRef != "" {
		row.AudioRef = u.AudioRef
	}
	if u.Status != "" {
		row.Status = u.Status
	}
	if u.SourceRole != "" {
		row.SourceRole = u.SourceRole
	}
	if u.SourcePage != "" {
		row.SourcePage = u.SourcePage
	}
	if u.Injected {
		row.Injected = true
	}
	row.UpdatedTs = now

	if _, tracked := t.lastIDs[row.Status]; tracked {
		t.lastIDs[row.Status] = segmentID
	}
	return *row
}

// Recent returns up to limit most recent rows in insertion order.
func (t *Tracker) Recent(limit int) []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit < 1 {
		limit = 200
	}
	if limit > segmentsMax {
		limit = segmentsMax
	}
	start := 0
	if len(t.order) > limit {
		start = len(t.order) - limit
	}
	out := make([]Segment, 0, len(t.order)-start)
	for _, sid := range t.order[start:] {
		if row, ok := t.rows[sid]; ok {
			out = append(out, *row)
		}
	}
	return out
}

// LastIDs returns the most recent segment id per tracked status.
func (t *Tracker) LastIDs() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.lastIDs))
	for k, v := range t.lastIDs {
		out[k] = v
	}
	return out
}
