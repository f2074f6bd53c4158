// Package eventlog provides the router's durable structured event log.
//
// Events are kept in a bounded in-memory ring for live inspection and, when
// they carry a flow run id, appended to a per-run bucket that is flushed to
// logs/<run>.json after every append. The log is write-only from the
// router's point of view: nothing in the pipeline ever reads it back.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/utils"
)

const (
	ringMax      = 5000
	runEventsMax = 20000
)

// Level is the severity of an event entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one structured event.
type Entry struct {
	Ts    int64          `json:"ts"`
	Level Level          `json:"level"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// runSummary is the rollup written at the head of each run file.
type runSummary struct {
	Status      string         `json:"status"`
	Counts      map[string]int `json:"counts"`
	LastProblem *Entry         `json:"last_problem"`
}

type runFile struct {
	RunID     string     `json:"run_id"`
	CreatedTs int64      `json:"created_ts"`
	UpdatedTs int64      `json:"updated_ts"`
	Summary   runSummary `json:"summary"`
	Events    []Entry    `json:"events"`
}

// Log collects events and persists per-run buckets to disk.
type Log struct {
	mu sync.Mutex

	dir  string
	ring []Entry

	runEvents map[string][]Entry
	runFiles  map[string]string

	autoNextIdx int
	legacyIDs   map[string]string
}

// New creates an event log writing run files under dir. The directory is
// created on demand; a failed mkdir degrades to memory-only logging.
func New(dir string) *Log {
	if dir != "" {
		if _, err := utils.EnsureDir(dir); err != nil {
			log.Printf("[EventLog] cannot create %s, logs stay in memory: %v", dir, err)
			dir = ""
		}
	}
	return &Log{
		dir:       dir,
		runEvents: make(map[string][]Entry),
		runFiles:  make(map[string]string),
		legacyIDs: make(map[string]string),
	}
}

// Append records an event. Data may be nil. The entry is echoed to the
// process log so a plain console still shows the full event stream.
func (l *Log) Append(event string, data map[string]any, level Level) {
	if level == "" {
		level = LevelInfo
	}
	if data == nil {
		data = map[string]any{}
	}
	entry := Entry{
		Ts:    time.Now().UnixMilli(),
		Level: level,
		Event: event,
		Data:  data,
	}

	if blob, err := json.Marshal(entry); err == nil {
		log.Printf("[EventLog] %s", blob)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring = append(l.ring, entry)
	if len(l.ring) > ringMax {
		l.ring = l.ring[len(l.ring)-ringMax:]
	}

	if runID := extractFlowRunID(data); runID != "" {
		l.appendRunLocked(l.safeRunIDLocked(runID), entry)
	}
}

// Info appends an info-level event.
func (l *Log) Info(event string, data map[string]any) { l.Append(event, data, LevelInfo) }

// Warn appends a warn-level event.
func (l *Log) Warn(event string, data map[string]any) { l.Append(event, data, LevelWarn) }

// Recent returns a copy of the in-memory ring, optionally clearing it.
func (l *Log) Recent(clear bool) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.ring))
	copy(out, l.ring)
	if clear {
		l.ring = nil
	}
	return out
}

// SafeRunID normalizes a caller-supplied flow run id. Empty or placeholder
// ids ("kickstart...") are replaced by an auto-allocated "logN" id; the same
// legacy id always maps to the same allocation.
func (l *Log) SafeRunID(runID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.safeRunIDLocked(runID)
}

func (l *Log) safeRunIDLocked(runID string) string {
	rid := strings.TrimSpace(runID)
	if rid != "" && !strings.HasPrefix(strings.ToLower(rid), "kickstart") {
		return rid
	}
	if rid != "" {
		if mapped, ok := l.legacyIDs[rid]; ok {
			return mapped
		}
		mapped := l.nextAutoRunIDLocked()
		l.legacyIDs[rid] = mapped
		return mapped
	}
	return l.nextAutoRunIDLocked()
}

var logIdxRe = regexp.MustCompile(`^log(\d+)([.-]|$)`)

func (l *Log) nextAutoRunIDLocked() string {
	if l.autoNextIdx == 0 {
		l.autoNextIdx = l.scanNextLogIndex()
	}
	rid := fmt.Sprintf("log%d", l.autoNextIdx)
	l.autoNextIdx++
	return rid
}

// scanNextLogIndex finds max N across existing logN files so restarts keep
// allocating fresh run ids.
func (l *Log) scanNextLogIndex() int {
	maxIdx := 0
	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err == nil {
			for _, e := range entries {
				m := logIdxRe.FindStringSubmatch(strings.ToLower(e.Name()))
				if m == nil {
					continue
				}
				var idx int
				fmt.Sscanf(m[1], "%d", &idx)
				if idx > maxIdx {
					maxIdx = idx
				}
			}
		}
	}
	return maxIdx + 1
}

func (l *Log) appendRunLocked(runID string, entry Entry) {
	bucket := append(l.runEvents[runID], entry)
	if len(bucket) > runEventsMax {
		bucket = bucket[len(bucket)-runEventsMax:]
	}
	l.runEvents[runID] = bucket

	if err := l.flushRunLocked(runID); err != nil {
		log.Printf("[EventLog] failed to flush run log (%s): %v", runID, err)
	}
}

var fileSafeRe = regexp.MustCompile(`[^a-z0-9_-]+`)

func safeFilename(raw string) string {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_"))
	s = fileSafeRe.ReplaceAllString(s, "")
	if s == "" {
		return "run"
	}
	return s
}

func (l *Log) runPathLocked(runID string, firstTs int64) string {
	if p, ok := l.runFiles[runID]; ok {
		return p
	}
	safe := safeFilename(runID)
	var p string
	if regexp.MustCompile(`^log\d+$`).MatchString(safe) {
		p = filepath.Join(l.dir, safe+".json")
	} else {
		p = filepath.Join(l.dir, fmt.Sprintf("%s-%d.json", safe, firstTs))
	}
	l.runFiles[runID] = p
	return p
}

// flushRunLocked writes the run bucket with its summary via tmp+rename so a
// crash mid-write never leaves a truncated file.
func (l *Log) flushRunLocked(runID string) error {
	if l.dir == "" {
		return nil
	}
	events := l.runEvents[runID]
	if len(events) == 0 {
		return nil
	}

	counts := map[string]int{}
	var lastProblem *Entry
	sawFailure := false
	for i := range events {
		e := events[i]
		lvl := string(e.Level)
		counts[lvl]++
		if lvl == "warn" || lvl == "warning" || lvl == "error" {
			lastProblem = &events[i]
		}
		name := strings.ToLower(e.Event)
		if strings.Contains(name, "failed") || strings.HasSuffix(name, "error") {
			sawFailure = true
		}
	}

	status := "ok"
	switch {
	case counts["error"] > 0 || sawFailure:
		status = "failed"
	case counts["warn"] > 0 || counts["warning"] > 0:
		status = "warning"
	}

	out := runFile{
		RunID:     runID,
		CreatedTs: events[0].Ts,
		UpdatedTs: time.Now().UnixMilli(),
		Summary:   runSummary{Status: status, Counts: counts, LastProblem: lastProblem},
		Events:    events,
	}

	path := l.runPathLocked(runID, events[0].Ts)
	blob, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// extractFlowRunID digs a flow run id out of event data, tolerating the
// nesting shapes client tabs historically used.
func extractFlowRunID(data map[string]any) string {
	if data == nil {
		return ""
	}
	for _, k := range []string{"flow_run_id", "run_id", "runId", "flowRunId"} {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	for _, k := range []string{"entry", "data", "meta"} {
		if nested, ok := data[k].(map[string]any); ok {
			if v := extractFlowRunID(nested); v != "" {
				return v
			}
		}
	}
	return ""
}
