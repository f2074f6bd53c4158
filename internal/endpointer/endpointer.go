// Package endpointer turns the noisy stream of partial and final transcript
// fragments coming off an STT page into discrete, well-formed student
// turns.
//
// Transcription engines emit overlapping "final result #N" fragments plus a
// live-updating buffer. The endpointer deduplicates indexed results
// monotonically, falls back to diffing the raw buffer when indexed results
// stall, merges fragments into a held segment, and flushes on idle, with a
// much longer grace when the joined text still looks mid-thought, so a
// natural pause never cuts a student off. One flushed turn locks the
// endpointer until the peer role signals the teacher's turn is finished;
// transcript activity during that window is cross-talk and is discarded.
package endpointer

import (
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Part is one accepted transcript fragment.
type Part struct {
	Text       string
	Confidence float64
	Ts         time.Time
	Source     string // "indexed" or "buffer"
}

// Segment is a finalized student turn.
type Segment struct {
	Text      string
	StartedTs time.Time
	EndedTs   time.Time
	PartCount int
}

// Emit receives finalized segments.
type Emit func(seg Segment)

// Config holds the endpointer tunables. Zero values get the defaults
// listed per field.
type Config struct {
	MergeWindow    time.Duration // append window after the last fragment (20s)
	IdleComplete   time.Duration // idle before flushing complete-looking text (4.2s)
	IdleIncomplete time.Duration // idle grace for mid-thought text (45s)
	MaxHold        time.Duration // absolute hold ceiling per segment (60s)
	BufferStall    time.Duration // indexed-result silence before buffer diffing kicks in (5s)
	Now            func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MergeWindow <= 0 {
		c.MergeWindow = 20 * time.Second
	}
	if c.IdleComplete <= 0 {
		c.IdleComplete = 4200 * time.Millisecond
	}
	if c.IdleIncomplete <= 0 {
		c.IdleIncomplete = 45 * time.Second
	}
	if c.MaxHold <= 0 {
		c.MaxHold = 60 * time.Second
	}
	if c.BufferStall <= 0 {
		c.BufferStall = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Endpointer is the per-tab segmentation state machine.
type Endpointer struct {
	mu   sync.Mutex
	cfg  Config
	emit Emit

	// pending segment
	pending bool
	parts   []Part
	started time.Time
	last    time.Time

	// waiting for the peer's explicit turn-finished signal
	waiting bool

	// indexed-result dedup
	lastIndex     int
	seenResults   map[string]struct{}
	lastIndexedAt time.Time

	// raw buffer diff fallback
	lastBuffer string
}

// New creates an endpointer delivering finalized segments to emit.
func New(cfg Config, emit Emit) *Endpointer {
	cfg.applyDefaults()
	return &Endpointer{
		cfg:         cfg,
		emit:        emit,
		lastIndex:   -1,
		seenResults: make(map[string]struct{}),
	}
}

// AddFinalResult ingests one indexed final result from the engine.
// Duplicates (same index and text) are suppressed; an index lower than the
// highest seen means the engine restarted, which clears the dedup state.
func (e *Endpointer) AddFinalResult(index int, text string, confidence float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := resultKey(index, text)
	if _, dup := e.seenResults[key]; dup {
		return
	}
	if index < e.lastIndex {
		// Engine restarted: stale indexes would otherwise shadow new speech.
		log.Printf("[Endpointer] result index reset (%d -> %d), clearing dedup state", e.lastIndex, index)
		e.seenResults = make(map[string]struct{})
		e.lastBuffer = ""
	}
	e.seenResults[key] = struct{}{}
	e.lastIndex = index
	e.lastIndexedAt = e.cfg.Now()

	e.ingestLocked(text, confidence, "indexed")
}

// UpdateBuffer ingests the raw live buffer. Only the suffix beyond the
// previously seen buffer is considered, and only once indexed results have
// stalled; the buffer is the fallback channel, not the primary one.
func (e *Endpointer) UpdateBuffer(raw string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == e.lastBuffer {
		return
	}
	if len(raw) < len(e.lastBuffer)/2 {
		// Buffer shrank hard: page cleared it. Start tracking fresh.
		e.lastBuffer = raw
		return
	}

	delta := bufferDelta(e.lastBuffer, raw)
	e.lastBuffer = raw
	if delta == "" {
		return
	}

	now := e.cfg.Now()
	if !e.lastIndexedAt.IsZero() && now.Sub(e.lastIndexedAt) < e.cfg.BufferStall {
		// Indexed results are flowing; they will carry this text.
		return
	}
	e.ingestLocked(delta, 0, "buffer")
}

// ingestLocked merges one fragment into the pending segment.
func (e *Endpointer) ingestLocked(text string, confidence float64, source string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if e.waiting {
		// Cross-talk during the teacher's turn. Discarded, not queued.
		return
	}

	now := e.cfg.Now()
	if e.pending && now.Sub(e.last) > e.cfg.MergeWindow {
		// New speech past the merge window finalizes the held segment first.
		e.flushLocked("merge_window_elapsed")
		if e.waiting {
			return
		}
	}

	if !e.pending {
		e.pending = true
		e.parts = e.parts[:0]
		e.started = now
	}
	e.parts = append(e.parts, Part{Text: text, Confidence: confidence, Ts: now, Source: source})
	e.last = now
}

// Tick advances the timers; call it on a short interval (~250ms).
func (e *Endpointer) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.pending {
		return
	}
	now := e.cfg.Now()
	idle := now.Sub(e.last)
	held := now.Sub(e.started)

	required := e.cfg.IdleIncomplete
	if LooksComplete(e.joinedLocked()) {
		required = e.cfg.IdleComplete
	}

	switch {
	case held >= e.cfg.MaxHold:
		e.flushLocked("max_hold")
	case idle >= required:
		e.flushLocked("idle")
	}
}

// Run drives Tick on a ticker until done is closed.
func (e *Endpointer) Run(done <-chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// TurnFinished handles the peer's explicit unlock signal: clears the
// waiting lock and any stale partial buffer, returning to listening.
func (e *Endpointer) TurnFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiting = false
	e.pending = false
	e.parts = e.parts[:0]
	e.lastBuffer = ""
}

// Stop discards any held segment without emitting (explicit flow stop).
func (e *Endpointer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = false
	e.parts = e.parts[:0]
	e.waiting = false
	e.lastBuffer = ""
}

// Waiting reports whether a flushed turn is awaiting the peer's
// turn-finished signal.
func (e *Endpointer) Waiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiting
}

func (e *Endpointer) flushLocked(reason string) {
	text := e.joinedLocked()
	count := len(e.parts)
	started := e.started
	e.pending = false
	e.parts = e.parts[:0]

	if LooksLikeNoise(text) {
		log.Printf("[Endpointer] dropped noise segment (%s): %q", reason, text)
		return
	}

	seg := Segment{
		Text:      text,
		StartedTs: started,
		EndedTs:   e.cfg.Now(),
		PartCount: count,
	}
	e.waiting = true
	log.Printf("[Endpointer] flushed segment (%s, %d parts, %d chars)", reason, count, len(text))

	if e.emit != nil {
		// Emit without the lock: the sink may call back into us.
		go e.emit(seg)
	}
}

// joinedLocked merges the accepted parts into one transcript. Engines often
// re-emit the whole utterance so far, so a part that extends the running
// text replaces it rather than being appended.
func (e *Endpointer) joinedLocked() string {
	out := ""
	for _, p := range e.parts {
		out = mergeTexts(out, p.Text)
	}
	return strings.TrimSpace(out)
}

func mergeTexts(current, next string) string {
	cur := strings.TrimSpace(current)
	nxt := strings.TrimSpace(next)
	if cur == "" {
		return nxt
	}
	if nxt == "" {
		return cur
	}
	cl, nl := strings.ToLower(cur), strings.ToLower(nxt)
	if strings.HasPrefix(nl, cl) {
		// next is a fuller re-emission of the same utterance
		return nxt
	}
	if strings.HasPrefix(cl, nl) || strings.Contains(cl, nl) {
		// next is a stale duplicate of something already captured
		return cur
	}
	return cur + " " + nxt
}

// bufferDelta returns what raw adds beyond prev, aligned on the longest
// common prefix.
func bufferDelta(prev, raw string) string {
	i := 0
	for i < len(prev) && i < len(raw) && prev[i] == raw[i] {
		i++
	}
	return strings.TrimSpace(raw[i:])
}

func resultKey(index int, text string) string {
	return strings.TrimSpace(strings.ToLower(text)) + "#" + strconv.Itoa(index)
}
