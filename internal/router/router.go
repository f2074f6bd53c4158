// Package router is the central message router: one durable FIFO queue per
// recipient role, the synchronization point between tabs that cannot talk
// to each other directly.
//
// Send appends to the recipient's queue; Drain atomically removes and
// returns the whole queue. Once drained, messages are never redelivered by
// the router; reliability beyond that point belongs to the relay, which
// re-submits envelopes it failed to hand to a tab.
package router

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lessonpipe/lessonpipe/internal/endpointer"
	"github.com/lessonpipe/lessonpipe/internal/eventlog"
	"github.com/lessonpipe/lessonpipe/internal/message"
	"github.com/lessonpipe/lessonpipe/internal/pipeline"
	"github.com/lessonpipe/lessonpipe/internal/role"
	"github.com/lessonpipe/lessonpipe/internal/rules"
	"github.com/lessonpipe/lessonpipe/internal/utils"
)

// AudioCapturer records a short audio clip for a finalized segment and
// returns a reference to it. Implementations wrap whatever capture backend
// the host provides; a nil capturer simply leaves audio_ref empty.
type AudioCapturer interface {
	CaptureSegment(flowRunID, segmentID string) (string, error)
}

// SendResult summarizes what the router did with a message.
type SendResult struct {
	Expanded  bool
	Dropped   bool
	PackageID string
	SegmentID string
	FlowRunID string
	AudioRef  string
}

// Router holds the per-role queues and the server-side message handling.
type Router struct {
	mu     sync.Mutex
	queues map[role.Role][]message.Envelope

	events  *eventlog.Log
	tracker *pipeline.Tracker
	rules   *rules.Store
	audio   AudioCapturer

	// onEnqueue, when set, is called (outside the lock) after messages are
	// queued for a role so the relay can poll immediately.
	onEnqueue func(role.Role)
}

// New creates a router with empty queues for every routable role.
func New(events *eventlog.Log, tracker *pipeline.Tracker, ruleStore *rules.Store, audio AudioCapturer) *Router {
	queues := make(map[role.Role][]message.Envelope, len(role.All))
	for _, r := range role.All {
		queues[r] = nil
	}
	return &Router{
		queues:  queues,
		events:  events,
		tracker: tracker,
		rules:   ruleStore,
		audio:   audio,
	}
}

// SetEnqueueHook registers the relay's poll kick. Must be called before the
// router starts receiving traffic.
func (r *Router) SetEnqueueHook(fn func(role.Role)) { r.onEnqueue = fn }

// Send routes one message. Lesson packages addressed to the AI role are
// expanded into rule/content/kickoff prompts; student responses go through
// noise filtering and normalization; everything else is enqueued as-is.
func (r *Router) Send(from, to role.Role, msg message.Message) (SendResult, error) {
	if !to.Routable() {
		r.events.Warn("send_message_invalid_receiver", map[string]any{
			"sender": from.String(), "receiver": to.String(),
		})
		return SendResult{}, fmt.Errorf("receiver %q unknown", to)
	}

	r.events.Info("send_message", map[string]any{
		"from":        from.String(),
		"to":          to.String(),
		"message_id":  msg.ID,
		"kind":        string(msg.Kind),
		"flow_run_id": msg.Meta.FlowRunID,
		"text_len":    len(msg.Text),
	})

	if to == role.AI {
		switch msg.Kind {
		case message.KindLessonPackage:
			pkgID, err := r.expandLessonPackage(from, msg)
			if err != nil {
				r.events.Warn("lesson_package_expand_failed", map[string]any{
					"from": from.String(), "error": err.Error(),
				})
				return SendResult{}, err
			}
			return SendResult{Expanded: true, PackageID: pkgID}, nil

		case message.KindStudentResponse:
			return r.handleStudentResponse(from, msg)
		}
	}

	r.enqueue(to, from, msg)
	return SendResult{FlowRunID: msg.Meta.FlowRunID}, nil
}

// Drain atomically removes and returns every queued envelope for to.
// A second immediate Drain returns nil.
func (r *Router) Drain(to role.Role) []message.Envelope {
	r.mu.Lock()
	out := r.queues[to]
	r.queues[to] = nil
	r.mu.Unlock()

	if len(out) > 0 {
		r.events.Info("get_messages", map[string]any{
			"receiver": to.String(), "count": len(out),
		})
	}
	return out
}

// Requeue puts an envelope back at the tail of its recipient's queue.
// Fresh sends that arrived in the meantime end up ahead of it; callers that
// need failed deliveries to keep their place use RequeueFront.
func (r *Router) Requeue(env message.Envelope) {
	r.enqueue(env.To, env.From, env.Message)
}

// RequeueFront puts undelivered envelopes back at the head of their
// recipient's queue, in their original order, ahead of anything queued
// while delivery was failing. All envelopes must share a recipient.
func (r *Router) RequeueFront(envs []message.Envelope) {
	if len(envs) == 0 {
		return
	}
	to := envs[0].To

	r.mu.Lock()
	restored := make([]message.Envelope, 0, len(envs)+len(r.queues[to]))
	restored = append(restored, envs...)
	restored = append(restored, r.queues[to]...)
	r.queues[to] = restored
	depth := len(restored)
	r.mu.Unlock()

	r.events.Info("requeue_front", map[string]any{
		"to":        to.String(),
		"count":     len(envs),
		"queue_len": depth,
	})

	if r.onEnqueue != nil {
		r.onEnqueue(to)
	}
}

// QueueLens reports the current queue depth per role.
func (r *Router) QueueLens() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.queues))
	for rl, q := range r.queues {
		out[rl.String()] = len(q)
	}
	return out
}

// InjectStudentText builds a normalized injected student response and feeds
// it through the regular student-response path, bypassing the STT tab.
func (r *Router) InjectStudentText(text, flowRunID, injectedBy string) (SendResult, error) {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return SendResult{}, fmt.Errorf("missing text")
	}
	if injectedBy == "" {
		injectedBy = "launcher"
	}
	msg := message.Message{
		ID:   message.NewID("seg"),
		Kind: message.KindStudentResponse,
		Text: clean,
		Meta: message.Meta{
			FlowRunID:  r.events.SafeRunID(flowRunID),
			SourceRole: role.STT.String(),
			SourcePage: "launcher_inject_text",
			Injected:   true,
			InjectedBy: injectedBy,
			TsMs:       message.NowMs(),
		},
	}
	msg.Meta.SegmentID = msg.ID

	res, err := r.handleStudentResponse(role.STT, msg)
	if err != nil {
		return res, err
	}
	r.events.Info("injection_text_sent", map[string]any{
		"flow_run_id": res.FlowRunID,
		"segment_id":  res.SegmentID,
		"text_len":    len(clean),
		"injected_by": injectedBy,
		"dropped":     res.Dropped,
	})
	return res, nil
}

func (r *Router) enqueue(to, from role.Role, msg message.Message) {
	env := message.Envelope{From: from, To: to, Message: msg}

	r.mu.Lock()
	r.queues[to] = append(r.queues[to], env)
	depth := len(r.queues[to])
	r.mu.Unlock()

	r.events.Info("enqueue", map[string]any{
		"to":          to.String(),
		"from":        from.String(),
		"queue_len":   depth,
		"message_id":  msg.ID,
		"kind":        string(msg.Kind),
		"flow_run_id": msg.Meta.FlowRunID,
	})

	if r.onEnqueue != nil {
		r.onEnqueue(to)
	}
}

// expandLessonPackage splits a lesson package into the three prompts the AI
// tab actually types: teaching rules, textbook content, kickoff. Queued in
// that order on the AI queue (FIFO preserves it downstream).
func (r *Router) expandLessonPackage(from role.Role, msg message.Message) (string, error) {
	bookType := rules.SafeBookKey(msg.Meta.BookType)
	text := strings.TrimSpace(msg.Text)
	if bookType == "" || text == "" {
		return "", fmt.Errorf("invalid lesson package")
	}

	pkgID := msg.Meta.PackageID
	if pkgID == "" {
		pkgID = msg.ID
	}
	if pkgID == "" {
		pkgID = message.NewID("pkg")
	}

	meta := msg.Meta
	meta.BookType = bookType
	meta.PackageID = pkgID

	rulePayload := message.Message{
		ID:   message.NewID("rule"),
		Kind: message.KindRulePrompt,
		Text: r.rules.RuleTextOrDefault(bookType),
		Meta: meta,
	}
	rulePayload.Meta.DelayAfterMs = 1000
	rulePayload.Meta.Flags = map[string]bool{"special": true, "no_return_expected": true}

	contentPayload := message.Message{
		ID:   message.NewID("textbook"),
		Kind: message.KindTextbookContent,
		Text: text,
		Meta: meta,
	}
	contentPayload.Meta.Flags = map[string]bool{"special": true, "no_return_expected": true}

	kickoffPayload := message.Message{
		ID:   message.NewID("kickoff"),
		Kind: message.KindKickoffPrompt,
		Text: r.rules.KickoffTextOrDefault(bookType),
		Meta: meta,
	}
	kickoffPayload.Meta.Flags = map[string]bool{"special": true}

	r.enqueue(role.AI, role.System, rulePayload)
	r.enqueue(role.AI, role.System, contentPayload)
	r.enqueue(role.AI, role.System, kickoffPayload)

	r.events.Info("lesson_package_expanded", map[string]any{
		"sender":      from.String(),
		"book_type":   bookType,
		"package_id":  pkgID,
		"flow_run_id": meta.FlowRunID,
		"rule_id":     rulePayload.ID,
		"content_id":  contentPayload.ID,
		"kickoff_id":  kickoffPayload.ID,
		"text_len":    len(text),
	})
	return pkgID, nil
}

// handleStudentResponse normalizes a finalized STT segment, drops noise,
// captures audio when a capturer is wired, and forwards the result to the
// AI role.
func (r *Router) handleStudentResponse(from role.Role, msg message.Message) (SendResult, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return SendResult{}, fmt.Errorf("missing text")
	}

	segmentID := msg.Meta.SegmentID
	if segmentID == "" {
		segmentID = msg.ID
	}
	if segmentID == "" {
		segmentID = message.NewID("seg")
	}
	flowRunID := r.events.SafeRunID(msg.Meta.FlowRunID)
	injected := msg.Meta.Injected

	sourceRole := msg.Meta.SourceRole
	if sourceRole == "" {
		sourceRole = from.String()
	}
	sourcePage := msg.Meta.SourcePage
	if sourcePage == "" {
		if injected {
			sourcePage = "launcher"
		} else {
			sourcePage = "speechtexter"
		}
	}

	if endpointer.LooksLikeNoise(text) {
		r.tracker.Upsert(segmentID, pipeline.Update{
			FlowRunID:  flowRunID,
			Text:       text,
			Status:     pipeline.StatusDropped,
			SourceRole: sourceRole,
			SourcePage: sourcePage,
			Injected:   injected,
		})
		r.events.Warn("student_response_dropped_noise", map[string]any{
			"from":        from.String(),
			"flow_run_id": flowRunID,
			"segment_id":  segmentID,
			"text":        utils.TruncateString(text, 200, "…"),
			"text_len":    len(text),
			"injected":    injected,
		})
		return SendResult{Dropped: true, SegmentID: segmentID, FlowRunID: flowRunID}, nil
	}

	audioRef := msg.Meta.AudioRef
	if audioRef == "" && r.audio != nil {
		ref, err := r.audio.CaptureSegment(flowRunID, segmentID)
		if err != nil {
			r.events.Warn("audio_segment_capture_failed", map[string]any{
				"flow_run_id": flowRunID, "segment_id": segmentID, "error": err.Error(),
			})
		} else {
			audioRef = ref
		}
	}

	payload := message.Message{
		ID:   segmentID,
		Kind: message.KindStudentResponse,
		Text: text,
		Meta: message.Meta{
			FlowRunID:  flowRunID,
			SegmentID:  segmentID,
			SourceRole: sourceRole,
			SourcePage: sourcePage,
			AudioRef:   audioRef,
			Injected:   injected,
			InjectedBy: msg.Meta.InjectedBy,
			Finalized:  true,
			TsMs:       message.NowMs(),
		},
	}

	r.tracker.Upsert(segmentID, pipeline.Update{
		FlowRunID:  flowRunID,
		Text:       text,
		AudioRef:   audioRef,
		Status:     pipeline.StatusTranscribed,
		SourceRole: sourceRole,
		SourcePage: sourcePage,
		Injected:   injected,
	})
	r.events.Info("stt_segment_finalized", map[string]any{
		"from":        from.String(),
		"flow_run_id": flowRunID,
		"segment_id":  segmentID,
		"audio_ref":   audioRef,
		"text":        utils.TruncateString(text, 200, "…"),
		"text_len":    len(text),
		"injected":    injected,
	})

	r.enqueue(role.AI, from, payload)
	r.tracker.Upsert(segmentID, pipeline.Update{Status: pipeline.StatusSent})
	r.events.Info("student_response_sent", map[string]any{
		"from":        from.String(),
		"flow_run_id": flowRunID,
		"segment_id":  segmentID,
		"text_len":    len(text),
		"injected":    injected,
	})

	return SendResult{SegmentID: segmentID, FlowRunID: flowRunID, AudioRef: audioRef}, nil
}
