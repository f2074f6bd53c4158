// Package tabs runs the per-tab pipeline client: it attaches a browser tab
// to the router, pulls envelopes for the tab's role, and turns them into
// gated UI actions against the site the tab shows.
package tabs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/client"
	"github.com/lessonpipe/lessonpipe/internal/dedup"
	"github.com/lessonpipe/lessonpipe/internal/endpointer"
	"github.com/lessonpipe/lessonpipe/internal/gate"
	"github.com/lessonpipe/lessonpipe/internal/lessonflow"
	"github.com/lessonpipe/lessonpipe/internal/message"
	"github.com/lessonpipe/lessonpipe/internal/role"
	"github.com/lessonpipe/lessonpipe/internal/sendchain"
)

// SiteAdapter drives one site's UI. Implementations wrap whatever
// automation bridge controls the actual page.
type SiteAdapter interface {
	// SubmitPrompt types text into the site's input and submits it.
	SubmitPrompt(ctx context.Context, text string) error
	// GenerationActive reports whether the site is still producing output.
	GenerationActive(ctx context.Context) (bool, error)
	// ReplyText scrapes the site's latest completed reply.
	ReplyText(ctx context.Context) (string, error)
}

// Config configures a tab runtime.
type Config struct {
	Role         role.Role
	RouterURL    string
	Adapter      SiteAdapter
	PollInterval time.Duration // queue poll spacing (default 1s)
	ReplyTimeout time.Duration // wait ceiling for a site reply (default 120s)
	RecentIDCap  int           // inbound dedup capacity (default 300)
	ForceFree    bool          // gate override for sites with no busy signal
}

// Runtime is one tab's pipeline client.
type Runtime struct {
	role    role.Role
	client  *client.Client
	adapter SiteAdapter
	gate    *gate.Gate
	chain   *sendchain.Chain
	recent  *dedup.RecentIDs

	pollInterval time.Duration
	replyTimeout time.Duration

	// stt tabs only
	end *endpointer.Endpointer
	// class tabs only
	flow *lessonflow.Machine
}

// New builds a runtime for cfg.Role. The endpointer (stt) and lesson flow
// (class) are attached separately by the caller that owns their wiring.
func New(cfg Config) (*Runtime, error) {
	if !cfg.Role.Routable() {
		return nil, fmt.Errorf("tabs: role %q cannot attach", cfg.Role)
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("tabs: adapter is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 120 * time.Second
	}
	if cfg.RecentIDCap <= 0 {
		cfg.RecentIDCap = 300
	}

	rt := &Runtime{
		role:         cfg.Role,
		client:       client.New(cfg.RouterURL),
		adapter:      cfg.Adapter,
		gate:         gate.New(cfg.Role, cfg.ForceFree),
		recent:       dedup.NewRecentIDs(cfg.RecentIDCap),
		pollInterval: cfg.PollInterval,
		replyTimeout: cfg.ReplyTimeout,
	}
	rt.chain = sendchain.New(cfg.Role, rt.gate, sendchain.Config{
		Streaming: func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			active, err := cfg.Adapter.GenerationActive(ctx)
			return err == nil && active
		},
	})
	return rt, nil
}

// AttachEndpointer wires the STT segmentation machine. Flushed segments go
// to the router as student responses.
func (rt *Runtime) AttachEndpointer(cfg endpointer.Config) *endpointer.Endpointer {
	rt.end = endpointer.New(cfg, func(seg endpointer.Segment) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		msg := message.Message{
			ID:   message.NewID("seg"),
			Kind: message.KindStudentResponse,
			Text: seg.Text,
			Meta: message.Meta{
				SourceRole: string(rt.role),
				Finalized:  true,
				TsMs:       message.NowMs(),
			},
		}
		if _, err := rt.client.SendMessage(ctx, rt.role, role.AI, msg); err != nil {
			log.Printf("[Tab:%s] student response send failed: %v", rt.role, err)
		}
	})
	return rt.end
}

// AttachLessonFlow wires the class tab's lesson flow machine.
func (rt *Runtime) AttachLessonFlow(m *lessonflow.Machine) { rt.flow = m }

// Gate exposes the tab's traffic gate.
func (rt *Runtime) Gate() *gate.Gate { return rt.gate }

// Run polls the router, dispatches envelopes, and drives the send chain
// until ctx is canceled.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.chain.Start(ctx)
	if rt.end != nil {
		go rt.end.Run(ctx.Done())
	}
	go rt.busyMonitor(ctx)

	log.Printf("[Tab:%s] 🔗 attached, polling %s", rt.role, rt.pollInterval)
	ticker := time.NewTicker(rt.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			envs, err := rt.client.GetMessages(ctx, rt.role)
			if err != nil {
				log.Printf("[Tab:%s] poll failed: %v", rt.role, err)
				continue
			}
			for _, env := range envs {
				rt.Handle(ctx, env)
			}
		}
	}
}

// Handle processes one inbound envelope. Safe under at-least-once
// redelivery: duplicates by message id are suppressed.
func (rt *Runtime) Handle(ctx context.Context, env message.Envelope) {
	if env.To != rt.role {
		return
	}
	if env.Message.ID != "" && rt.recent.Seen(env.Message.ID) {
		log.Printf("[Tab:%s] duplicate message %s suppressed", rt.role, env.Message.ID)
		return
	}

	switch env.Message.Kind {
	case message.KindPrompt, message.KindRulePrompt, message.KindTextbookContent, message.KindKickoffPrompt:
		rt.enqueuePrompt(env)
	case message.KindAIReply:
		rt.enqueueSpeak(env)
	case message.KindTurnFinished:
		rt.handleTurnFinished()
	case message.KindStatus:
		if rt.flow != nil {
			rt.flow.Ack()
		}
	default:
		log.Printf("[Tab:%s] ignoring envelope kind %q", rt.role, env.Message.Kind)
	}
}

// enqueuePrompt submits text to the site and, unless the message is marked
// no-reply, waits for the generated answer and forwards it.
func (rt *Runtime) enqueuePrompt(env message.Envelope) {
	msg := env.Message
	expectReply := !msg.Meta.Flags["no_return_expected"]

	rt.chain.Enqueue(sendchain.Action{
		ID:         msg.ID,
		DelayAfter: time.Duration(msg.Meta.DelayAfterMs) * time.Millisecond,
		Run: func(ctx context.Context) error {
			if err := rt.adapter.SubmitPrompt(ctx, msg.Text); err != nil {
				return fmt.Errorf("submit prompt: %w", err)
			}
			if !expectReply {
				return nil
			}

			reply, err := rt.awaitReply(ctx)
			if err != nil {
				rt.logEvent(ctx, "reply_wait_failed", map[string]any{
					"message_id": msg.ID,
					"error":      err.Error(),
				}, "warn")
				return err
			}

			out := message.Message{
				ID:   message.NewID("reply"),
				Kind: message.KindAIReply,
				Text: reply,
				Meta: message.Meta{
					FlowRunID:  msg.Meta.FlowRunID,
					SourceRole: string(rt.role),
					TsMs:       message.NowMs(),
				},
			}
			if _, err := rt.client.SendMessage(ctx, rt.role, role.Teacher, out); err != nil {
				return fmt.Errorf("forward reply: %w", err)
			}
			return nil
		},
	})
}

// enqueueSpeak plays an AI reply through the avatar site, then signals the
// student side that the turn is over.
func (rt *Runtime) enqueueSpeak(env message.Envelope) {
	msg := env.Message
	rt.chain.Enqueue(sendchain.Action{
		ID: msg.ID,
		Run: func(ctx context.Context) error {
			if err := rt.adapter.SubmitPrompt(ctx, msg.Text); err != nil {
				return fmt.Errorf("speak reply: %w", err)
			}
			if err := rt.waitNotGenerating(ctx); err != nil {
				return err
			}

			done := message.Message{
				ID:   message.NewID("turn"),
				Kind: message.KindTurnFinished,
				Meta: message.Meta{
					FlowRunID:  msg.Meta.FlowRunID,
					SourceRole: string(rt.role),
					TsMs:       message.NowMs(),
				},
			}
			if _, err := rt.client.SendMessage(ctx, rt.role, role.STT, done); err != nil {
				return fmt.Errorf("signal turn finished: %w", err)
			}
			return nil
		},
	})
}

func (rt *Runtime) handleTurnFinished() {
	if rt.end != nil {
		rt.end.TurnFinished()
	}
	rt.gate.SetFree()
	log.Printf("[Tab:%s] turn finished, listening again", rt.role)
}

// awaitReply waits for generation to start and stop, then scrapes the
// reply. Bounded by the reply timeout.
func (rt *Runtime) awaitReply(ctx context.Context) (string, error) {
	wait, cancel := context.WithTimeout(ctx, rt.replyTimeout)
	defer cancel()

	// Give the site a moment to start before watching for it to stop.
	select {
	case <-wait.Done():
		return "", wait.Err()
	case <-time.After(1500 * time.Millisecond):
	}
	if err := rt.waitNotGeneratingIn(wait); err != nil {
		return "", err
	}

	reply, err := rt.adapter.ReplyText(wait)
	if err != nil {
		return "", fmt.Errorf("scrape reply: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", fmt.Errorf("empty reply from site")
	}
	return reply, nil
}

func (rt *Runtime) waitNotGenerating(ctx context.Context) error {
	wait, cancel := context.WithTimeout(ctx, rt.replyTimeout)
	defer cancel()
	return rt.waitNotGeneratingIn(wait)
}

func (rt *Runtime) waitNotGeneratingIn(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		active, err := rt.adapter.GenerationActive(ctx)
		if err == nil && !active {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for generation to finish: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// busyMonitor mirrors the site's generation state onto the traffic gate.
func (rt *Runtime) busyMonitor(ctx context.Context) {
	if rt.gate.Forced() {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe, cancel := context.WithTimeout(ctx, 2*time.Second)
			active, err := rt.adapter.GenerationActive(probe)
			cancel()
			if err != nil {
				continue
			}
			if active {
				rt.gate.SetBusy()
			} else {
				rt.gate.SetFree()
			}
		}
	}
}

// FeedFinalResult forwards an indexed STT final result to the endpointer.
func (rt *Runtime) FeedFinalResult(index int, text string, confidence float64) {
	if rt.end != nil {
		rt.end.AddFinalResult(index, text, confidence)
	}
}

// FeedBuffer forwards the raw live transcript buffer to the endpointer.
func (rt *Runtime) FeedBuffer(raw string) {
	if rt.end != nil {
		rt.end.UpdateBuffer(raw)
	}
}

func (rt *Runtime) logEvent(ctx context.Context, event string, data map[string]any, level string) {
	if data == nil {
		data = map[string]any{}
	}
	data["event"] = event
	if err := rt.client.LogEvent(ctx, "tab:"+string(rt.role), data, level); err != nil {
		log.Printf("[Tab:%s] log_event failed: %v", rt.role, err)
	}
}
