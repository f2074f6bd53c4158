// Package message defines the wire types relayed between tabs: the Message
// payload, its routing Envelope, and id generation. A Message is immutable
// once created; its ID is the deduplication key end-to-end.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lessonpipe/lessonpipe/internal/role"
)

// Kind classifies a message. Some kinds carry content, others exist purely
// as synchronization signals between roles.
type Kind string

const (
	KindPrompt          Kind = "prompt"
	KindAIReply         Kind = "ai_reply"
	KindStudentResponse Kind = "student_response"
	KindLessonPackage   Kind = "lesson_package"
	KindTurnFinished    Kind = "teacher_turn_finished"
	KindRulePrompt      Kind = "rule_prompt"
	KindTextbookContent Kind = "textbook_content"
	KindKickoffPrompt   Kind = "kickoff_prompt"
	KindStatus          Kind = "status"
)

// Meta carries routing and lesson-identity metadata alongside the text.
type Meta struct {
	FlowRunID    string          `json:"flow_run_id,omitempty"`
	BookType     string          `json:"book_type,omitempty"`
	PackageID    string          `json:"package_id,omitempty"`
	SegmentID    string          `json:"segment_id,omitempty"`
	SourceRole   string          `json:"source_role,omitempty"`
	SourcePage   string          `json:"source_page,omitempty"`
	AudioRef     string          `json:"audio_ref,omitempty"`
	ConnectID    string          `json:"connect_id,omitempty"`
	ChapterID    string          `json:"chapter_id,omitempty"`
	TextbookID   string          `json:"textbook_id,omitempty"`
	OrderFlag    string          `json:"order_flag,omitempty"`
	Injected     bool            `json:"injected,omitempty"`
	InjectedBy   string          `json:"injected_by,omitempty"`
	Finalized    bool            `json:"finalized,omitempty"`
	TsMs         int64           `json:"ts_ms,omitempty"`
	DelayAfterMs int             `json:"delay_after_ms,omitempty"`
	Flags        map[string]bool `json:"flags,omitempty"`
}

// Message is the unit of content relayed between tabs.
type Message struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
	Meta Meta   `json:"meta,omitempty"`
}

// Envelope is what the router queues: a message plus its route.
type Envelope struct {
	From    role.Role `json:"from"`
	To      role.Role `json:"to"`
	Message Message   `json:"message"`
}

// NewID returns a unique client-generated id like "msg-1717171717171-a1b2c3d4".
// The timestamp prefix keeps ids roughly sortable in logs.
func NewID(prefix string) string {
	if prefix == "" {
		prefix = "msg"
	}
	frag := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), frag)
}

// NowMs returns the current wall clock in unix milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
