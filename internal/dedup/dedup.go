// Package dedup prevents double-delivery and double-action under
// at-least-once redelivery.
//
// Two tiers: RecentIDs is a transient bounded set of recently seen message
// ids (inbound suppression inside a tab), and SentKeys is the durable
// "already sent" ledger for lesson packages, persisted to Redis when
// available so a retried send after a reload never double-delivers within
// the same logical run.
package dedup

import (
	"context"
	"crypto/md5"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/redisstore"
)

// RecentIDs is a bounded recently-seen-id set with oldest-first eviction.
type RecentIDs struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string
}

// NewRecentIDs creates a set holding at most capacity ids. Zero means 300.
func NewRecentIDs(capacity int) *RecentIDs {
	if capacity <= 0 {
		capacity = 300
	}
	return &RecentIDs{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Seen records id and reports whether it was already present. The first
// call for an id returns false, every later call true.
func (r *RecentIDs) Seen(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	return false
}

// Len returns the current set size.
func (r *RecentIDs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// LessonIdentity is everything known about which lesson a package is for.
// Any field may be empty; the key builder falls back down the precedence
// chain.
type LessonIdentity struct {
	RunID      string
	BookType   string
	ConnectID  string
	TextbookID string
	ChapterID  string
	OrderFlag  string
	Content    string
}

// SentKey builds the composite dedup key for a lesson send. Precedence:
// connect id > textbook id > chapter id > order flag > content hash > date.
// The ordering is heuristic (most-specific identity signal first) and is a
// tunable, not an invariant.
func SentKey(id LessonIdentity) string {
	base := fmt.Sprintf("%s|%s", strings.TrimSpace(id.RunID), strings.TrimSpace(id.BookType))
	switch {
	case id.ConnectID != "":
		return base + "|connect:" + id.ConnectID
	case id.TextbookID != "":
		return base + "|textbook:" + id.TextbookID
	case id.ChapterID != "":
		return base + "|chapter:" + id.ChapterID
	case id.OrderFlag != "":
		return base + "|order:" + id.OrderFlag
	case strings.TrimSpace(id.Content) != "":
		sum := md5.Sum([]byte(strings.TrimSpace(id.Content)))
		return base + fmt.Sprintf("|hash:%x", sum[:8])
	default:
		return base + "|date:" + time.Now().Format("2006-01-02")
	}
}

// SentKeys is the durable already-sent ledger. Redis-backed when available,
// always mirrored in memory so lookups keep working through a Redis outage.
type SentKeys struct {
	mu    sync.Mutex
	local map[string]struct{}
	store *redisstore.Store
	ttl   time.Duration
}

// NewSentKeys creates a ledger. store may be nil (memory only); ttl bounds
// how long a persisted key lives, zero means 24h.
func NewSentKeys(store *redisstore.Store, ttl time.Duration) *SentKeys {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SentKeys{
		local: make(map[string]struct{}),
		store: store,
		ttl:   ttl,
	}
}

// MarkIfNew atomically records key and reports whether it was new. force
// bypasses the check (manual re-send) while still recording the key.
func (s *SentKeys) MarkIfNew(ctx context.Context, key string, force bool) bool {
	s.mu.Lock()
	_, existedLocal := s.local[key]
	s.local[key] = struct{}{}
	s.mu.Unlock()

	existed := existedLocal
	if s.store != nil {
		if set, ok := s.store.SetNX(ctx, redisstore.KeySent+key, "1", s.ttl); ok {
			// Redis is authoritative when reachable: it survives our restart.
			existed = existedLocal || !set
		}
	}

	if force {
		if existed {
			log.Printf("[Dedup] forced re-send for key %s", key)
		}
		return true
	}
	return !existed
}

// Forget removes a key so the next send goes through again.
func (s *SentKeys) Forget(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.local, key)
	s.mu.Unlock()
	if s.store != nil {
		s.store.Del(ctx, redisstore.KeySent+key)
	}
}
