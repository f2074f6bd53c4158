// Package redisstore provides an optional Redis client for state that
// should outlive a single process tick: lesson dedup keys and the session
// mirror.
//
// Graceful fallback: when Redis is unavailable every operation returns a
// zero value instead of failing, and callers keep working off their
// in-memory state. Losing persistence degrades dedup to per-process, it
// never blocks the pipeline.
package redisstore

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	KeySent    = "sent:"    // lesson dedup keys
	KeySession = "session:" // walkie session mirror
)

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port; empty disables Redis entirely
	Password string
	DB       int
}

// Store wraps a Redis connection with graceful degradation.
type Store struct {
	client *redis.Client
}

// Open connects to Redis. A nil *Store (or a failed connection) is valid:
// all methods no-op.
func Open(cfg Config) *Store {
	if cfg.URL == "" {
		log.Println("[Redis] URL not configured, dedup keys stay in memory")
		return &Store{}
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Printf("[Redis] invalid URL: %v", err)
		return &Store{}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		log.Printf("[Redis] connection failed, falling back to memory: %v", err)
		return &Store{}
	}

	log.Println("[Redis] connected")
	return &Store{client: c}
}

// Close releases the connection.
func (s *Store) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// Available reports whether Redis is usable.
func (s *Store) Available() bool {
	return s != nil && s.client != nil
}

// SetNX sets key if absent, with TTL. Returns whether the key was newly
// set; (false, false) second value when Redis is unavailable.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (set bool, ok bool) {
	if !s.Available() {
		return false, false
	}
	res, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		log.Printf("[Redis] setnx failed (%s): %v", key, err)
		return false, false
	}
	return res, true
}

// Exists reports whether key exists; second value is false when Redis is
// unavailable.
func (s *Store) Exists(ctx context.Context, key string) (exists bool, ok bool) {
	if !s.Available() {
		return false, false
	}
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		log.Printf("[Redis] exists failed (%s): %v", key, err)
		return false, false
	}
	return n > 0, true
}

// Set writes a value with TTL. Returns false on failure.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if !s.Available() {
		return false
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Printf("[Redis] set failed (%s): %v", key, err)
		return false
	}
	return true
}

// Del removes a key. Returns false on failure.
func (s *Store) Del(ctx context.Context, key string) bool {
	if !s.Available() {
		return false
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		log.Printf("[Redis] del failed (%s): %v", key, err)
		return false
	}
	return true
}
