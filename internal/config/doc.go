// Package config handles configuration loading, saving, and schema definition.
package config

// Config is the top-level lessonpipe configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Redis      RedisConfig      `json:"redis"`
	Walkie     WalkieConfig     `json:"walkie"`
	Tab        TabConfig        `json:"tab"`
	Endpointer EndpointerConfig `json:"endpointer"`
	Lesson     LessonConfig     `json:"lesson"`
}

// ServerConfig holds router service settings.
type ServerConfig struct {
	Port     int    `json:"port,omitempty"`
	LogsDir  string `json:"logsDir,omitempty"`  // per-run event log files
	BooksDir string `json:"booksDir,omitempty"` // rule/kickoff prompt texts + books.yaml
	AudioDir string `json:"audioDir,omitempty"` // captured segment audio
}

// RedisConfig holds the optional durable-dedup backend settings.
// Leave URL empty to run without Redis; dedup degrades to memory only.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// WalkieConfig holds pairing-relay settings.
type WalkieConfig struct {
	Enabled    bool `json:"enabled,omitempty"`
	TTLSeconds int  `json:"ttlSeconds,omitempty"`
}

// TabConfig holds tab-runtime settings.
type TabConfig struct {
	RouterURL      string `json:"routerUrl,omitempty"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty"`
	ReplyTimeoutS  int    `json:"replyTimeoutS,omitempty"`
	RecentIDCap    int    `json:"recentIdCap,omitempty"`
}

// EndpointerConfig holds STT segmentation tunables, in milliseconds.
type EndpointerConfig struct {
	MergeWindowMs    int `json:"mergeWindowMs,omitempty"`
	IdleCompleteMs   int `json:"idleCompleteMs,omitempty"`
	IdleIncompleteMs int `json:"idleIncompleteMs,omitempty"`
	MaxHoldMs        int `json:"maxHoldMs,omitempty"`
}

// LessonConfig holds lesson flow settings.
type LessonConfig struct {
	PollIntervalMs int `json:"pollIntervalMs,omitempty"`
	MaxPolls       int `json:"maxPolls,omitempty"`
	AckTimeoutS    int `json:"ackTimeoutS,omitempty"`
	DedupTTLHours  int `json:"dedupTtlHours,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:     5000,
			LogsDir:  "logs",
			BooksDir: "books",
			AudioDir: "audio",
		},
		Walkie: WalkieConfig{
			Enabled:    true,
			TTLSeconds: 1800,
		},
		Tab: TabConfig{
			RouterURL:      "http://127.0.0.1:5000",
			PollIntervalMs: 1000,
			ReplyTimeoutS:  120,
			RecentIDCap:    300,
		},
		Endpointer: EndpointerConfig{
			MergeWindowMs:    20000,
			IdleCompleteMs:   4200,
			IdleIncompleteMs: 45000,
			MaxHoldMs:        60000,
		},
		Lesson: LessonConfig{
			PollIntervalMs: 1000,
			MaxPolls:       30,
			AckTimeoutS:    90,
			DedupTTLHours:  24,
		},
	}
}
