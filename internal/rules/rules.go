// Package rules serves per-book-type prompt texts (teaching rules and
// kickoff prompts) from a rules directory, plus the book registry loaded
// from books.yaml.
//
// Rule files are plain text, looked up by sanitized book key with an
// underscore-stripped fallback, and cached by mtime so edits on disk are
// picked up without a restart.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// BookSpec describes one supported book type (from books.yaml).
type BookSpec struct {
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	RuleFile    string `yaml:"rule_file,omitempty" json:"ruleFile,omitempty"`
	KickoffFile string `yaml:"kickoff_file,omitempty" json:"kickoffFile,omitempty"`
}

type booksFile struct {
	Books []BookSpec `yaml:"books"`
}

// LoadBookSpecs reads and parses a books.yaml file. A missing file is not an
// error; it means every book type falls back to the default prompts.
func LoadBookSpecs(path string) ([]BookSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read books.yaml: %w", err)
	}
	var f booksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse books.yaml: %w", err)
	}
	return f.Books, nil
}

var bookKeyRe = regexp.MustCompile(`[^a-z0-9_]+`)

// SafeBookKey sanitizes a raw book type to a lookup key.
func SafeBookKey(raw string) string {
	return bookKeyRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "")
}

type cachedText struct {
	mtime int64
	text  string
}

// Store resolves rule and kickoff text per book type.
type Store struct {
	dir   string
	specs map[string]BookSpec

	mu    sync.Mutex
	cache map[string]cachedText
}

// NewStore creates a store over dir with optional explicit book specs.
func NewStore(dir string, specs []BookSpec) *Store {
	byKey := make(map[string]BookSpec, len(specs))
	for _, s := range specs {
		if key := SafeBookKey(s.Type); key != "" {
			byKey[key] = s
		}
	}
	return &Store{dir: dir, specs: byKey, cache: make(map[string]cachedText)}
}

// Specs returns the configured book specs keyed by sanitized type.
func (s *Store) Specs() map[string]BookSpec {
	out := make(map[string]BookSpec, len(s.specs))
	for k, v := range s.specs {
		out[k] = v
	}
	return out
}

// RuleText returns the teaching-rule prompt for bookType, or "" when no rule
// file exists.
func (s *Store) RuleText(bookType string) string {
	key := SafeBookKey(bookType)
	if key == "" {
		return ""
	}
	candidates := []string{key + ".txt", strings.ReplaceAll(key, "_", "") + ".txt"}
	if spec, ok := s.specs[key]; ok && spec.RuleFile != "" {
		candidates = append([]string{spec.RuleFile}, candidates...)
	}
	return s.readFirst(candidates)
}

// KickoffText returns the kickoff prompt for bookType, or "".
func (s *Store) KickoffText(bookType string) string {
	key := SafeBookKey(bookType)
	if key == "" {
		return ""
	}
	key2 := strings.ReplaceAll(key, "_", "")
	candidates := []string{
		key + "_kickoff.txt",
		key + "_start.txt",
		key2 + "_kickoff.txt",
		key2 + "_start.txt",
	}
	if spec, ok := s.specs[key]; ok && spec.KickoffFile != "" {
		candidates = append([]string{spec.KickoffFile}, candidates...)
	}
	return s.readFirst(candidates)
}

// RuleTextOrDefault falls back to a generic teaching prompt.
func (s *Store) RuleTextOrDefault(bookType string) string {
	if text := s.RuleText(bookType); text != "" {
		return text
	}
	return fmt.Sprintf("You are an English teacher. Follow the teaching rules for textbook: %s.", SafeBookKey(bookType))
}

// KickoffTextOrDefault falls back to a generic kickoff prompt.
func (s *Store) KickoffTextOrDefault(bookType string) string {
	if text := s.KickoffText(bookType); text != "" {
		return text
	}
	return "Now greet the student and start teaching using the textbook content above. " +
		"Keep it natural and concise. Ask one question to the student."
}

func (s *Store) readFirst(names []string) string {
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		if text := s.readCached(path); text != "" {
			return text
		}
	}
	return ""
}

func (s *Store) readCached(path string) string {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	mtime := info.ModTime().UnixNano()

	s.mu.Lock()
	if c, ok := s.cache[path]; ok && c.mtime == mtime {
		s.mu.Unlock()
		return c.text
	}
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))

	s.mu.Lock()
	s.cache[path] = cachedText{mtime: mtime, text: text}
	s.mu.Unlock()
	return text
}
