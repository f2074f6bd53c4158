// Package role identifies which pipeline role a browser tab plays.
//
// Every tab in the lesson pipeline has exactly one logical role (the chat AI
// page, the avatar teacher page, the speech-to-text page, ...). The resolver
// maps raw tab context (URL plus optional DOM markers) to a Role so the
// rest of the system never looks at site-specific details.
package role

import "strings"

// Role is the logical identity of a tab in the pipeline.
type Role string

const (
	Login   Role = "login"
	Home    Role = "home"
	Class   Role = "class"
	AI      Role = "ai"
	Teacher Role = "teacher"
	STT     Role = "stt"
	Unknown Role = "unknown"

	// System is a sender-only pseudo role used for router-generated
	// messages such as expanded lesson prompts. Nothing is routable to it.
	System Role = "system"
)

// All lists the routable roles, i.e. the roles the router keeps a queue for.
// Login/home tabs never receive messages.
var All = []Role{AI, Teacher, Class, STT}

// Parse converts a wire string to a Role. Unrecognized input maps to Unknown.
func Parse(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case Login:
		return Login
	case Home:
		return Home
	case Class:
		return Class
	case AI:
		return AI
	case Teacher:
		return Teacher
	case STT:
		return STT
	case System:
		return System
	}
	return Unknown
}

// Routable reports whether the router accepts messages addressed to r.
func (r Role) Routable() bool {
	for _, known := range All {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// Rule matches a tab context to a role. URL matching is substring-based;
// DOMMarker, when set, must additionally appear in the page's marker set.
type Rule struct {
	Role      Role   `yaml:"role"`
	URLPart   string `yaml:"url_part"`
	DOMMarker string `yaml:"dom_marker,omitempty"`
}

// TabContext is the raw evidence a resolver works from.
type TabContext struct {
	URL        string
	DOMMarkers []string
}

// Resolver maps tab context to a role using an ordered rule list.
// First match wins; rules with a DOM marker outrank URL-only rules for the
// same site, so callers should list them first.
type Resolver struct {
	rules []Rule
}

// NewResolver creates a resolver. With no rules it uses DefaultRules.
func NewResolver(rules []Rule) *Resolver {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Resolver{rules: rules}
}

// DefaultRules covers the stock pipeline sites.
func DefaultRules() []Rule {
	return []Rule{
		{Role: Login, URLPart: "/login"},
		{Role: AI, URLPart: "chatgpt.com"},
		{Role: STT, URLPart: "speechtexter.com"},
		{Role: Teacher, URLPart: "akool.com"},
		{Role: Class, URLPart: "nativecamp.net"},
		{Role: Class, URLPart: "/walkie/receiver"},
		{Role: Home, URLPart: "about:blank"},
	}
}

// Resolve returns the first matching role, or Unknown.
func (r *Resolver) Resolve(ctx TabContext) Role {
	url := strings.ToLower(ctx.URL)
	for _, rule := range r.rules {
		if rule.URLPart != "" && !strings.Contains(url, strings.ToLower(rule.URLPart)) {
			continue
		}
		if rule.DOMMarker != "" && !hasMarker(ctx.DOMMarkers, rule.DOMMarker) {
			continue
		}
		return rule.Role
	}
	return Unknown
}

func hasMarker(markers []string, want string) bool {
	for _, m := range markers {
		if strings.EqualFold(m, want) {
			return true
		}
	}
	return false
}
