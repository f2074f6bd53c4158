package role

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, AI, Parse("ai"))
	assert.Equal(t, Teacher, Parse("  Teacher "))
	assert.Equal(t, STT, Parse("STT"))
	assert.Equal(t, System, Parse("system"))
	assert.Equal(t, Unknown, Parse("avatar"))
	assert.Equal(t, Unknown, Parse(""))
}

func TestRoutable(t *testing.T) {
	for _, r := range All {
		assert.True(t, r.Routable(), "%s must be routable", r)
	}
	assert.False(t, Login.Routable())
	assert.False(t, Home.Routable())
	assert.False(t, System.Routable(), "system is sender-only")
	assert.False(t, Unknown.Routable())
}

func TestResolveDefaults(t *testing.T) {
	r := NewResolver(nil)

	assert.Equal(t, AI, r.Resolve(TabContext{URL: "https://chatgpt.com/c/abc123"}))
	assert.Equal(t, STT, r.Resolve(TabContext{URL: "https://www.speechtexter.com/"}))
	assert.Equal(t, Class, r.Resolve(TabContext{URL: "http://127.0.0.1:5000/walkie/receiver"}))
	assert.Equal(t, Login, r.Resolve(TabContext{URL: "https://nativecamp.net/login"}), "login outranks the site rule")
	assert.Equal(t, Unknown, r.Resolve(TabContext{URL: "https://example.org"}))
}

func TestResolveCaseInsensitiveURL(t *testing.T) {
	r := NewResolver(nil)
	assert.Equal(t, AI, r.Resolve(TabContext{URL: "https://ChatGPT.com/"}))
}

func TestResolveDOMMarker(t *testing.T) {
	rules := []Rule{
		{Role: Class, URLPart: "lesson.example", DOMMarker: "classroom-root"},
		{Role: Home, URLPart: "lesson.example"},
	}
	r := NewResolver(rules)

	assert.Equal(t, Class, r.Resolve(TabContext{
		URL:        "https://lesson.example/room",
		DOMMarkers: []string{"header", "Classroom-Root"},
	}))
	assert.Equal(t, Home, r.Resolve(TabContext{URL: "https://lesson.example/room"}),
		"without the marker the URL-only rule wins")
}
