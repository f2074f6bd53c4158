package message

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	id := NewID("seg")
	assert.Regexp(t, regexp.MustCompile(`^seg-\d{13}-[0-9a-f]{8}$`), id)

	assert.Regexp(t, `^msg-`, NewID(""), "empty prefix defaults to msg")
	assert.NotEqual(t, NewID("seg"), NewID("seg"))
}
