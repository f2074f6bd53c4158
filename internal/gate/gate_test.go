package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lessonpipe/lessonpipe/internal/role"
)

func TestGate_StartsFree(t *testing.T) {
	g := New(role.AI, false)
	assert.True(t, g.IsFree())
	assert.Equal(t, Free, g.State())
}

func TestGate_BusyFreeTransitions(t *testing.T) {
	g := New(role.AI, false)

	g.SetBusy()
	assert.False(t, g.IsFree())

	g.SetFree()
	assert.True(t, g.IsFree())
}

func TestGate_ForcedIgnoresBusy(t *testing.T) {
	g := New(role.Teacher, true)

	g.SetBusy()
	assert.True(t, g.IsFree(), "forced gate never reads busy")
}

func TestGate_OnFreeNotified(t *testing.T) {
	g := New(role.AI, false)

	calls := 0
	g.OnFree(func() { calls++ })

	g.SetBusy()
	g.SetFree()
	assert.Equal(t, 1, calls)

	// Re-signalling free still notifies: it doubles as a retry trigger.
	g.SetFree()
	assert.Equal(t, 2, calls)
}
