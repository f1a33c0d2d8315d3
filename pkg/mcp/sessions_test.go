package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("exec-1", "session-abc")
	sid, ok := r.SessionFor("exec-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("exec-1", "s1")
	r.Register("exec-2", "s1")

	r.Forget("exec-1")
	_, ok := r.SessionFor("exec-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_RemoveSession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("exec-1", "s1")
	r.Register("exec-2", "s1")
	r.Register("exec-3", "s2")

	r.Remove("s1")

	_, ok := r.SessionFor("exec-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("exec-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("exec-3")
	assert.True(t, ok)
	assert.Equal(t, "s2", sid)
}
