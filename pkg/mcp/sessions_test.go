package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-abc")
	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_OverwriteOnReconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-old")
	r.Register("alice", "session-new")

	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-abc")
	r.Register("bob", "session-abc")
	r.Register("carol", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("alice")
	assert.False(t, ok)

	_, ok = r.SessionFor("bob")
	assert.False(t, ok)

	sid, ok := r.SessionFor("carol")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}

func TestSessionRegistry_MultipleUsers(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("alice", "session-1")
	r.Register("bob", "session-2")

	sid1, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "session-1", sid1)

	sid2, ok := r.SessionFor("bob")
	assert.True(t, ok)
	assert.Equal(t, "session-2", sid2)
}
