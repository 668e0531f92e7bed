package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextStore_SeedKeysHaveNoOwner(t *testing.T) {
	cs := NewContextStore(map[string]any{"task": "review PR"})
	owners := cs.Owners()
	assert.Equal(t, "", owners["task"])
}

func TestContextStore_MergeLastWriterWins(t *testing.T) {
	cs := NewContextStore(nil)
	cs.Merge("plan", map[string]any{"files": []any{"a.go"}})
	cs.Merge("implement", map[string]any{"files": []any{"a.go", "b.go"}})

	v, ok := cs.Get("files")
	require.True(t, ok)
	assert.Equal(t, []any{"a.go", "b.go"}, v)
	assert.Equal(t, "implement", cs.Owners()["files"])
}

func TestContextStore_SnapshotIsolation(t *testing.T) {
	cs := NewContextStore(map[string]any{"cfg": map[string]any{"depth": 1}})
	snap := cs.Snapshot()
	snap["cfg"].(map[string]any)["depth"] = 99

	v, _ := cs.Get("cfg")
	assert.Equal(t, 1, v.(map[string]any)["depth"])
}

func TestContextStore_MergeCopiesInput(t *testing.T) {
	cs := NewContextStore(nil)
	delta := map[string]any{"plan": map[string]any{"steps": 3}}
	cs.Merge("plan", delta)
	delta["plan"].(map[string]any)["steps"] = 0

	v, _ := cs.Get("plan")
	assert.Equal(t, 3, v.(map[string]any)["steps"])
}

func TestContextStore_OverlayDoesNotMutate(t *testing.T) {
	cs := NewContextStore(map[string]any{"task": "t"})
	snap := cs.Overlay(map[string]any{"item": "a.go", "index": 0})

	assert.Equal(t, "a.go", snap["item"])
	_, ok := cs.Get("item")
	assert.False(t, ok)
}

func TestRestore_RoundTrip(t *testing.T) {
	cs := NewContextStore(map[string]any{"task": "t"})
	cs.Merge("plan", map[string]any{"files": []any{"a.go"}})

	restored := Restore(cs.Snapshot(), cs.Owners())
	assert.Equal(t, cs.Snapshot(), restored.Snapshot())
	assert.Equal(t, cs.Owners(), restored.Owners())
}

func TestRestore_BackfillsMissingOwners(t *testing.T) {
	restored := Restore(map[string]any{"orphan": 1}, nil)
	owners := restored.Owners()
	assert.Equal(t, "", owners["orphan"])
}
