package storysync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(id, parentID, text string) Entity {
	return Entity{
		ID:       id,
		ParentID: parentID,
		Payload:  map[string]any{"text": text},
	}
}

func TestCacheUpsertIdempotent(t *testing.T) {
	c := NewCache()
	batch := []Entity{
		entity("a", "", "root a"),
		entity("b", "", "root b"),
		entity("a1", "a", "reply to a"),
	}

	c.UpsertMany("story1", batch)
	c.UpsertMany("story1", batch)

	assert.Equal(t, 3, c.LiveSize("story1"))
	tree := c.BuildTree("story1")
	require.Len(t, tree, 2)
	assert.Equal(t, "a", tree[0].ID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "a1", tree[0].Children[0].ID)
}

func TestCacheRepliesNewestFirst(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", entity("root", "", "root"))
	c.UpsertOne("s", entity("r1", "root", "first"))
	c.UpsertOne("s", entity("r2", "root", "second"))

	tree := c.BuildTree("s")
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Children, 2)
	assert.Equal(t, "r2", tree[0].Children[0].ID)
	assert.Equal(t, "r1", tree[0].Children[1].ID)
}

func TestCacheMergeKeepsUnknownFields(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", Entity{ID: "a", Payload: map[string]any{"text": "hi", "extra": "kept"}})
	c.UpsertOne("s", Entity{ID: "a", Payload: map[string]any{"text": "edited"}})

	snap, ok := c.Snapshot("s", "a")
	require.True(t, ok)
	assert.Equal(t, "edited", snap.Payload["text"])
	assert.Equal(t, "kept", snap.Payload["extra"])
}

func TestCacheMergeCannotClearSoftDelete(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", entity("a", "", "hi"))

	deleted := entity("a", "", "")
	deleted.DeletedAt = "2026-01-01T00:00:00Z"
	c.UpsertOne("s", deleted)

	// A later merge without DeletedAt must not resurrect the entity.
	c.UpsertOne("s", Entity{ID: "a", Payload: map[string]any{"likesCount": 3}})

	snap, ok := c.Snapshot("s", "a")
	require.True(t, ok)
	assert.NotEmpty(t, snap.DeletedAt)
	assert.Empty(t, c.BuildTree("s"))
}

func TestCacheBuildTreeSkipsDeleted(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", entity("a", "", "visible"))
	gone := entity("b", "", "gone")
	gone.DeletedAt = "2026-01-01T00:00:00Z"
	c.UpsertOne("s", gone)

	tree := c.BuildTree("s")
	require.Len(t, tree, 1)
	assert.Equal(t, "a", tree[0].ID)
	// Still cached, just not rendered.
	_, ok := c.Snapshot("s", "b")
	assert.True(t, ok)
}

func TestCacheBuildTreeBoundsCycles(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", entity("a", "", "a"))
	c.UpsertOne("s", entity("b", "a", "b"))
	// Corrupt the parent index so a and b point at each other.
	c.Update("s", func(sl *Slice) {
		sl.childrenByParent["b"] = []string{"a"}
	})

	tree := c.BuildTree("s")
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Children, 1)
	assert.Empty(t, tree[0].Children[0].Children)
}

func TestCacheRemoveOneCascades(t *testing.T) {
	c := NewCache()
	c.UpsertMany("s", []Entity{
		entity("a", "", "root"),
		entity("b", "a", "child"),
		entity("c", "b", "grandchild"),
		entity("d", "", "untouched"),
	})
	c.Update("s", func(sl *Slice) { sl.Count = 4 })

	require.True(t, c.RemoveOne("s", "a", true))

	assert.Equal(t, 1, c.LiveSize("s"))
	count, _, _, _, _ := c.Meta("s")
	assert.Equal(t, 1, count)
	_, ok := c.Snapshot("s", "c")
	assert.False(t, ok)
}

func TestCacheRemoveOneAbsentDoesNotDecrement(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", entity("a", "", "hi"))
	c.Update("s", func(sl *Slice) { sl.Count = 1 })

	require.True(t, c.RemoveOne("s", "a", true))
	assert.False(t, c.RemoveOne("s", "a", true))

	count, _, _, _, _ := c.Meta("s")
	assert.Equal(t, 0, count)
}

func TestCacheCountFlooredAtZero(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", entity("a", "", "hi"))
	// Count lagging behind cache contents.
	require.True(t, c.RemoveOne("s", "a", true))
	count, _, _, _, _ := c.Meta("s")
	assert.Equal(t, 0, count)
}

func TestCacheSnapshotIsDeepCopy(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", Entity{ID: "a", Payload: map[string]any{
		"text":    "original",
		"likedBy": []any{"u1"},
	}})

	snap, ok := c.Snapshot("s", "a")
	require.True(t, ok)
	snap.Payload["text"] = "mutated"
	snap.Payload["likedBy"].([]any)[0] = "u2"

	cur, _ := c.Snapshot("s", "a")
	assert.Equal(t, "original", cur.Payload["text"])
	assert.Equal(t, "u1", cur.Payload["likedBy"].([]any)[0])
}

func TestCacheRestoreReplacesMergeState(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", entity("a", "", "before"))
	snap, ok := c.Snapshot("s", "a")
	require.True(t, ok)

	c.UpsertOne("s", Entity{ID: "a", Payload: map[string]any{"text": "optimistic edit", "updatedAt": "later"}})
	c.Restore("s", snap)

	cur, _ := c.Snapshot("s", "a")
	assert.Equal(t, "before", cur.Payload["text"])
	_, hasUpdated := cur.Payload["updatedAt"]
	assert.False(t, hasUpdated)
}

func TestCacheCountDistinctFromSize(t *testing.T) {
	c := NewCache()
	c.UpsertOne("s", entity("a", "", "only one cached"))
	c.Update("s", func(sl *Slice) { sl.Count = 42 })

	count, _, _, _, _ := c.Meta("s")
	assert.Equal(t, 42, count)
	assert.Equal(t, 1, c.LiveSize("s"))
}
