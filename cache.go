package storysync

import (
	"encoding/json"
	"sync"
	"time"
)

// ============================================================================
// Entity
// ============================================================================

// Entity is a server-owned record cached locally. Structured fields the cache
// itself needs (identity, tree position, soft-delete) are lifted out of the
// payload; everything else stays in Payload so merges keep fields the client
// does not model.
type Entity struct {
	ID         string
	ParentID   string // "" for a root entity
	Payload    map[string]any
	DeletedAt  string // RFC3339; "" means live
	UpdatedAt  string
	Optimistic bool
}

// entityFromJSON lifts the indexing fields out of a raw server object.
func entityFromJSON(raw json.RawMessage) (Entity, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Entity{}, false
	}
	return entityFromMap(m), true
}

func entityFromMap(m map[string]any) Entity {
	e := Entity{Payload: make(map[string]any, len(m))}
	for k, v := range m {
		switch k {
		case "_id", "id":
			if s, ok := v.(string); ok && e.ID == "" {
				e.ID = s
			}
		case "parentId":
			if s, ok := v.(string); ok {
				e.ParentID = s
			}
		case "deletedAt":
			if s, ok := v.(string); ok {
				e.DeletedAt = s
			}
		case "updatedAt":
			if s, ok := v.(string); ok {
				e.UpdatedAt = s
			}
			e.Payload[k] = v
		default:
			e.Payload[k] = v
		}
	}
	return e
}

// clone returns a deep copy, so a snapshot cannot be mutated through shared
// maps or slices.
func (e Entity) clone() Entity {
	c := e
	c.Payload = clonePayload(e.Payload)
	return c
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// stringList reads a payload field as a string slice regardless of whether it
// came from JSON ([]any) or a local mutation ([]string).
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadString(p map[string]any, key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

func payloadInt(p map[string]any, key string) int {
	switch t := p[key].(type) {
	case float64:
		return int(t)
	case int:
		return t
	}
	return 0
}

// ============================================================================
// Slice
// ============================================================================

// Slice is the cache sub-state for one collection scope (e.g. the comments of
// one story).
type Slice struct {
	byID             map[string]*Entity
	rootIDs          []string
	childrenByParent map[string][]string

	// Count is the server-authoritative total; distinct from len(byID).
	Count      int
	Loading    bool
	Posting    bool
	Err        string
	LastSyncAt time.Time
}

func newSlice() *Slice {
	return &Slice{
		byID:             make(map[string]*Entity),
		rootIDs:          nil,
		childrenByParent: make(map[string][]string),
	}
}

// Node is one node of a materialized entity tree.
type Node struct {
	Entity
	Children []*Node
}

// ============================================================================
// Cache
// ============================================================================

// Cache is an in-memory normalized store of entity slices. All operations are
// serialized behind one mutex and run to completion without suspending, so a
// read-modify-write of a slice never interleaves with another mutation.
type Cache struct {
	mu     sync.Mutex
	slices map[string]*Slice
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{slices: make(map[string]*Slice)}
}

// EnsureSlice idempotently creates an empty slice for collectionID.
func (c *Cache) EnsureSlice(collectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLocked(collectionID)
}

func (c *Cache) ensureLocked(collectionID string) *Slice {
	s, ok := c.slices[collectionID]
	if !ok {
		s = newSlice()
		c.slices[collectionID] = s
	}
	return s
}

// UpsertMany merges entities by id into the slice. Root ids append to rootIDs
// when absent; replies prepend to their parent's child list when absent, so
// reply lists read newest-first. Applying the same batch twice yields the
// same state.
func (c *Cache) UpsertMany(collectionID string, entities []Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ensureLocked(collectionID)
	for i := range entities {
		s.upsert(entities[i])
	}
}

// UpsertOne merges a single entity.
func (c *Cache) UpsertOne(collectionID string, e Entity) {
	c.UpsertMany(collectionID, []Entity{e})
}

func (s *Slice) upsert(e Entity) {
	if e.ID == "" {
		return
	}
	if cur, ok := s.byID[e.ID]; ok {
		merged := cur.clone()
		for k, v := range e.Payload {
			merged.Payload[k] = cloneValue(v)
		}
		if e.ParentID != "" {
			merged.ParentID = e.ParentID
		}
		// Merge, not replace: an incoming entity that does not carry these
		// cannot clear them. Clearing happens via RemoveOne or Restore.
		if e.DeletedAt != "" {
			merged.DeletedAt = e.DeletedAt
		}
		if e.UpdatedAt != "" {
			merged.UpdatedAt = e.UpdatedAt
		}
		if e.Optimistic {
			merged.Optimistic = true
		}
		s.byID[e.ID] = &merged
	} else {
		fresh := e.clone()
		s.byID[e.ID] = &fresh
	}

	if e.ParentID == "" {
		if !contains(s.rootIDs, e.ID) {
			s.rootIDs = append(s.rootIDs, e.ID)
		}
	} else {
		siblings := s.childrenByParent[e.ParentID]
		if !contains(siblings, e.ID) {
			s.childrenByParent[e.ParentID] = append([]string{e.ID}, siblings...)
		}
	}
}

// RemoveOne deletes id from the slice: from byID, rootIDs, its parent's child
// list, and the entire subtree below it, so no grandchild is left pointing at
// a gone parent. When adjustCount is set the count drops
// by one per removed entity, floored at zero. Returns false if the id was not
// present (the count is untouched then, so a double call cannot
// double-decrement).
func (c *Cache) RemoveOne(collectionID, id string, adjustCount bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slices[collectionID]
	if !ok {
		return false
	}
	if _, ok := s.byID[id]; !ok {
		return false
	}

	removed := s.removeSubtree(id)
	if adjustCount {
		s.Count -= removed
		if s.Count < 0 {
			s.Count = 0
		}
	}
	return true
}

func (s *Slice) removeSubtree(id string) int {
	e, ok := s.byID[id]
	if !ok {
		return 0
	}

	removed := 1
	delete(s.byID, id)
	s.rootIDs = remove(s.rootIDs, id)
	if e.ParentID != "" {
		s.childrenByParent[e.ParentID] = remove(s.childrenByParent[e.ParentID], id)
	}

	children := s.childrenByParent[id]
	delete(s.childrenByParent, id)
	for _, cid := range children {
		removed += s.removeSubtree(cid)
	}
	return removed
}

// Snapshot returns a deep copy of one entity for later rollback.
func (c *Cache) Snapshot(collectionID, id string) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slices[collectionID]
	if !ok {
		return Entity{}, false
	}
	e, ok := s.byID[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Restore puts a snapshot back verbatim, replacing whatever merge state the
// entity accumulated since. Tree membership is re-asserted through upsert.
func (c *Cache) Restore(collectionID string, snapshot Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ensureLocked(collectionID)
	restored := snapshot.clone()
	s.byID[snapshot.ID] = &restored
	if snapshot.ParentID == "" {
		if !contains(s.rootIDs, snapshot.ID) {
			s.rootIDs = append(s.rootIDs, snapshot.ID)
		}
	} else if !contains(s.childrenByParent[snapshot.ParentID], snapshot.ID) {
		s.childrenByParent[snapshot.ParentID] = append([]string{snapshot.ID}, s.childrenByParent[snapshot.ParentID]...)
	}
}

// BuildTree materializes the slice as a forest, attaching children to parents
// and skipping soft-deleted entities. A visited set bounds the walk so a
// corrupt cycle cannot loop forever.
func (c *Cache) BuildTree(collectionID string) []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slices[collectionID]
	if !ok {
		return nil
	}
	visited := make(map[string]bool)
	var roots []*Node
	for _, id := range s.rootIDs {
		if n := s.buildNode(id, visited); n != nil {
			roots = append(roots, n)
		}
	}
	return roots
}

func (s *Slice) buildNode(id string, visited map[string]bool) *Node {
	if visited[id] {
		return nil
	}
	visited[id] = true
	e, ok := s.byID[id]
	if !ok || e.DeletedAt != "" {
		return nil
	}
	n := &Node{Entity: e.clone()}
	for _, cid := range s.childrenByParent[id] {
		if child := s.buildNode(cid, visited); child != nil {
			n.Children = append(n.Children, child)
		}
	}
	return n
}

// LiveSize counts non-soft-deleted entities in the slice. Not the
// authoritative total; use Count for that.
func (c *Cache) LiveSize(collectionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slices[collectionID]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range s.byID {
		if e.DeletedAt == "" {
			n++
		}
	}
	return n
}

// Update runs fn against the slice under the cache lock. fn must not suspend
// or call back into the cache.
func (c *Cache) Update(collectionID string, fn func(*Slice)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.ensureLocked(collectionID))
}

// Meta returns a copy of the slice's bookkeeping fields.
func (c *Cache) Meta(collectionID string) (count int, loading, posting bool, errMsg string, lastSync time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slices[collectionID]
	if !ok {
		return 0, false, false, "", time.Time{}
	}
	return s.Count, s.Loading, s.Posting, s.Err, s.LastSyncAt
}

// Collections lists the collection ids with a slice present.
func (c *Cache) Collections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.slices))
	for id := range c.slices {
		out = append(out, id)
	}
	return out
}

// Entities returns deep copies of every entity in the slice, in no particular
// order.
func (c *Cache) Entities(collectionID string) []Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slices[collectionID]
	if !ok {
		return nil
	}
	out := make([]Entity, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.clone())
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
