package storysync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const (
	commentsStorageKey = "comments-store"
	maxCommentLength   = 2000
	tempIDPrefix       = "temp-"
)

// CommentStore owns the threaded-comment cache slices, one per story. All
// mutations are optimistic: the cache reflects them immediately, then
// reconciles against the server's response or rolls back.
type CommentStore struct {
	client *Client
	cache  *Cache
	log    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newCommentStore(c *Client) *CommentStore {
	s := &CommentStore{
		client:   c,
		cache:    NewCache(),
		log:      c.log,
		inFlight: make(map[string]struct{}),
	}
	s.hydrate()
	return s
}

// acquire registers a pending mutation for a comment id. A second mutation on
// the same id before the first settles is refused, which closes the rapid
// double-tap race the UI cannot reliably prevent.
func (s *CommentStore) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *CommentStore) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// ============================================================================
// Reads
// ============================================================================

// Tree materializes the comment forest for a story, newest replies first,
// soft-deleted comments excluded.
func (s *CommentStore) Tree(storyID string) []*Node {
	return s.cache.BuildTree(storyID)
}

// Count returns the server-authoritative comment total for a story.
func (s *CommentStore) Count(storyID string) int {
	count, _, _, _, _ := s.cache.Meta(storyID)
	return count
}

// Cache exposes the underlying entity cache for observers.
func (s *CommentStore) Cache() *Cache {
	return s.cache
}

// ============================================================================
// Load / count refresh
// ============================================================================

// Load fetches the story's comments, incrementally when the slice has a
// lastSyncAt cursor, and merges them into the cache. Concurrent loads for the
// same story are not coalesced here; callers debounce.
func (s *CommentStore) Load(ctx context.Context, storyID string) error {
	if storyID == "" {
		return validationErr("storyId", "required")
	}
	s.cache.EnsureSlice(storyID)
	_, _, _, _, lastSync := s.cache.Meta(storyID)

	s.cache.Update(storyID, func(sl *Slice) {
		sl.Loading = true
		sl.Err = ""
	})

	var query map[string]string
	if !lastSync.IsZero() {
		query = map[string]string{"since": lastSync.UTC().Format(time.RFC3339)}
	}

	data, err := s.client.do(ctx, "GET", "/api/blog/story/"+storyID+"/comments", nil, query, reqOptions{idempotent: true})
	if err != nil {
		s.cache.Update(storyID, func(sl *Slice) {
			sl.Loading = false
			sl.Err = UserMessage(err)
		})
		return err
	}

	resp, err := decode[commentsResponse](data)
	if err != nil {
		s.cache.Update(storyID, func(sl *Slice) {
			sl.Loading = false
			sl.Err = UserMessage(err)
		})
		return err
	}

	entities := make([]Entity, 0, len(resp.Comments))
	for _, raw := range resp.Comments {
		if e, ok := entityFromJSON(raw); ok {
			entities = append(entities, e)
		}
	}
	s.cache.UpsertMany(storyID, entities)
	s.cache.Update(storyID, func(sl *Slice) {
		sl.Loading = false
		sl.LastSyncAt = time.Now()
	})
	s.persist()
	return nil
}

// RefreshCount fetches the authoritative comment total and overwrites the
// slice count. Never inferred from cache size.
func (s *CommentStore) RefreshCount(ctx context.Context, storyID string) (int, error) {
	if storyID == "" {
		return 0, validationErr("storyId", "required")
	}
	data, err := s.client.do(ctx, "GET", "/api/blog/story/"+storyID+"/comments/count", nil, nil, reqOptions{idempotent: true})
	if err != nil {
		return 0, err
	}
	resp, err := decode[commentCountResponse](data)
	if err != nil {
		return 0, err
	}
	total := resp.value()
	s.cache.Update(storyID, func(sl *Slice) { sl.Count = total })
	s.persist()
	return total, nil
}

// ============================================================================
// Optimistic mutations
// ============================================================================

// Post creates a comment (root when parentID is empty) optimistically: a
// placeholder with a temporary id shows immediately, then is replaced by the
// server-confirmed comment or removed entirely on failure.
func (s *CommentStore) Post(ctx context.Context, storyID, text, parentID string) (string, error) {
	text = strings.TrimSpace(text)
	switch {
	case storyID == "":
		return "", validationErr("storyId", "required")
	case text == "":
		return "", validationErr("text", "required")
	case len(text) > maxCommentLength:
		return "", validationErr("text", "too long")
	}
	principal := s.client.session.Principal()
	if principal == nil || principal.ID == "" {
		return "", validationErr("", "not authenticated")
	}

	s.cache.EnsureSlice(storyID)

	tempID := tempIDPrefix + uuid.Must(uuid.NewV4()).String()
	now := time.Now().UTC().Format(time.RFC3339)
	optimistic := Entity{
		ID:       tempID,
		ParentID: parentID,
		Payload: map[string]any{
			"storyId":       storyID,
			"text":          text,
			"userId":        principal.ID,
			"username":      principal.Username,
			"likedBy":       []string{},
			"dislikedBy":    []string{},
			"likesCount":    0,
			"dislikesCount": 0,
			"createdAt":     now,
		},
		Optimistic: true,
	}
	s.cache.UpsertOne(storyID, optimistic)
	s.cache.Update(storyID, func(sl *Slice) { sl.Posting = true })

	body := map[string]any{
		"text":     text,
		"parentId": nullableID(parentID),
		"userId":   principal.ID,
		"username": principal.Username,
	}

	// A retried create could duplicate the comment server-side, so this
	// request gets exactly one attempt.
	data, err := s.client.do(ctx, "POST", "/api/blog/story/"+storyID+"/comment", body, nil, reqOptions{auth: true})
	if err != nil {
		// No partial or ghost entity may remain visible.
		s.cache.RemoveOne(storyID, tempID, false)
		s.cache.Update(storyID, func(sl *Slice) {
			sl.Posting = false
			sl.Err = UserMessage(err)
		})
		s.persist()
		return "", err
	}

	s.cache.RemoveOne(storyID, tempID, false)
	confirmedID := ""
	if resp, derr := decode[commentCreateResponse](data); derr == nil && len(resp.NewComment) > 0 {
		if e, ok := entityFromJSON(resp.NewComment); ok && e.ID != "" {
			s.cache.UpsertOne(storyID, e)
			confirmedID = e.ID
		}
	}
	s.cache.Update(storyID, func(sl *Slice) { sl.Posting = false })
	if confirmedID == "" {
		// Server accepted but did not echo the comment: reload rather than
		// guess.
		if lerr := s.Load(ctx, storyID); lerr != nil {
			s.log.Warn("reload after create failed", zap.String("storyId", storyID), zap.Error(lerr))
		}
	}
	s.persist()
	return confirmedID, nil
}

// Edit replaces a comment's text optimistically. On failure the cache is
// restored byte-identical to the pre-edit snapshot.
func (s *CommentStore) Edit(ctx context.Context, storyID, commentID, text string) error {
	text = strings.TrimSpace(text)
	switch {
	case storyID == "" || commentID == "":
		return validationErr("", "storyId and commentId required")
	case text == "":
		return validationErr("text", "required")
	case len(text) > maxCommentLength:
		return validationErr("text", "too long")
	}
	if !s.acquire(commentID) {
		return ErrMutationInFlight
	}
	defer s.release(commentID)

	snapshot, ok := s.cache.Snapshot(storyID, commentID)
	if !ok {
		return validationErr("commentId", "unknown comment")
	}

	draft := snapshot.clone()
	draft.Payload["text"] = text
	draft.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	draft.Payload["updatedAt"] = draft.UpdatedAt
	s.cache.UpsertOne(storyID, draft)

	data, err := s.client.do(ctx, "PATCH", "/api/blog/comment/"+commentID, map[string]any{"text": text}, nil, reqOptions{auth: true})
	if err != nil {
		s.cache.Restore(storyID, snapshot)
		s.persist()
		return err
	}
	if resp, derr := decode[commentEditResponse](data); derr == nil && len(resp.Updated) > 0 {
		if e, ok := entityFromJSON(resp.Updated); ok && e.ID != "" {
			s.cache.UpsertOne(storyID, e)
		}
	}
	s.persist()
	return nil
}

// Remove deletes a comment: a redacted soft-deleted variant shows instantly,
// then the entity is hard-removed on success. Either way the count is
// re-fetched afterwards, since concurrent mutations may have moved the true
// total.
func (s *CommentStore) Remove(ctx context.Context, storyID, commentID string) error {
	if storyID == "" || commentID == "" {
		return validationErr("", "storyId and commentId required")
	}
	if !s.acquire(commentID) {
		return ErrMutationInFlight
	}
	defer s.release(commentID)

	snapshot, ok := s.cache.Snapshot(storyID, commentID)
	if !ok {
		return validationErr("commentId", "unknown comment")
	}

	tombstone := snapshot.clone()
	tombstone.DeletedAt = time.Now().UTC().Format(time.RFC3339)
	tombstone.Payload["text"] = ""
	delete(tombstone.Payload, "username")
	s.cache.UpsertOne(storyID, tombstone)

	data, err := s.client.do(ctx, "DELETE", "/api/blog/comment/"+commentID, nil, nil, reqOptions{auth: true})
	if err == nil {
		var resp *commentDeleteResponse
		resp, err = decode[commentDeleteResponse](data)
		if err == nil && !resp.Deleted {
			err = &ServerError{Status: 200, Message: "delete refused"}
		}
	}
	if err != nil {
		// The optimistic soft-delete must never outlive a failed request.
		s.cache.Restore(storyID, snapshot)
		s.refreshCountBestEffort(ctx, storyID)
		s.persist()
		return err
	}

	s.cache.RemoveOne(storyID, commentID, true)
	s.refreshCountBestEffort(ctx, storyID)
	s.persist()
	return nil
}

func (s *CommentStore) refreshCountBestEffort(ctx context.Context, storyID string) {
	if _, err := s.RefreshCount(ctx, storyID); err != nil {
		s.log.Warn("comment count refresh failed", zap.String("storyId", storyID), zap.Error(err))
	}
}

// Like toggles the acting user's like on a comment, clearing any dislike.
func (s *CommentStore) Like(ctx context.Context, storyID, commentID string) error {
	return s.vote(ctx, storyID, commentID, false)
}

// Dislike toggles the acting user's dislike on a comment, clearing any like.
func (s *CommentStore) Dislike(ctx context.Context, storyID, commentID string) error {
	return s.vote(ctx, storyID, commentID, true)
}

func (s *CommentStore) vote(ctx context.Context, storyID, commentID string, dislike bool) error {
	if storyID == "" || commentID == "" {
		return validationErr("", "storyId and commentId required")
	}
	principal := s.client.session.Principal()
	if principal == nil || principal.ID == "" {
		return validationErr("", "not authenticated")
	}
	if !s.acquire(commentID) {
		return ErrMutationInFlight
	}
	defer s.release(commentID)

	snapshot, ok := s.cache.Snapshot(storyID, commentID)
	if !ok {
		return validationErr("commentId", "unknown comment")
	}

	likedBy := stringList(snapshot.Payload["likedBy"])
	dislikedBy := stringList(snapshot.Payload["dislikedBy"])
	target, opposite := &likedBy, &dislikedBy
	if dislike {
		target, opposite = &dislikedBy, &likedBy
	}

	// Toggle off if already in the target set, else switch the vote: add to
	// target, drop from the opposite set in the same step so the user is
	// never in both.
	if contains(*target, principal.ID) {
		*target = remove(*target, principal.ID)
	} else {
		*target = append(*target, principal.ID)
		*opposite = remove(*opposite, principal.ID)
	}

	draft := snapshot.clone()
	draft.Payload["likedBy"] = likedBy
	draft.Payload["dislikedBy"] = dislikedBy
	draft.Payload["likesCount"] = len(likedBy)
	draft.Payload["dislikesCount"] = len(dislikedBy)
	s.cache.UpsertOne(storyID, draft)

	endpoint := "/api/blog/comment/" + commentID + "/like"
	if dislike {
		endpoint = "/api/blog/comment/" + commentID + "/dislike"
	}
	// The toggle is keyed by user+target server-side, so a retry lands on the
	// same state.
	data, err := s.client.do(ctx, "POST", endpoint, map[string]string{"userId": principal.ID}, nil, reqOptions{auth: true, idempotent: true})
	if err != nil {
		s.cache.Restore(storyID, snapshot)
		s.persist()
		return err
	}

	// Server is authoritative for final membership and counts; merge only the
	// fields it named.
	if resp, derr := decode[voteResult](data); derr == nil {
		patch := map[string]any{}
		if resp.LikedBy != nil {
			patch["likedBy"] = resp.LikedBy
			patch["likesCount"] = len(resp.LikedBy)
		}
		if resp.DislikedBy != nil {
			patch["dislikedBy"] = resp.DislikedBy
			patch["dislikesCount"] = len(resp.DislikedBy)
		}
		if resp.LikesCount != nil {
			patch["likesCount"] = *resp.LikesCount
		}
		if resp.DislikesCount != nil {
			patch["dislikesCount"] = *resp.DislikesCount
		}
		if len(patch) > 0 {
			s.cache.UpsertOne(storyID, Entity{ID: commentID, ParentID: snapshot.ParentID, Payload: patch})
		}
	}
	s.persist()
	return nil
}

// ============================================================================
// Realtime reconciliation
// ============================================================================

// ApplyEvent merges one realtime push event into the cache. Events are hints
// from the server, applied immediately even while an optimistic mutation is
// pending; the mutation's own reconciliation applies last.
func (s *CommentStore) ApplyEvent(storyID, event string, payload json.RawMessage) {
	if storyID == "" {
		return
	}
	switch event {
	case "comment:new", "comment:edit":
		if e, ok := entityFromJSON(payload); ok && e.ID != "" {
			s.cache.UpsertOne(storyID, e)
		}

	case "comment:delete":
		var p struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(payload, &p) == nil && p.ID != "" {
			s.cache.RemoveOne(storyID, p.ID, false)
		}

	case "comment:count":
		var p struct {
			Total int `json:"total"`
		}
		if json.Unmarshal(payload, &p) == nil {
			// Trusted overwrite: the server is the count's source of truth.
			s.cache.Update(storyID, func(sl *Slice) { sl.Count = p.Total })
		}

	case "comment:like", "comment:dislike":
		var p struct {
			CommentID     string `json:"commentId"`
			LikesCount    *int   `json:"likesCount,omitempty"`
			DislikesCount *int   `json:"dislikesCount,omitempty"`
		}
		if json.Unmarshal(payload, &p) != nil || p.CommentID == "" {
			return
		}
		// Partial merge of the named count fields only, so a concurrent text
		// edit is not clobbered.
		patch := map[string]any{}
		if p.LikesCount != nil {
			patch["likesCount"] = *p.LikesCount
		}
		if p.DislikesCount != nil {
			patch["dislikesCount"] = *p.DislikesCount
		}
		if len(patch) > 0 {
			if prev, ok := s.cache.Snapshot(storyID, p.CommentID); ok {
				s.cache.UpsertOne(storyID, Entity{ID: p.CommentID, ParentID: prev.ParentID, Payload: patch})
			}
		}
	}
	s.persist()
}

// BindRealtime routes comment events from a channel into the cache.
func (s *CommentStore) BindRealtime(ch *Channel) {
	handler := func(event string) EventHandler {
		return func(room string, payload json.RawMessage) {
			s.ApplyEvent(storyIDFromRoom(room), event, payload)
		}
	}
	for _, ev := range []string{"comment:new", "comment:edit", "comment:delete", "comment:count", "comment:like", "comment:dislike"} {
		ch.On(ev, handler(ev))
	}
}

// Watch joins a story's event room and performs an initial (incremental)
// load. The returned stop function leaves the room.
func (s *CommentStore) Watch(ctx context.Context, ch *Channel, storyID string) (func(), error) {
	if storyID == "" {
		return nil, validationErr("storyId", "required")
	}
	room := "story:" + storyID
	if err := ch.Join(ctx, room); err != nil {
		return nil, err
	}
	if err := s.Load(ctx, storyID); err != nil {
		s.log.Warn("initial comment load failed", zap.String("storyId", storyID), zap.Error(err))
	}
	return func() { ch.Leave(context.Background(), room) }, nil
}

func storyIDFromRoom(room string) string {
	if id, ok := strings.CutPrefix(room, "story:"); ok {
		return id
	}
	return room
}

// ============================================================================
// Persistence
// ============================================================================

type persistedComment struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parentId,omitempty"`
	Payload   map[string]any `json:"payload"`
	DeletedAt string         `json:"deletedAt,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
}

type persistedSlice struct {
	Comments   []persistedComment `json:"comments"`
	Count      int                `json:"count"`
	LastSyncAt time.Time          `json:"lastSyncAt,omitempty"`
}

// persist writes a snapshot of every slice, skipping unconfirmed optimistic
// placeholders. Best-effort: failures are logged and swallowed.
func (s *CommentStore) persist() {
	out := make(map[string]persistedSlice)
	for _, storyID := range s.cache.Collections() {
		count, _, _, _, lastSync := s.cache.Meta(storyID)
		ps := persistedSlice{Count: count, LastSyncAt: lastSync}
		for _, e := range s.cache.Entities(storyID) {
			if e.Optimistic {
				continue
			}
			ps.Comments = append(ps.Comments, persistedComment{
				ID:        e.ID,
				ParentID:  e.ParentID,
				Payload:   e.Payload,
				DeletedAt: e.DeletedAt,
				UpdatedAt: e.UpdatedAt,
			})
		}
		out[storyID] = ps
	}
	b, err := json.Marshal(out)
	if err != nil {
		s.log.Warn("comment snapshot encode failed", zap.Error(err))
		return
	}
	s.client.storage.Set(NamespaceCache, commentsStorageKey, string(b))
}

func (s *CommentStore) hydrate() {
	raw, ok := s.client.storage.Get(NamespaceCache, commentsStorageKey)
	if !ok {
		return
	}
	var snap map[string]persistedSlice
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.log.Warn("discarding unreadable comment snapshot", zap.Error(err))
		s.client.storage.Remove(NamespaceCache, commentsStorageKey)
		return
	}
	for storyID, ps := range snap {
		entities := make([]Entity, 0, len(ps.Comments))
		for _, pc := range ps.Comments {
			entities = append(entities, Entity{
				ID:        pc.ID,
				ParentID:  pc.ParentID,
				Payload:   pc.Payload,
				DeletedAt: pc.DeletedAt,
				UpdatedAt: pc.UpdatedAt,
			})
		}
		s.cache.UpsertMany(storyID, entities)
		count, lastSync := ps.Count, ps.LastSyncAt
		s.cache.Update(storyID, func(sl *Slice) {
			sl.Count = count
			sl.LastSyncAt = lastSync
		})
	}
}

func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
