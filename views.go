package storysync

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// ViewStore tracks per-story view counts: the story-wide total and the
// authenticated user's own count. Totals pushed over the realtime channel
// overwrite the cached value.
type ViewStore struct {
	client *Client
	log    *zap.Logger

	mu      sync.RWMutex
	stories map[string]StoryViews
}

func newViewStore(c *Client) *ViewStore {
	return &ViewStore{
		client:  c,
		log:     c.log.Named("views"),
		stories: make(map[string]StoryViews),
	}
}

// Views returns the cached counts for a story.
func (v *ViewStore) Views(storyID string) (StoryViews, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	sv, ok := v.stories[storyID]
	return sv, ok
}

func (v *ViewStore) set(storyID string, views StoryViews) {
	v.mu.Lock()
	v.stories[storyID] = views
	v.mu.Unlock()
}

// RecordView registers a view for the authenticated user and stores the
// counts the server returns. Safe to retry: the server deduplicates by
// user and story within its counting window.
func (v *ViewStore) RecordView(ctx context.Context, storyID string) (StoryViews, error) {
	if storyID == "" {
		return StoryViews{}, validationErr("storyId", "required")
	}
	principal := v.client.session.Principal()
	if principal == nil {
		return StoryViews{}, validationErr("", "not authenticated")
	}
	body := map[string]string{"userId": principal.ID}
	data, err := v.client.do(ctx, "POST", "/api/blog/story/"+storyID+"/view", body, nil, reqOptions{auth: true, idempotent: true})
	if err != nil {
		return StoryViews{}, err
	}
	resp, err := decode[viewResult](data)
	if err != nil {
		return StoryViews{}, err
	}
	views := StoryViews{TotalViews: resp.TotalViews, UserViewCount: resp.UserViewCount}
	v.set(storyID, views)
	return views, nil
}

// ApplyViewedEvent merges a story:viewed push. The pushed total is
// authoritative; the user's own count is untouched since the event does not
// carry it.
func (v *ViewStore) ApplyViewedEvent(storyID string, totalViews int) {
	if storyID == "" {
		return
	}
	v.mu.Lock()
	sv := v.stories[storyID]
	sv.TotalViews = totalViews
	v.stories[storyID] = sv
	v.mu.Unlock()
}

// BindRealtime subscribes the store to view events on a channel.
func (v *ViewStore) BindRealtime(ch *Channel) {
	ch.On("story:viewed", func(room string, payload json.RawMessage) {
		var p map[string]any
		if err := json.Unmarshal(payload, &p); err != nil {
			v.log.Debug("malformed viewed event", zap.Error(err))
			return
		}
		storyID := payloadString(p, "storyId")
		if storyID == "" {
			storyID = storyIDFromRoom(room)
		}
		if storyID == "" {
			v.log.Debug("viewed event without story id", zap.String("room", room))
			return
		}
		v.ApplyViewedEvent(storyID, payloadInt(p, "totalViews"))
	})
}
