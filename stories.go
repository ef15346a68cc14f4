package storysync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Rating is one user's rating of a story, lifted out of the story's
// interaction list.
type Rating struct {
	UserID    string
	Score     float64
	CreatedAt string
}

// StoryStore fetches and caches stories and their rating/like state. The
// cached list feeds the derived queries (distribution, filters) without
// further network I/O.
type StoryStore struct {
	client *Client
	log    *zap.Logger

	mu      sync.RWMutex
	stories []Story
	current *Story
	loading bool
	lastErr string
}

func newStoryStore(c *Client) *StoryStore {
	return &StoryStore{client: c, log: c.log.Named("stories")}
}

// Stories returns the cached story list.
func (s *StoryStore) Stories() []Story {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Story, len(s.stories))
	copy(out, s.stories)
	return out
}

// Current returns the cached current story, or nil.
func (s *StoryStore) Current() *Story {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// SetCurrent pins a story as the detail-view subject so like results and
// realtime events can be applied to it.
func (s *StoryStore) SetCurrent(story *Story) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = story
}

// Err returns the last fetch error message, empty when healthy.
func (s *StoryStore) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *StoryStore) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	if v {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

func (s *StoryStore) fail(err error) {
	s.mu.Lock()
	s.loading = false
	s.lastErr = UserMessage(err)
	s.mu.Unlock()
}

// decodeStories tolerates the three shapes the backend has returned for
// story lists: a bare array, {"stories": [...]}, or {"data": [...]}.
func decodeStories(data []byte) ([]Story, error) {
	var list []Story
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	resp, err := decode[storiesResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Stories != nil {
		return resp.Stories, nil
	}
	return resp.Data, nil
}

// List fetches a page of stories and replaces the cached list.
func (s *StoryStore) List(ctx context.Context, page, limit int) ([]Story, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	s.setLoading(true)
	query := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	data, err := s.client.do(ctx, "GET", "/api/blog/stories", nil, query, reqOptions{auth: true, idempotent: true})
	if err != nil {
		s.fail(err)
		return nil, err
	}
	stories, err := decodeStories(data)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	s.mu.Lock()
	s.stories = stories
	s.loading = false
	s.mu.Unlock()
	return stories, nil
}

// Get fetches one story by slug and pins it as current.
func (s *StoryStore) Get(ctx context.Context, slug string) (*Story, error) {
	if slug == "" {
		return nil, validationErr("slug", "required")
	}
	data, err := s.client.do(ctx, "GET", "/api/blog/story/"+slug, nil, nil, reqOptions{auth: true, idempotent: true})
	if err != nil {
		return nil, err
	}
	story, err := decode[Story](data)
	if err != nil {
		return nil, err
	}
	s.SetCurrent(story)
	return story, nil
}

// Rated fetches the stories the authenticated user has rated. Each story's
// Rating field is filled from the user's own interaction when the server
// did not set it.
func (s *StoryStore) Rated(ctx context.Context) ([]Story, error) {
	principal := s.client.session.Principal()
	if principal == nil {
		return nil, validationErr("", "not authenticated")
	}
	data, err := s.client.do(ctx, "GET", "/api/blog/user/rated-stories", nil, nil, reqOptions{auth: true, idempotent: true})
	if err != nil {
		return nil, err
	}
	resp, err := decode[storiesResponse](data)
	if err != nil {
		return nil, err
	}
	stories := resp.Stories
	for i := range stories {
		if stories[i].Rating != 0 {
			continue
		}
		for _, in := range stories[i].Interactions {
			if in.UserID == principal.ID && in.Type == "rating" {
				stories[i].Rating = in.Score
				break
			}
		}
	}
	return stories, nil
}

// AllRated fetches stories rated by any user at or above minScore. Public
// endpoint, no auth required.
func (s *StoryStore) AllRated(ctx context.Context, minScore int) ([]Story, error) {
	if minScore < 1 {
		minScore = 1
	}
	query := map[string]string{"minScore": strconv.Itoa(minScore)}
	data, err := s.client.do(ctx, "GET", "/api/blog/stories/all-rated", nil, query, reqOptions{idempotent: true})
	if err != nil {
		return nil, err
	}
	resp, err := decode[storiesResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Stories, nil
}

// Rate submits a 1..5 star rating. Not retried: a duplicate submission
// would double-count server side.
func (s *StoryStore) Rate(ctx context.Context, storyID string, score int) (float64, error) {
	if storyID == "" {
		return 0, validationErr("storyId", "required")
	}
	if score < 1 || score > 5 {
		return 0, validationErr("score", "must be between 1 and 5")
	}
	body := map[string]int{"score": score}
	data, err := s.client.do(ctx, "POST", "/api/blog/story/"+storyID+"/rate", body, nil, reqOptions{auth: true})
	if err != nil {
		return 0, err
	}
	resp, err := decode[rateResult](data)
	if err != nil {
		return 0, err
	}
	if resp.Score == 0 {
		return float64(score), nil
	}
	return resp.Score, nil
}

// checkResponse tolerates the shapes the check endpoint has used for the
// caller's existing rating.
type checkResponse struct {
	Score      *float64 `json:"score,omitempty"`
	Rating     *float64 `json:"rating,omitempty"`
	UserRating *struct {
		Score float64 `json:"score"`
	} `json:"userRating,omitempty"`
}

// CheckRated reports the score the authenticated user already gave a story,
// 0 when unrated.
func (s *StoryStore) CheckRated(ctx context.Context, storyID, slug string) (float64, error) {
	if storyID == "" || slug == "" {
		return 0, validationErr("", "storyId and slug are required")
	}
	query := map[string]string{"storyId": storyID, "slug": slug}
	data, err := s.client.do(ctx, "GET", "/api/blog/check", nil, query, reqOptions{auth: true, idempotent: true})
	if err != nil {
		return 0, err
	}
	var bare float64
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}
	resp, err := decode[checkResponse](data)
	if err != nil {
		return 0, err
	}
	switch {
	case resp.UserRating != nil:
		return resp.UserRating.Score, nil
	case resp.Score != nil:
		return *resp.Score, nil
	case resp.Rating != nil:
		return *resp.Rating, nil
	}
	return 0, nil
}

// Like toggles the authenticated user's like on a story. Idempotent per
// user and story, so safe for transport retry. The server's authoritative
// counts are applied to the cached current story when it matches.
func (s *StoryStore) Like(ctx context.Context, storyID string) (*LikeResult, error) {
	if storyID == "" {
		return nil, validationErr("storyId", "required")
	}
	principal := s.client.session.Principal()
	if principal == nil {
		return nil, validationErr("", "not authenticated")
	}
	body := map[string]string{"userId": principal.ID}
	data, err := s.client.do(ctx, "POST", "/api/blog/story/"+storyID+"/like", body, nil, reqOptions{auth: true, idempotent: true})
	if err != nil {
		s.fail(err)
		return nil, err
	}
	resp, err := decode[LikeResult](data)
	if err != nil {
		return nil, err
	}
	if resp.StoryID == "" {
		resp.StoryID = storyID
	}
	s.mu.Lock()
	if s.current != nil && s.current.ID == storyID {
		s.current.LikesCount = resp.LikesCount
		s.current.LikedByUser = resp.LikedByUser
	}
	for i := range s.stories {
		if s.stories[i].ID == storyID {
			s.stories[i].LikesCount = resp.LikesCount
			s.stories[i].LikedByUser = resp.LikedByUser
		}
	}
	s.mu.Unlock()
	return resp, nil
}

// MapRatings lifts a story's rating interactions into plain Rating values.
func MapRatings(story Story) []Rating {
	out := make([]Rating, 0, len(story.Interactions))
	for _, in := range story.Interactions {
		if in.Type != "rating" {
			continue
		}
		out = append(out, Rating{UserID: in.UserID, Score: in.Score, CreatedAt: in.UpdatedAt})
	}
	return out
}

// RatedAbove returns cached stories the authenticated user rated strictly
// above min.
func (s *StoryStore) RatedAbove(min float64) []Story {
	principal := s.client.session.Principal()
	if principal == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Story
	for _, story := range s.stories {
		for _, in := range story.Interactions {
			if in.UserID == principal.ID && in.Score > min {
				out = append(out, story)
				break
			}
		}
	}
	return out
}

// PopularAbove returns cached stories any user rated strictly above min.
func (s *StoryStore) PopularAbove(min float64) []Story {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Story
	for _, story := range s.stories {
		for _, in := range story.Interactions {
			if in.Type == "rating" && in.Score > min {
				out = append(out, story)
				break
			}
		}
	}
	return out
}

// RatingDistribution builds a 1..5 star histogram over the cached stories'
// rating interactions. With userOnly set, only the authenticated user's
// ratings are counted. Fractional scores outside whole 1..5 are ignored.
func (s *StoryStore) RatingDistribution(userOnly bool) []StarCount {
	var userID string
	if userOnly {
		principal := s.client.session.Principal()
		if principal == nil {
			userID = "\x00" // matches no interaction
		} else {
			userID = principal.ID
		}
	}
	counts := [6]int{}
	s.mu.RLock()
	for _, story := range s.stories {
		for _, r := range MapRatings(story) {
			if userOnly && r.UserID != userID {
				continue
			}
			star := int(r.Score)
			if float64(star) == r.Score && star >= 1 && star <= 5 {
				counts[star]++
			}
		}
	}
	s.mu.RUnlock()
	out := make([]StarCount, 5)
	for star := 1; star <= 5; star++ {
		out[star-1] = StarCount{Star: star, Count: counts[star]}
	}
	return out
}
