package storysync

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// User is the authenticated principal as the server reports it.
type User struct {
	ID             string `json:"_id"`
	Username       string `json:"username"`
	Email          string `json:"email,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// ============================================================================
// Auth API Types
// ============================================================================

type authResponse struct {
	Token   string `json:"token"`
	User    *User  `json:"user"`
	Message string `json:"message,omitempty"`
}

type userResponse struct {
	User    *User  `json:"user"`
	Message string `json:"message,omitempty"`
}

// ProfileUpdate carries the mutable profile fields. Empty fields are skipped.
type ProfileUpdate struct {
	Username       string `json:"username,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

type uploadResponse struct {
	URL string `json:"url"`
}

// ============================================================================
// Blog API Types
// ============================================================================

// Interaction is a per-user record attached to a story (rating, like).
type Interaction struct {
	UserID    string  `json:"userId"`
	Type      string  `json:"type"`
	Score     float64 `json:"score,omitempty"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
}

// Story is a blog story as returned by the stories endpoints.
type Story struct {
	ID           string        `json:"_id"`
	Slug         string        `json:"slug,omitempty"`
	Title        string        `json:"title"`
	Content      string        `json:"content,omitempty"`
	Image        string        `json:"image,omitempty"`
	AudioURL     string        `json:"audioUrl,omitempty"`
	LikesCount   int           `json:"likesCount,omitempty"`
	LikedByUser  bool          `json:"likedByUser,omitempty"`
	Rating       float64       `json:"rating,omitempty"`
	Interactions []Interaction `json:"interactions,omitempty"`
	CreatedAt    string        `json:"createdAt,omitempty"`
}

type storiesResponse struct {
	Stories []Story `json:"stories"`
	Data    []Story `json:"data,omitempty"`
}

// LikeResult is the authoritative like state returned after a story like
// toggle.
type LikeResult struct {
	StoryID     string `json:"storyId"`
	LikesCount  int    `json:"likesCount"`
	LikedByUser bool   `json:"likedByUser"`
}

type rateResult struct {
	StoryID string  `json:"storyId"`
	Score   float64 `json:"score"`
	Average float64 `json:"average,omitempty"`
}

// StarCount is one bucket of a 1..5 rating histogram.
type StarCount struct {
	Star  int
	Count int
}

type viewResult struct {
	TotalViews    int `json:"totalViews"`
	UserViewCount int `json:"userViewCount"`
}

// StoryViews is the cached view-count record for one story.
type StoryViews struct {
	TotalViews    int
	UserViewCount int
}

// ============================================================================
// Comments API Types
// ============================================================================

type commentsResponse struct {
	Comments []json.RawMessage `json:"comments"`
}

type commentCreateResponse struct {
	NewComment json.RawMessage `json:"newComment"`
}

type commentEditResponse struct {
	Updated json.RawMessage `json:"updated"`
}

type commentDeleteResponse struct {
	Deleted  bool   `json:"deleted"`
	StoryID  string `json:"storyId,omitempty"`
	NewCount *int   `json:"newCount,omitempty"`
}

type commentCountResponse struct {
	Total         *int `json:"total,omitempty"`
	Count         *int `json:"count,omitempty"`
	CommentsCount *int `json:"commentsCount,omitempty"`
}

// value tolerates the three field names the backend has used for the total.
func (r commentCountResponse) value() int {
	switch {
	case r.Total != nil:
		return *r.Total
	case r.Count != nil:
		return *r.Count
	case r.CommentsCount != nil:
		return *r.CommentsCount
	}
	return 0
}

// voteResult is the authoritative like/dislike state the server returns after
// a vote endpoint call.
type voteResult struct {
	CommentID     string   `json:"commentId"`
	LikedBy       []string `json:"likedBy,omitempty"`
	DislikedBy    []string `json:"dislikedBy,omitempty"`
	LikesCount    *int     `json:"likesCount,omitempty"`
	DislikesCount *int     `json:"dislikesCount,omitempty"`
}

// ============================================================================
// Quiz API Types
// ============================================================================

// Question is one quiz question.
type Question struct {
	ID       string   `json:"_id"`
	Question string   `json:"question"`
	Choices  []string `json:"choices,omitempty"`
	Category string   `json:"category,omitempty"`
}

type answerResult struct {
	IsCorrect     bool   `json:"isCorrect"`
	CorrectAnswer string `json:"correctAnswer,omitempty"`
}

// Score is a stored quiz result attributed to an anonymous device id.
type Score struct {
	ID             string `json:"_id,omitempty"`
	DeviceID       string `json:"deviceId"`
	CorrectCount   int    `json:"correctCount"`
	WrongCount     int    `json:"wrongCount"`
	TotalQuestions int    `json:"totalQuestions"`
	Percentage     int    `json:"percentage"`
	Category       string `json:"category,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

type scoreResponse struct {
	Score *Score `json:"score"`
}

type scoresResponse struct {
	Scores []Score `json:"scores"`
}

type bestScoreResponse struct {
	BestScore *Score `json:"bestScore"`
}

type categoriesResponse struct {
	Categories []string `json:"categories"`
}
