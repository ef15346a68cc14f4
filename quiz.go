package storysync

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const deviceIDKey = "device-id"

// QuizAPI drives the quiz flow: question fetch, answer checking, and score
// persistence. Scores are attributed to a durable anonymous device id so
// the quiz works without an account.
type QuizAPI struct {
	client *Client
	log    *zap.Logger

	mu          sync.Mutex
	deviceID    string
	quizScore   int
	quizTotal   int
	answeredIDs []string
	lastScore   *Score
}

func newQuizAPI(c *Client) *QuizAPI {
	return &QuizAPI{client: c, log: c.log.Named("quiz")}
}

// DeviceID returns the anonymous device id, generating and persisting one
// on first use. Persistence failures are tolerated; the id then lives for
// the process only.
func (q *QuizAPI) DeviceID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deviceID != "" {
		return q.deviceID
	}
	if v, ok := q.client.storage.Get(NamespaceCache, deviceIDKey); ok && v != "" {
		q.deviceID = v
		return v
	}
	q.deviceID = ulid.Make().String()
	q.client.storage.Set(NamespaceCache, deviceIDKey, q.deviceID)
	return q.deviceID
}

// Categories lists the available question categories.
func (q *QuizAPI) Categories(ctx context.Context) ([]string, error) {
	data, err := q.client.do(ctx, "GET", "/api/qa/qa/categories", nil, nil, reqOptions{idempotent: true})
	if err != nil {
		return nil, err
	}
	resp, err := decode[categoriesResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Categories, nil
}

type randomQuestionResponse struct {
	Question
	NoMore bool `json:"noMore,omitempty"`
}

// Random fetches a random question, excluding everything already answered
// this round. An empty category means no filter. Returns
// ErrNoMoreQuestions when the pool is exhausted.
func (q *QuizAPI) Random(ctx context.Context, category string) (*Question, error) {
	q.mu.Lock()
	exclude := strings.Join(q.answeredIDs, ",")
	q.mu.Unlock()

	query := map[string]string{}
	if exclude != "" {
		query["exclude"] = exclude
	}
	if category != "" {
		query["category"] = category
	}
	data, err := q.client.do(ctx, "GET", "/api/qa/qa/random", nil, query, reqOptions{idempotent: true})
	if err != nil {
		var se *ServerError
		if errors.As(err, &se) && se.Status == 404 {
			return nil, ErrNoMoreQuestions
		}
		return nil, err
	}
	resp, err := decode[randomQuestionResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.NoMore {
		return nil, ErrNoMoreQuestions
	}
	if resp.ID == "" {
		return nil, ErrMalformedResponse
	}
	question := resp.Question
	return &question, nil
}

// CheckAnswer submits an answer for grading and folds the result into the
// local tally. The question is marked answered either way so Random will
// not serve it again this round.
func (q *QuizAPI) CheckAnswer(ctx context.Context, questionID, answer string) (bool, string, error) {
	if questionID == "" {
		return false, "", validationErr("questionId", "required")
	}
	body := map[string]string{"userAnswer": answer}
	data, err := q.client.do(ctx, "POST", "/api/qa/qa/"+questionID+"/check", body, nil, reqOptions{idempotent: true})
	if err != nil {
		return false, "", err
	}
	resp, err := decode[answerResult](data)
	if err != nil {
		return false, "", err
	}
	q.mu.Lock()
	q.quizTotal++
	if resp.IsCorrect {
		q.quizScore++
	}
	if !contains(q.answeredIDs, questionID) {
		q.answeredIDs = append(q.answeredIDs, questionID)
	}
	q.mu.Unlock()
	return resp.IsCorrect, resp.CorrectAnswer, nil
}

// Tally reports the running score of the current round.
func (q *QuizAPI) Tally() (score, total int, answered []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	answered = make([]string, len(q.answeredIDs))
	copy(answered, q.answeredIDs)
	return q.quizScore, q.quizTotal, answered
}

// ResetQuiz clears the running tally and the exclusion list.
func (q *QuizAPI) ResetQuiz() {
	q.mu.Lock()
	q.quizScore = 0
	q.quizTotal = 0
	q.answeredIDs = nil
	q.mu.Unlock()
}

// SaveScore stores a finished round under the device id. Not retried: a
// duplicate submission would record the round twice.
func (q *QuizAPI) SaveScore(ctx context.Context, correct, wrong, total int, category string) (*Score, error) {
	if total <= 0 {
		return nil, validationErr("totalQuestions", "must be positive")
	}
	if category == "" {
		category = "all"
	}
	percentage := int(math.Round(float64(correct) / float64(total) * 100))
	body := map[string]any{
		"deviceId":       q.DeviceID(),
		"correctCount":   correct,
		"wrongCount":     wrong,
		"totalQuestions": total,
		"percentage":     percentage,
		"category":       category,
	}
	data, err := q.client.do(ctx, "POST", "/api/qa/score", body, nil, reqOptions{})
	if err != nil {
		return nil, err
	}
	resp, err := decode[scoreResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Score == nil {
		return nil, ErrMalformedResponse
	}
	q.mu.Lock()
	q.lastScore = resp.Score
	q.mu.Unlock()
	return resp.Score, nil
}

// Scores fetches up to limit stored rounds for this device, most recent
// first.
func (q *QuizAPI) Scores(ctx context.Context, limit int) ([]Score, error) {
	if limit < 1 {
		limit = 10
	}
	query := map[string]string{"limit": strconv.Itoa(limit)}
	data, err := q.client.do(ctx, "GET", "/api/qa/scores/"+q.DeviceID(), nil, query, reqOptions{idempotent: true})
	if err != nil {
		return nil, err
	}
	resp, err := decode[scoresResponse](data)
	if err != nil {
		return nil, err
	}
	if len(resp.Scores) > 0 {
		q.mu.Lock()
		last := resp.Scores[0]
		q.lastScore = &last
		q.mu.Unlock()
	}
	return resp.Scores, nil
}

// LastScore returns the most recently saved or fetched score, nil when
// none is known.
func (q *QuizAPI) LastScore() *Score {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastScore == nil {
		return nil
	}
	cp := *q.lastScore
	return &cp
}

// BestScore fetches the device's best stored round, nil when no rounds
// exist.
func (q *QuizAPI) BestScore(ctx context.Context) (*Score, error) {
	data, err := q.client.do(ctx, "GET", "/api/qa/score/best/"+q.DeviceID(), nil, nil, reqOptions{idempotent: true})
	if err != nil {
		return nil, err
	}
	resp, err := decode[bestScoreResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.BestScore, nil
}

// ResetScores deletes every stored round for this device. Deleting is
// idempotent, so transport retry is safe.
func (q *QuizAPI) ResetScores(ctx context.Context) error {
	_, err := q.client.do(ctx, "DELETE", "/api/qa/scores/"+q.DeviceID(), nil, nil, reqOptions{idempotent: true})
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.lastScore = nil
	q.mu.Unlock()
	return nil
}
