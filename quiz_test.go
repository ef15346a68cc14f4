package storysync

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDIsDurable(t *testing.T) {
	storage := NewMemoryStorage()
	client := NewClient("http://unused", WithStorage(storage))

	id := client.Quiz.DeviceID()
	require.NotEmpty(t, id)
	_, err := ulid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, client.Quiz.DeviceID())

	// Survives a fresh client over the same storage.
	again := NewClient("http://unused", WithStorage(storage))
	assert.Equal(t, id, again.Quiz.DeviceID())
}

func TestRandomExcludesAnsweredQuestions(t *testing.T) {
	var exclude atomic.Value
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/check"):
			writeJSON(w, http.StatusOK, `{"isCorrect":true}`)
		default:
			exclude.Store(r.URL.Query().Get("exclude"))
			writeJSON(w, http.StatusOK, `{"_id":"q2","question":"2+2?"}`)
		}
	}))

	_, _, err := client.Quiz.CheckAnswer(context.Background(), "q1", "four")
	require.NoError(t, err)

	q, err := client.Quiz.Random(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "q2", q.ID)
	assert.Equal(t, "q1", exclude.Load())
}

func TestRandomPoolExhausted(t *testing.T) {
	t.Run("noMore flag", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"noMore":true}`)
		}))
		_, err := client.Quiz.Random(context.Background(), "")
		assert.ErrorIs(t, err, ErrNoMoreQuestions)
	})
	t.Run("404", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, `{"error":"no questions left"}`)
		}))
		_, err := client.Quiz.Random(context.Background(), "")
		assert.ErrorIs(t, err, ErrNoMoreQuestions)
	})
}

func TestCheckAnswerUpdatesTally(t *testing.T) {
	answers := map[string]bool{"q1": true, "q2": false, "q3": true}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		qid := parts[len(parts)-2]
		body, _ := json.Marshal(answerResult{IsCorrect: answers[qid], CorrectAnswer: "x"})
		writeJSON(w, http.StatusOK, string(body))
	}))

	for _, qid := range []string{"q1", "q2", "q3"} {
		_, _, err := client.Quiz.CheckAnswer(context.Background(), qid, "guess")
		require.NoError(t, err)
	}

	score, total, answered := client.Quiz.Tally()
	assert.Equal(t, 2, score)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"q1", "q2", "q3"}, answered)

	client.Quiz.ResetQuiz()
	score, total, answered = client.Quiz.Tally()
	assert.Zero(t, score)
	assert.Zero(t, total)
	assert.Empty(t, answered)
}

func TestSaveScoreComputesPercentage(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, `{"score":{"deviceId":"d1","correctCount":2,"wrongCount":1,"totalQuestions":3,"percentage":67}}`)
	}))

	score, err := client.Quiz.SaveScore(context.Background(), 2, 1, 3, "")
	require.NoError(t, err)
	assert.Equal(t, 67, score.Percentage)
	assert.Equal(t, float64(67), got["percentage"])
	assert.Equal(t, "all", got["category"])
	assert.Equal(t, client.Quiz.DeviceID(), got["deviceId"])
	assert.Equal(t, score, client.Quiz.LastScore())
}

func TestScoresTracksMostRecent(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, `{"scores":[
			{"deviceId":"d1","percentage":90},
			{"deviceId":"d1","percentage":40}
		]}`)
	}))

	scores, err := client.Quiz.Scores(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, 90, client.Quiz.LastScore().Percentage)
}

func TestResetScoresClearsLast(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			writeJSON(w, http.StatusOK, `{"deleted":true}`)
		default:
			writeJSON(w, http.StatusOK, `{"scores":[{"deviceId":"d1","percentage":50}]}`)
		}
	}))

	_, err := client.Quiz.Scores(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, client.Quiz.LastScore())

	require.NoError(t, client.Quiz.ResetScores(context.Background()))
	assert.Nil(t, client.Quiz.LastScore())
}

func TestBestScoreNilWhenNoneStored(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"bestScore":null}`)
	}))
	best, err := client.Quiz.BestScore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, best)
}
