package storysync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient wires a client against a test server with fast retries.
func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]ClientOption{WithRetry(3, time.Millisecond)}, opts...)
	return NewClient(srv.URL, opts...), srv
}

// loginTestClient additionally installs a valid session.
func loginTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) (*Client, *httptest.Server) {
	t.Helper()
	client, srv := newTestClient(t, handler, opts...)
	client.session.SetAuth(signedToken(t, time.Now().Add(time.Hour)), &User{ID: "u1", Username: "ana"})
	return client, srv
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestDoRetriesIdempotentOn5xx(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusInternalServerError, `{"error":"try later"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"ok":true}`)
	}))

	_, err := client.do(context.Background(), "GET", "/x", nil, nil, reqOptions{idempotent: true})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoNonIdempotentGetsOneAttempt(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, `{"error":"boom"}`)
	}))

	_, err := client.do(context.Background(), "POST", "/x", map[string]string{"a": "b"}, nil, reqOptions{})
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoNeverRetries401(t *testing.T) {
	var calls atomic.Int32
	client, _ := loginTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"message":"nope"}`)
	}))

	_, err := client.do(context.Background(), "GET", "/x", nil, nil, reqOptions{auth: true, idempotent: true})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), calls.Load())
	// Session is cleared, persisted copy included.
	assert.False(t, client.session.IsAuthenticated())
	_, stored := client.storage.Get(NamespaceAuth, sessionStorageKey)
	assert.False(t, stored)
}

func TestDoUnauthenticated401IsServerError(t *testing.T) {
	client, _ := loginTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"invalid credentials"}`)
	}))

	// A 401 on a request outside the session gate is an ordinary server
	// error; the session it did not use stays intact.
	_, err := client.do(context.Background(), "POST", "/x", map[string]string{"a": "b"}, nil, reqOptions{})
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.NotErrorIs(t, err, ErrSessionExpired)
	assert.True(t, client.session.IsAuthenticated())
}

func TestDoExpiredSessionFailsBeforeIO(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	client.session.SetAuth(signedToken(t, time.Now().Add(-time.Hour)), &User{ID: "u1"})

	_, err := client.do(context.Background(), "GET", "/x", nil, nil, reqOptions{auth: true, idempotent: true})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, client.session.IsAuthenticated())
}

func TestDoNoTokenIsValidationError(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	_, err := client.do(context.Background(), "GET", "/x", nil, nil, reqOptions{auth: true})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDoTimeout(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}), WithTimeout(20*time.Millisecond))

	_, err := client.do(context.Background(), "GET", "/x", nil, nil, reqOptions{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDoNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	client := NewClient(srv.URL, WithRetry(2, time.Millisecond))
	srv.Close()

	_, err := client.do(context.Background(), "GET", "/x", nil, nil, reqOptions{})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestDoMalformedResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "<html>login page</html>")
	}))

	_, err := client.do(context.Background(), "GET", "/x", nil, nil, reqOptions{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDoServerErrorCarriesMessage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"message":"text is required"}`)
	}))

	_, err := client.do(context.Background(), "POST", "/x", nil, nil, reqOptions{})
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "text is required", se.Message)
	assert.Equal(t, "text is required", UserMessage(err))
}

func TestDoAttachesBearerToken(t *testing.T) {
	var got string
	client, _ := loginTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, `{}`)
	}))

	_, err := client.do(context.Background(), "GET", "/x", nil, nil, reqOptions{auth: true})
	require.NoError(t, err)
	token, _ := client.session.Token()
	assert.Equal(t, "Bearer "+token, got)
}

func TestDoContextCancelStopsRetryLoop(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{}`)
	}), WithRetry(5, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.do(ctx, "GET", "/x", nil, nil, reqOptions{idempotent: true})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("do did not return after context cancel")
	}
}

func TestUserMessageGenericCategories(t *testing.T) {
	assert.Equal(t, "Session expired. Please log in again.", UserMessage(ErrSessionExpired))
	assert.Equal(t, "Network error. Please check your connection.", UserMessage(ErrNetwork))
	assert.Equal(t, "Request timed out. Please try again.", UserMessage(ErrTimeout))
	// 5xx detail is never shown verbatim.
	assert.Equal(t, "Something went wrong. Please try again.",
		UserMessage(&ServerError{Status: 500, Message: "stack trace here"}))
}
