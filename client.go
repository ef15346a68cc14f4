// Package storysync is a Go client for a story/comment/quiz backend. It keeps
// server-owned entities in an in-memory normalized cache, applies mutations
// optimistically with rollback, reconciles against realtime push events and
// authoritative fetches, and persists a durable subset of its state across
// process restarts.
//
// Example:
//
//	client := storysync.NewClient("https://api.example.com",
//		storysync.WithStorage(storysync.NewFileStorage(dir, nil)))
//	client.Session().Hydrate()
//
//	if _, err := client.Auth.Login(ctx, "a@b.c", "secret"); err != nil {
//		log.Fatal(storysync.UserMessage(err))
//	}
//	_, err := client.Comments.Post(ctx, storyID, "hello", "")
package storysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds every transport call.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxRetries is the attempt cap for idempotent requests that fail
	// transiently.
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay is doubled per attempt.
	DefaultRetryBaseDelay = 1 * time.Second
)

// Client is the composition root: it owns the session, the transport, and the
// per-resource stores.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration
	storage    Storage
	session    *Session
	log        *zap.Logger

	Auth     *AuthAPI
	Stories  *StoryStore
	Comments *CommentStore
	Views    *ViewStore
	Quiz     *QuizAPI
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRetry sets the attempt cap and base backoff delay for idempotent
// requests.
func WithRetry(maxRetries int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			c.retryBase = baseDelay
		}
	}
}

// WithStorage sets the durable storage backing the session and cache
// snapshots. Defaults to in-memory storage.
func WithStorage(s Storage) ClientOption {
	return func(c *Client) { c.storage = s }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		retryBase:  DefaultRetryBaseDelay,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}

	c.session = NewSession(c.storage, c.log)
	c.Auth = &AuthAPI{client: c}
	c.Stories = newStoryStore(c)
	c.Comments = newCommentStore(c)
	c.Views = newViewStore(c)
	c.Quiz = newQuizAPI(c)
	return c
}

// Session returns the client's token session.
func (c *Client) Session() *Session { return c.session }

// Realtime creates a realtime channel that authenticates with the session's
// current token at each (re)connect.
func (c *Client) Realtime() *Channel {
	return NewChannel(c.baseURL, func() string {
		token, _ := c.session.Token()
		return token
	}, WithChannelLogger(c.log))
}

// ============================================================================
// Transport
// ============================================================================

// reqOptions classifies a request for the retry and auth policy.
type reqOptions struct {
	// auth requires a non-expired session and attaches the bearer token.
	auth bool
	// idempotent marks the request safe to retry on transient failure.
	// Reads and per-user toggles qualify; creates and rate submissions do
	// not, since a retried create can duplicate server state.
	idempotent bool
}

// do performs one HTTP call with timeout, bounded retry and uniform error
// classification, returning the raw JSON body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string, opts reqOptions) (json.RawMessage, error) {
	if opts.auth {
		if _, ok := c.session.Token(); !ok {
			return nil, validationErr("", "not authenticated")
		}
		if c.session.IsExpired() {
			// Fail before any network I/O; the forced clear purges the
			// persisted copy too.
			c.session.Clear()
			return nil, ErrSessionExpired
		}
	}

	attempts := 1
	if opts.idempotent {
		attempts = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.retryBase << (attempt - 1)
			c.log.Debug("retrying request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := c.doOnce(ctx, method, path, body, query, opts.auth)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, ErrSessionExpired) || !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, query map[string]string, auth bool) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, validationErr("", "unencodable request body")
		}
		bodyReader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u, bodyReader)
	if err != nil {
		return nil, validationErr("", "invalid request: "+err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if token, ok := c.session.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrNetwork
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrNetwork
	}

	if resp.StatusCode == http.StatusUnauthorized && auth {
		// Authorization failures on session-gated requests are never
		// retried; the session is done. A 401 from an unauthenticated
		// endpoint (a failed login, say) is an ordinary server error and
		// must not touch an existing session.
		c.session.Clear()
		return nil, ErrSessionExpired
	}

	isJSON := strings.Contains(resp.Header.Get("Content-Type"), "application/json")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if isJSON {
			var e struct {
				Message string `json:"message"`
				Error   string `json:"error"`
			}
			if json.Unmarshal(raw, &e) == nil {
				if e.Message != "" {
					msg = e.Message
				} else if e.Error != "" {
					msg = e.Error
				}
			}
		}
		return nil, &ServerError{Status: resp.StatusCode, Message: msg}
	}

	if !isJSON || !json.Valid(raw) {
		return nil, ErrMalformedResponse
	}
	return raw, nil
}

// notify sends a single fire-and-forget request carrying an explicit bearer
// token, bypassing the session gate. Used when the session is already cleared
// locally but the server should still hear about it.
func (c *Client) notify(ctx context.Context, method, path, token string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// decode unmarshals a transport response into T.
func decode[T any](data json.RawMessage) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, ErrMalformedResponse
	}
	return &result, nil
}
