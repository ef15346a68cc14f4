package storysync

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxInputLength    = 500
	minPasswordLength = 8
)

// AuthAPI implements the authentication operations. Successful calls update
// the client's session (and its persisted copy) atomically.
type AuthAPI struct {
	client *Client
}

// sanitizeInput trims and caps free-form user input before it goes on the
// wire.
func sanitizeInput(in string) string {
	in = strings.TrimSpace(in)
	if len(in) > maxInputLength {
		in = in[:maxInputLength]
	}
	return in
}

func sanitizeEmail(email string) string {
	return strings.ToLower(sanitizeInput(email))
}

// Register creates an account and establishes a session.
func (a *AuthAPI) Register(ctx context.Context, username, email, password string) (*User, error) {
	username = sanitizeInput(username)
	email = sanitizeEmail(email)
	switch {
	case username == "" || email == "" || password == "":
		return nil, validationErr("", "all fields are required")
	case len(password) < minPasswordLength:
		return nil, validationErr("password", "must be at least 8 characters")
	}
	return a.exchange(ctx, "/api/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
}

// Login authenticates with email and password and establishes a session.
func (a *AuthAPI) Login(ctx context.Context, email, password string) (*User, error) {
	email = sanitizeEmail(email)
	if email == "" || password == "" {
		return nil, validationErr("", "email and password are required")
	}
	return a.exchange(ctx, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// ExchangeToken establishes a session from a token obtained out of band
// (e.g. a federated identity exchange). The principal is fetched from the
// server; the token is cleared again if that fails.
func (a *AuthAPI) ExchangeToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, validationErr("token", "required")
	}
	a.client.session.SetAuth(token, nil)
	user, err := a.Me(ctx)
	if err != nil {
		a.client.session.Clear()
		return nil, err
	}
	return user, nil
}

func (a *AuthAPI) exchange(ctx context.Context, path string, body map[string]string) (*User, error) {
	data, err := a.client.do(ctx, "POST", path, body, nil, reqOptions{})
	if err != nil {
		a.client.session.SetError(UserMessage(err))
		return nil, err
	}
	resp, err := decode[authResponse](data)
	if err != nil {
		a.client.session.SetError(UserMessage(err))
		return nil, err
	}
	if resp.Token == "" || resp.User == nil {
		a.client.session.SetError(UserMessage(ErrMalformedResponse))
		return nil, ErrMalformedResponse
	}
	// Trust the server-provided user, not claims decoded from the token.
	a.client.session.SetAuth(resp.Token, resp.User)
	return resp.User, nil
}

// Logout notifies the server best-effort and always clears the local session
// and its persisted copy, online or not.
func (a *AuthAPI) Logout(ctx context.Context) {
	// Capture the token before clearing; the background notification must
	// carry it even though the local session is already gone.
	token, ok := a.client.session.Token()
	a.client.session.Clear()
	if !ok || token == "" {
		return
	}
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), a.client.timeout)
		defer cancel()
		if err := a.client.notify(bg, "POST", "/api/auth/logout", token); err != nil {
			a.client.log.Debug("logout notification failed", zap.Error(err))
		}
	}()
}

// Me fetches the authenticated principal and refreshes the session's copy.
func (a *AuthAPI) Me(ctx context.Context) (*User, error) {
	data, err := a.client.do(ctx, "GET", "/api/auth/me", nil, nil, reqOptions{auth: true, idempotent: true})
	if err != nil {
		return nil, err
	}
	resp, err := decode[userResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, ErrMalformedResponse
	}
	if token, ok := a.client.session.Token(); ok {
		a.client.session.SetAuth(token, resp.User)
	}
	return resp.User, nil
}

// UpdateProfile patches the mutable profile fields.
func (a *AuthAPI) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	update.Username = sanitizeInput(update.Username)
	update.ProfilePicture = sanitizeInput(update.ProfilePicture)
	if update.Username == "" && update.ProfilePicture == "" {
		return nil, validationErr("", "no valid update data provided")
	}
	data, err := a.client.do(ctx, "PATCH", "/api/auth/user/profile", update, nil, reqOptions{auth: true})
	if err != nil {
		a.client.session.SetError(UserMessage(err))
		return nil, err
	}
	resp, err := decode[userResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.User != nil {
		if token, ok := a.client.session.Token(); ok {
			a.client.session.SetAuth(token, resp.User)
		}
	}
	return resp.User, nil
}

// UploadAvatar sends image bytes as base64 and returns the stored URL.
func (a *AuthAPI) UploadAvatar(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", validationErr("image", "required")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	body := map[string]string{
		"image": "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image),
	}
	data, err := a.client.do(ctx, "POST", "/api/auth/upload", body, nil, reqOptions{auth: true})
	if err != nil {
		return "", err
	}
	resp, err := decode[uploadResponse](data)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// CheckUser validates the session at startup: with no token or an expired one
// it reports unauthenticated without network I/O; with a valid token and a
// cached principal it is a no-op; otherwise it fetches the principal.
func (a *AuthAPI) CheckUser(ctx context.Context) (*User, error) {
	session := a.client.session
	if _, ok := session.Token(); !ok {
		return nil, ErrSessionExpired
	}
	if session.IsExpired() {
		session.Clear()
		return nil, ErrSessionExpired
	}
	if u := session.Principal(); u != nil {
		return u, nil
	}
	return a.Me(ctx)
}

// CheckUserWithRetry wraps CheckUser for unreliable startup networks:
// transient failures are retried with a linear backoff, definitive
// authentication results are returned immediately.
func (a *AuthAPI) CheckUserWithRetry(ctx context.Context, retries int) (*User, error) {
	if retries <= 0 {
		retries = 3
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		user, err := a.CheckUser(ctx)
		if err == nil {
			return user, nil
		}
		if errors.Is(err, ErrSessionExpired) || !retryable(err) {
			return nil, err
		}
		lastErr = err
		if i < retries-1 {
			select {
			case <-time.After(500 * time.Millisecond * time.Duration(i+1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}
