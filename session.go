package storysync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ExpiryBuffer is subtracted from the token expiry so a request never races
// an imminent expiry.
const ExpiryBuffer = 60 * time.Second

const sessionStorageKey = "auth-storage"

// Session owns the bearer token, its decoded expiry, and the authenticated
// principal. Expiry is checked lazily on access, never via a timer.
type Session struct {
	mu        sync.Mutex
	token     string
	expiry    time.Time
	principal *User
	lastErr   string
	ready     bool

	storage Storage
	log     *zap.Logger
	now     func() time.Time
}

// NewSession creates an empty, not-yet-ready session. Call Hydrate to load
// any persisted state and mark the session ready.
func NewSession(storage Storage, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{storage: storage, log: log, now: time.Now}
}

// persistedSession is the durable subset of session state. Raw credentials
// are never stored.
type persistedSession struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
	User      *User  `json:"user"`
}

// decodeExpiry extracts the exp claim without verifying the signature. The
// client only needs the timestamp; the server is the verifier.
func decodeExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// SetAuth stores the token, its decoded expiry and the principal atomically,
// clears any prior error, and persists the result.
func (s *Session) SetAuth(token string, principal *User) {
	s.mu.Lock()
	s.token = token
	s.principal = principal
	s.lastErr = ""
	if exp, ok := decodeExpiry(token); ok {
		s.expiry = exp
	} else {
		// Undecodable token: zero expiry makes IsExpired fail safe.
		s.expiry = time.Time{}
	}
	data := persistedSession{Token: s.token, User: s.principal}
	if !s.expiry.IsZero() {
		data.ExpiresAt = s.expiry.UnixMilli()
	}
	s.mu.Unlock()

	if b, err := json.Marshal(data); err == nil {
		s.storage.Set(NamespaceAuth, sessionStorageKey, string(b))
	}
}

// Clear nulls token, expiry, principal and error, and purges the persisted
// copy. It never touches the network so it succeeds offline.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.principal = nil
	s.lastErr = ""
	s.mu.Unlock()
	s.storage.Remove(NamespaceAuth, sessionStorageKey)
}

// IsExpired reports whether the token is absent, undecodable, or inside the
// expiry buffer.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiredLocked()
}

func (s *Session) expiredLocked() bool {
	if s.token == "" || s.expiry.IsZero() {
		return true
	}
	return !s.now().Before(s.expiry.Add(-ExpiryBuffer))
}

// IsAuthenticated reports whether a token and principal are present and the
// token has not expired.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != "" && s.principal != nil && !s.expiredLocked()
}

// Token returns the current token, or false if none is set.
func (s *Session) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

// Principal returns a copy of the authenticated user, or nil.
func (s *Session) Principal() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return nil
	}
	u := *s.principal
	return &u
}

// Ready distinguishes "persisted state not yet loaded" from "loaded and
// logged out". Consumers gate on this, not on timing.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Hydrate loads the persisted session, clears it if the stored token has
// expired, and marks the session ready.
func (s *Session) Hydrate() {
	raw, ok := s.storage.Get(NamespaceAuth, sessionStorageKey)
	if ok {
		var data persistedSession
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			s.log.Warn("discarding unreadable persisted session", zap.Error(err))
			s.storage.Remove(NamespaceAuth, sessionStorageKey)
		} else if data.Token != "" {
			s.mu.Lock()
			s.token = data.Token
			s.principal = data.User
			// Expiry always comes from the token itself, never from the
			// persisted snapshot.
			if exp, decoded := decodeExpiry(data.Token); decoded {
				s.expiry = exp
			}
			expired := s.expiredLocked()
			s.mu.Unlock()
			if expired {
				s.log.Info("persisted token expired, clearing session")
				s.Clear()
			}
		}
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

// SetError records the last user-facing auth error.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// Err returns the last recorded auth error, if any.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
