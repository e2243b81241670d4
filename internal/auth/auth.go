package auth

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidPIN     = errors.New("invalid pin")
	ErrInvalidSession = errors.New("invalid session")
)

// DefaultPINs is the stock staff allow-list; deployments replace it with
// bcrypt hashes via STAFF_PIN_HASHES.
var DefaultPINs = []string{"1234", "0000", "1111", "8888"}

// Session is an authenticated staff session.
type Session struct {
	ID        string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service is the PIN gate the counter lock manager sits behind. It holds
// no authorization logic beyond the allow-list lookup; the queue core
// treats it as opaque.
type Service struct {
	mu       sync.Mutex
	pins     []string
	hashes   []string
	ttl      time.Duration
	sessions map[string]time.Time
	now      func() time.Time
}

// NewService builds the gate from plain PINs and/or bcrypt hashes. Hashes
// win when both are configured; with neither, DefaultPINs apply.
func NewService(pins, pinHashes []string, sessionTTL time.Duration) *Service {
	if len(pins) == 0 && len(pinHashes) == 0 {
		pins = DefaultPINs
	}
	if sessionTTL <= 0 {
		sessionTTL = 8 * time.Hour
	}
	return &Service{
		pins:     pins,
		hashes:   pinHashes,
		ttl:      sessionTTL,
		sessions: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckPIN reports whether pin is on the allow-list.
func (s *Service) CheckPIN(pin string) bool {
	for _, hash := range s.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil {
			return true
		}
	}
	matched := false
	for _, candidate := range s.pins {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(pin)) == 1 {
			matched = true
		}
	}
	return matched
}

// Login validates pin and issues a session token.
func (s *Service) Login(pin string) (Session, error) {
	if !s.CheckPIN(pin) {
		return Session{}, ErrInvalidPIN
	}
	session := Session{
		ID:        uuid.NewString(),
		ExpiresAt: s.now().Add(s.ttl),
	}
	s.mu.Lock()
	s.sessions[session.ID] = session.ExpiresAt
	s.mu.Unlock()
	return session, nil
}

// Validate reports whether token names a live session.
func (s *Service) Validate(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.sessions[token]
	if !ok {
		return ErrInvalidSession
	}
	if s.now().After(expires) {
		delete(s.sessions, token)
		return ErrInvalidSession
	}
	return nil
}

// Logout forgets the session. Unknown tokens are a no-op.
func (s *Service) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// HashPIN is a helper for provisioning STAFF_PIN_HASHES entries.
func HashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
