package session

import (
	"context"
	"errors"
	"sync"

	"github.com/openfordpass/bridge/pkg/statestore"
)

// State tree paths reserved for the bridge's own bookkeeping.
const (
	PathSessionBlob  = "info.session"
	PathPKCEVerifier = "info.pkce"
)

// Store owns the current Session and TelemetryToken and mirrors them into the
// external state tree as an opaque blob. Replacement is always wholesale; a
// refresh never patches fields in place.
type Store struct {
	mu        sync.RWMutex
	session   *Token
	telemetry *Token
	external  statestore.Store
}

func NewStore(external statestore.Store) *Store {
	return &Store{external: external}
}

// Session returns the current vehicle-cloud token, or nil.
func (s *Store) Session() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Telemetry returns the current telemetry-provider token, or nil.
func (s *Store) Telemetry() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telemetry
}

// SetSession replaces the session and persists the blob.
func (s *Store) SetSession(ctx context.Context, t *Token) error {
	s.mu.Lock()
	s.session = t
	s.mu.Unlock()
	return s.persist(ctx)
}

// SetTelemetry replaces the telemetry token and persists the blob.
func (s *Store) SetTelemetry(ctx context.Context, t *Token) error {
	s.mu.Lock()
	s.telemetry = t
	s.mu.Unlock()
	return s.persist(ctx)
}

// Invalidate drops both tokens, e.g. after a rejected refresh grant.
func (s *Store) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	s.session = nil
	s.telemetry = nil
	s.mu.Unlock()
	return s.persist(ctx)
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.RLock()
	blob := Blob{Session: s.session, Telemetry: s.telemetry}
	s.mu.RUnlock()
	raw, err := blob.Encode()
	if err != nil {
		return err
	}
	return s.external.SetValue(ctx, PathSessionBlob, raw, true)
}

// Restore loads a previously persisted blob. A missing blob is not an error;
// the caller falls back to an interactive login.
func (s *Store) Restore(ctx context.Context) error {
	v, err := s.external.GetValue(ctx, PathSessionBlob)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	raw, ok := v.Val.(string)
	if !ok || raw == "" {
		return nil
	}
	blob, err := DecodeBlob(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.session = blob.Session
	s.telemetry = blob.Telemetry
	s.mu.Unlock()
	return nil
}

// SaveVerifier persists a pending PKCE code verifier so an interrupted
// interactive login can still redeem its authorization code after a restart.
func (s *Store) SaveVerifier(ctx context.Context, verifier string) error {
	return s.external.SetValue(ctx, PathPKCEVerifier, verifier, true)
}

// Verifier returns the pending PKCE verifier, or "" when none is stored.
func (s *Store) Verifier(ctx context.Context) (string, error) {
	v, err := s.external.GetValue(ctx, PathPKCEVerifier)
	if errors.Is(err, statestore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	raw, _ := v.Val.(string)
	return raw, nil
}

// ClearVerifier removes the pending verifier after a successful exchange.
func (s *Store) ClearVerifier(ctx context.Context) error {
	return s.external.SetValue(ctx, PathPKCEVerifier, "", true)
}
