// Package drop implements the ephemeral one-time link store: a token minted
// at upload time resolves to its payload exactly once, then vanishes.
package drop

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"lepko/internal/keyval"
)

const (
	linkKeyPrefix = "drop:link:"
	tokenBytes    = 16

	// DefaultLinkTTL bounds how long a minted file link stays redeemable.
	DefaultLinkTTL = 15 * time.Minute
	// DefaultStagingTTL bounds intermediate upload staging records.
	DefaultStagingTTL = time.Hour
)

// Service mints and redeems one-time links against the expiring record
// store. Payloads are opaque references; the service never interprets them.
type Service struct {
	store   keyval.Store
	linkTTL time.Duration
}

// Config configures a link Service.
type Config struct {
	Store keyval.Store
	// LinkTTL overrides DefaultLinkTTL when positive.
	LinkTTL time.Duration
}

// NewService initialises a link service using the provided configuration.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("keyval store is required")
	}
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	return &Service{store: cfg.Store, linkTTL: ttl}, nil
}

// LinkTTL reports the TTL applied when CreateLink is called without one.
func (s *Service) LinkTTL() time.Duration {
	return s.linkTTL
}

// CreateLink stores payload under a fresh unguessable token and returns the
// token. A non-positive ttl falls back to the service default. Failures are
// infrastructure faults; the caller surfaces them and may retry.
func (s *Service) CreateLink(ctx context.Context, payload string, ttl time.Duration) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate link token: %w", err)
	}
	if ttl <= 0 {
		ttl = s.linkTTL
	}
	if err := s.store.Put(ctx, linkKeyPrefix+token, payload, ttl); err != nil {
		return "", fmt.Errorf("store link: %w", err)
	}
	return token, nil
}

// Redeem consumes the token and returns its payload. Tokens that never
// existed, expired, or were already consumed all report the same absence;
// callers must not be able to tell the cases apart. A non-nil error means
// the backing store failed and says nothing about the token.
func (s *Service) Redeem(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	payload, ok, err := s.store.Take(ctx, linkKeyPrefix+token)
	if err != nil {
		return "", false, fmt.Errorf("redeem link: %w", err)
	}
	return payload, ok, nil
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
