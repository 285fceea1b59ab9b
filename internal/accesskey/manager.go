package accesskey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Plan names the paid tier an access key was purchased under.
type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// TTL returns how long a freshly issued key of this plan remains valid.
func (p Plan) TTL() (time.Duration, error) {
	switch p {
	case PlanMonthly:
		return 30 * 24 * time.Hour, nil
	case PlanYearly:
		return 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, string(p))
	}
}

// ErrUnknownPlan is returned when issuing a key for a plan the service does
// not sell.
var ErrUnknownPlan = errors.New("unknown access key plan")

// Record captures an access key row retrieved from the backing store.
type Record struct {
	Key       string
	Plan      Plan
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store defines the persistence contract for access keys.
type Store interface {
	Save(record Record) error
	Get(key string) (Record, bool, error)
	Delete(key string) error
	PurgeExpired(now time.Time) error
}

// Option configures a Manager instance.
type Option func(*Manager)

// WithStore injects a custom Store implementation.
func WithStore(store Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithTokenLength sets the key length in random bytes for newly issued keys.
func WithTokenLength(length int) Option {
	return func(m *Manager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager coordinates access key issuance and validation against a backing
// store. Expired keys are removed the first time a lookup observes them.
type Manager struct {
	store        Store
	tokenLength  int
	tokenFactory func(int) (string, error)
	now          func() time.Time
}

// NewManager constructs a Manager, defaulting to an in-memory store for
// local development when none is supplied.
func NewManager(opts ...Option) *Manager {
	manager := &Manager{
		tokenLength:  16,
		tokenFactory: generateKey,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemoryStore()
	}
	return manager
}

// Issue creates a new access key for the provided plan.
func (m *Manager) Issue(plan Plan) (Record, error) {
	ttl, err := plan.TTL()
	if err != nil {
		return Record{}, err
	}
	key, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return Record{}, fmt.Errorf("generate access key: %w", err)
	}
	now := m.now().UTC()
	record := Record{
		Key:       key,
		Plan:      plan,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.Save(record); err != nil {
		return Record{}, fmt.Errorf("save access key: %w", err)
	}
	return record, nil
}

// Validate checks the backing store for the provided key. A key observed
// past its expiry is deleted and reported as absent.
func (m *Manager) Validate(key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, nil
	}
	record, ok, err := m.store.Get(key)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, nil
	}
	if !m.now().Before(record.ExpiresAt) {
		_ = m.store.Delete(key)
		return Record{}, false, nil
	}
	return record, true, nil
}

// Revoke deletes the access key from the backing store.
func (m *Manager) Revoke(key string) error {
	if key == "" {
		return nil
	}
	return m.store.Delete(key)
}

// PurgeExpired removes every expired key from the backing store.
func (m *Manager) PurgeExpired() error {
	return m.store.PurgeExpired(m.now())
}

// Ping verifies the underlying store is reachable when it exposes a ping
// method.
func (m *Manager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateKey(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
