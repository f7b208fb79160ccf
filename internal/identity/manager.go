// Package identity maintains the rotating anonymous peer identity and its
// symmetric encryption key.
package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
)

const DefaultRotateInterval = 30 * time.Minute

// Manager holds exactly one live identity. Rotation policy: existing peer
// connections keep the identity they handshook with; only new handshakes see
// the rotated identity, so rotation never forces reconnects.
type Manager struct {
	crypto ports.CryptoProvider
	store  ports.StateStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current domain.Identity
}

func New(crypto ports.CryptoProvider, store ports.StateStore, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultRotateInterval
	}
	return &Manager{
		crypto: crypto,
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Load restores the persisted identity, minting a fresh one when none exists
// or the stored one already expired.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok, err := m.store.LoadIdentity(ctx)
	if err != nil {
		return err
	}
	if ok && !stored.Zero() && stored.Age(m.now()) < m.ttl {
		m.current = stored
		return nil
	}
	return m.mintLocked(ctx)
}

// Current returns the live identity.
func (m *Manager) Current() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RotateIfExpired mints a new identity when the live one outlived its TTL.
// Runs from the periodic task scheduler.
func (m *Manager) RotateIfExpired(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current.Zero() && m.current.Age(m.now()) < m.ttl {
		return false, nil
	}
	if err := m.mintLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) mintLocked(ctx context.Context) error {
	key, err := m.crypto.RandomBytes(m.crypto.KeySize())
	if err != nil {
		return err
	}
	id := domain.Identity{
		ID:        uuid.NewString(),
		CreatedAt: m.now(),
		Key:       key,
	}
	if err := m.store.SaveIdentity(ctx, id); err != nil {
		return err
	}
	m.current = id
	m.logger.Info("identity rotated", slog.String("identityId", id.ID))
	return nil
}
