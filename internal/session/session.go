// Package session issues and validates the opaque bearer tokens that
// authorize every non-register broker request.
//
// Tokens are minted with crypto/rand and returned to the client exactly
// once. Only a salted SHA-256 hash of the token is ever persisted or
// held in memory, per spec.md §3/§4.9.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/ipc-broker/internal/domain"
	"github.com/ashureev/ipc-broker/internal/store"
)

// deploymentSalt is a deployment-wide constant mixed into the hash
// construction. Per spec.md §4.9 this is meant to be replaced per
// deployment in production; it is not a secret on its own since the
// security property comes from the token's entropy, not the salt.
const deploymentSalt = "ipc-broker-v1"

// tokenBytes is the raw entropy minted per session: 32 bytes is 256
// bits, satisfying the "≥32 bytes of entropy" requirement in spec.md §3.
const tokenBytes = 32

// Manager mints session tokens and validates presented tokens against
// the persistence store. It keeps a read-through cache of hashes to
// avoid round-tripping to SQLite on every authorized request, but the
// store remains the source of truth: a cache miss always falls back to
// a store lookup, and a restart starts the cache empty by design (see
// DESIGN.md, open-question decision 1).
type Manager struct {
	repo store.Repository
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]domain.Session // tokenHash -> session
}

// NewManager creates a session manager backed by repo, minting tokens
// with the given lifetime.
func NewManager(repo store.Repository, ttl time.Duration) *Manager {
	return &Manager{
		repo:  repo,
		ttl:   ttl,
		cache: make(map[string]domain.Session),
	}
}

// Mint generates a fresh session token for instanceID, persists its
// hash, and returns the raw token. The raw token is never stored.
func (m *Manager) Mint(ctx context.Context, instanceID string) (string, error) {
	raw, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now()
	sess := domain.Session{
		TokenHash:  hashToken(raw),
		InstanceID: instanceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}

	if err := m.repo.SaveSession(ctx, sess); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.cache[sess.TokenHash] = sess
	m.mu.Unlock()

	return raw, nil
}

// Validate resolves a presented raw token to its bound instance ID.
// Returns ("", false) if the token is missing, unknown, or expired.
func (m *Manager) Validate(ctx context.Context, rawToken string) (string, bool) {
	if rawToken == "" {
		return "", false
	}
	hash := hashToken(rawToken)
	now := time.Now()

	m.mu.RLock()
	sess, ok := m.cache[hash]
	m.mu.RUnlock()
	if ok {
		if sess.Expired(now) {
			return "", false
		}
		return sess.InstanceID, true
	}

	stored, err := m.repo.FindSessionByHash(ctx, hash)
	if err != nil || stored == nil {
		return "", false
	}
	if stored.Expired(now) {
		return "", false
	}

	m.mu.Lock()
	m.cache[hash] = *stored
	m.mu.Unlock()

	return stored.InstanceID, true
}

// Rebind updates the cached and persisted session so that the token
// which authorized a rename call now resolves to newID, without
// minting a new token.
func (m *Manager) Rebind(ctx context.Context, rawToken, newID string) error {
	hash := hashToken(rawToken)

	if err := m.repo.RebindSession(ctx, hash, newID); err != nil {
		return fmt.Errorf("rebind session: %w", err)
	}

	m.mu.Lock()
	if sess, ok := m.cache[hash]; ok {
		sess.InstanceID = newID
		m.cache[hash] = sess
	}
	m.mu.Unlock()

	return nil
}

// AuthToken computes the shared-secret registration token expected for
// instanceID, following spec.md §4.2 step 3.
func AuthToken(instanceID, sharedSecret string) string {
	sum := sha256.Sum256([]byte(instanceID + ":" + sharedSecret))
	return hex.EncodeToString(sum[:])
}

// CheckAuthToken reports whether the presented token matches what
// AuthToken would compute, using a constant-time comparison.
func CheckAuthToken(presented, instanceID, sharedSecret string) bool {
	expected := AuthToken(instanceID, sharedSecret)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// CacheSize reports how many sessions are currently cached, for the
// admin stats surface.
func (m *Manager) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(deploymentSalt + ":" + token))
	return hex.EncodeToString(sum[:])
}
