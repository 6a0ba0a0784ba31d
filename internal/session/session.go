// Package session implements the Session Store (C9): conversation-scoped
// stickiness records used by the scheduler. Backed by Redis when
// configured, falling back to the same in-process TTL-cache pattern the
// teacher's internal/cache.MemoryCache uses.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

const defaultTTL = time.Hour

// Store is the C9 entry point.
type Store struct {
	rdb *redis.Client
	ttl time.Duration

	mem *memStore // used when rdb is nil
}

// New builds a Store. rdb may be nil, in which case sessions live in an
// in-process map with lazy TTL eviction.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s := &Store{rdb: rdb, ttl: ttl}
	if rdb == nil {
		s.mem = newMemStore()
	}
	return s
}

func keyFor(conversationID string) string { return "session:" + conversationID }

// Bind creates or overwrites the stickiness record for conversationID.
func (s *Store) Bind(ctx context.Context, conversationID, logicalModel, providerID, modelID string) error {
	now := time.Now()
	sess := domain.Session{
		ConversationID: conversationID,
		LogicalModel:   logicalModel,
		ProviderID:     providerID,
		ModelID:        modelID,
		CreatedAt:      now,
		LastAccessed:   now,
		MessageCount:   1,
	}
	if existing, ok := s.get(ctx, conversationID); ok {
		sess.CreatedAt = existing.CreatedAt
		sess.MessageCount = existing.MessageCount + 1
	}
	return s.put(ctx, sess)
}

// Touch updates last_accessed and message_count without changing the bound upstream.
func (s *Store) Touch(ctx context.Context, conversationID string) error {
	sess, ok := s.get(ctx, conversationID)
	if !ok {
		return nil
	}
	sess.LastAccessed = time.Now()
	sess.MessageCount++
	return s.put(ctx, sess)
}

// Get returns the current session for conversationID, if any and not expired.
func (s *Store) Get(ctx context.Context, conversationID string) (domain.Session, bool) {
	return s.get(ctx, conversationID)
}

func (s *Store) get(ctx context.Context, conversationID string) (domain.Session, bool) {
	if s.rdb == nil {
		return s.mem.get(conversationID)
	}
	raw, err := s.rdb.Get(ctx, keyFor(conversationID)).Bytes()
	if err != nil {
		return domain.Session{}, false
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return domain.Session{}, false
	}
	return sess, true
}

func (s *Store) put(ctx context.Context, sess domain.Session) error {
	if s.rdb == nil {
		s.mem.put(sess, s.ttl)
		return nil
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyFor(sess.ConversationID), raw, s.ttl).Err()
}

// memStore is a tiny TTL-bounded map, mirroring internal/cache.MemoryCache's
// lazy-expiry-on-read approach without pulling in a background goroutine
// for this narrower use case.
type memStore struct {
	mu    sync.Mutex
	items map[string]memEntry
}

type memEntry struct {
	sess      domain.Session
	expiresAt time.Time
}

func newMemStore() *memStore { return &memStore{items: make(map[string]memEntry)} }

func (m *memStore) get(conversationID string) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[conversationID]
	if !ok || time.Now().After(e.expiresAt) {
		delete(m.items, conversationID)
		return domain.Session{}, false
	}
	return e.sess, true
}

func (m *memStore) put(sess domain.Session, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[sess.ConversationID] = memEntry{sess: sess, expiresAt: time.Now().Add(ttl)}
}
