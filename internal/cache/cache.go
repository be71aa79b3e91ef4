package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"posdesk/backend/internal/invoice"
)

// ErrPrintJobNotFound covers unknown, expired and already consumed keys.
var ErrPrintJobNotFound = errors.New("print job not found")

// PrintStash hands a print payload to another browser tab. Each payload can
// be taken exactly once.
type PrintStash interface {
	Put(ctx context.Context, payload []byte, ttl time.Duration) (string, error)
	Take(ctx context.Context, key string) ([]byte, error)
}

// SettingsStore keeps receipt print settings per branch and desk.
type SettingsStore interface {
	Get(ctx context.Context, branchID string, deskID string) (invoice.PrintSettings, bool, error)
	Save(ctx context.Context, branchID string, deskID string, settings invoice.PrintSettings) error
}

func newKey() string {
	return uuid.NewString()
}

type stashEntry struct {
	payload   []byte
	expiresAt time.Time
}

type MemoryPrintStash struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]stashEntry
}

func NewMemoryPrintStash() *MemoryPrintStash {
	return &MemoryPrintStash{now: time.Now, entries: make(map[string]stashEntry)}
}

func (s *MemoryPrintStash) Put(_ context.Context, payload []byte, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
	key := newKey()
	s.entries[key] = stashEntry{payload: append([]byte(nil), payload...), expiresAt: now.Add(ttl)}
	return key, nil
}

func (s *MemoryPrintStash) Take(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrPrintJobNotFound
	}
	delete(s.entries, key)
	if !s.now().Before(entry.expiresAt) {
		return nil, ErrPrintJobNotFound
	}
	return entry.payload, nil
}

type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]invoice.PrintSettings
}

func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[string]invoice.PrintSettings)}
}

func (s *MemorySettingsStore) Get(_ context.Context, branchID string, deskID string) (invoice.PrintSettings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[settingsKey(branchID, deskID)]
	return settings, ok, nil
}

func (s *MemorySettingsStore) Save(_ context.Context, branchID string, deskID string, settings invoice.PrintSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settingsKey(branchID, deskID)] = settings.Normalize()
	return nil
}

func settingsKey(branchID string, deskID string) string {
	return "print-settings:" + branchID + ":" + deskID
}
