package schedsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tombstone records a locally deleted session whose remote counterpart still
// needs to be removed. Purged once the remote delete succeeds.
type Tombstone struct {
	SessionID       string    `json:"sessionId"`
	ScopeID         string    `json:"scopeId"`
	ExternalEventID string    `json:"externalEventId"`
	DeletedAt       time.Time `json:"deletedAt"`
}

// LocalStore wraps the persistent session store with sync bookkeeping.
//
// Implementations must recompute ContentHash atomically with every content
// mutation and bump Version monotonically; sync bookkeeping writes
// (MarkSynced) update SyncedHash, LastSyncedAt and the dirty flag without
// counting as content mutations.
type LocalStore interface {
	GetSession(ctx context.Context, id string) (Session, error)
	GetByExternalID(ctx context.Context, scopeID, externalEventID string) (Session, error)

	// ListSyncable returns the scope's sessions that are dirty or carry an
	// external event id, ordered by id for deterministic passes.
	ListSyncable(ctx context.Context, scopeID string) ([]Session, error)

	CreateSession(ctx context.Context, s Session) (Session, error)
	UpdateSession(ctx context.Context, s Session) (Session, error)
	DeleteSession(ctx context.Context, id string) error

	// MarkSynced records a successful sync of the session: external id,
	// synced hash, sync time, dirty cleared.
	MarkSynced(ctx context.Context, id, externalEventID, syncedHash string, at time.Time) (Session, error)

	// MarkDirty flags the session for a push on the next pass without
	// counting as a content mutation.
	MarkDirty(ctx context.Context, id string) (Session, error)

	ListTombstones(ctx context.Context, scopeID string) ([]Tombstone, error)
	PurgeTombstone(ctx context.Context, sessionID string) error
}

// MemoryStore is the default in-process LocalStore, used in tests and
// single-node deployments without a database.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]Session
	tombstones map[string]Tombstone
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   map[string]Session{},
		tombstones: map[string]Tombstone{},
		now:        time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, scopeID, externalEventID string) (Session, error) {
	if strings.TrimSpace(externalEventID) == "" {
		return Session{}, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ScopeID == scopeID && s.ExternalEventID == externalEventID {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemoryStore) ListSyncable(ctx context.Context, scopeID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.ScopeID != scopeID {
			continue
		}
		if s.Dirty || s.ExternalEventID != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) (Session, error) {
	if strings.TrimSpace(s.ScopeID) == "" || s.Start.IsZero() || s.End.IsZero() {
		return Session{}, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return Session{}, ErrInvalidInput
	}
	if s.Status == "" {
		s.Status = StatusScheduled
	}
	if s.Source == "" {
		s.Source = SourceApp
	}
	s.Version = 1
	s.ContentHash = SessionFingerprint(s)
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now()
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.ID]
	if !ok {
		return Session{}, ErrNotFound
	}
	current.Title = s.Title
	current.Start = s.Start
	current.End = s.End
	current.Status = s.Status
	current.Notes = s.Notes
	current.CoachID = s.CoachID
	current.PlayerID = s.PlayerID
	current.Dirty = s.Dirty
	if s.ExternalEventID != "" {
		current.ExternalEventID = s.ExternalEventID
	}
	current.Version++
	current.ContentHash = SessionFingerprint(current)
	if s.UpdatedAt.IsZero() {
		current.UpdatedAt = m.now()
	} else {
		current.UpdatedAt = s.UpdatedAt
	}
	m.sessions[current.ID] = current
	return current, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	if s.ExternalEventID != "" {
		m.tombstones[id] = Tombstone{
			SessionID:       id,
			ScopeID:         s.ScopeID,
			ExternalEventID: s.ExternalEventID,
			DeletedAt:       m.now(),
		}
	}
	return nil
}

func (m *MemoryStore) MarkSynced(ctx context.Context, id, externalEventID, syncedHash string, at time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if externalEventID != "" {
		s.ExternalEventID = externalEventID
	}
	s.SyncedHash = syncedHash
	s.LastSyncedAt = at
	s.Dirty = false
	m.sessions[id] = s
	return s, nil
}

func (m *MemoryStore) MarkDirty(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	s.Dirty = true
	m.sessions[id] = s
	return s, nil
}

func (m *MemoryStore) ListTombstones(ctx context.Context, scopeID string) ([]Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tombstone, 0)
	for _, t := range m.tombstones {
		if t.ScopeID == scopeID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *MemoryStore) PurgeTombstone(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tombstones, sessionID)
	return nil
}
