package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
)

// MemoryRecordStore is a process-local RecordStore used by tests and tools.
// It does not share state between instances.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]domain.Record
	refs    map[string]string
	now     func() time.Time
}

var _ RecordStore = (*MemoryRecordStore)(nil)

// NewMemoryRecordStore constructs an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: map[string]domain.Record{},
		refs:    map[string]string{},
		now:     time.Now,
	}
}

// WithClock overrides the store's notion of the current time.
func (m *MemoryRecordStore) WithClock(now func() time.Time) *MemoryRecordStore {
	m.now = now
	return m
}

func (m *MemoryRecordStore) Get(_ context.Context, key string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live(key)
	if !ok {
		return domain.Record{}, fmt.Errorf("get record %q: %w", key, oauth.ErrNotFound)
	}
	return clone(rec), nil
}

func (m *MemoryRecordStore) GetAll(_ context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]domain.Record, 0)
	for _, rec := range m.records {
		if rec.ExpiredAt(now) || !filter.Matches(rec) {
			continue
		}
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRecordStore) FindByReference(_ context.Context, recordType domain.RecordType, reference string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.refs[refKey(recordType, reference)]
	if !ok {
		return domain.Record{}, fmt.Errorf("find %s by reference: %w", recordType, oauth.ErrNotFound)
	}
	rec, ok := m.live(key)
	if !ok || rec.Type != recordType {
		return domain.Record{}, fmt.Errorf("find %s by reference: %w", recordType, oauth.ErrNotFound)
	}
	return clone(rec), nil
}

func (m *MemoryRecordStore) Store(_ context.Context, rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("store record: empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(rec)
	return nil
}

func (m *MemoryRecordStore) Create(_ context.Context, rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("create record: empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(rec.Key); ok {
		return fmt.Errorf("create record %q: %w", rec.Key, oauth.ErrAlreadyExists)
	}
	m.putLocked(rec)
	return nil
}

func (m *MemoryRecordStore) putLocked(rec domain.Record) {
	m.dropLocked(rec.Key)
	rec = clone(rec)
	m.records[rec.Key] = rec
	for _, ref := range rec.References {
		m.refs[refKey(rec.Type, ref)] = rec.Key
	}
}

func (m *MemoryRecordStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(key)
	return nil
}

func (m *MemoryRecordStore) Take(_ context.Context, key string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live(key)
	m.dropLocked(key)
	if !ok {
		return domain.Record{}, fmt.Errorf("take record %q: %w", key, oauth.ErrNotFound)
	}
	return rec, nil
}

func (m *MemoryRecordStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var purged int64
	for key, rec := range m.records {
		if rec.ExpiredAt(now) {
			m.dropLocked(key)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryRecordStore) live(key string) (domain.Record, bool) {
	rec, ok := m.records[key]
	if !ok || rec.ExpiredAt(m.now()) {
		return domain.Record{}, false
	}
	return rec, true
}

func (m *MemoryRecordStore) dropLocked(key string) {
	old, ok := m.records[key]
	if !ok {
		return
	}
	for _, ref := range old.References {
		k := refKey(old.Type, ref)
		if m.refs[k] == key {
			delete(m.refs, k)
		}
	}
	delete(m.records, key)
}

func refKey(recordType domain.RecordType, reference string) string {
	return string(recordType) + "\x00" + reference
}

func clone(rec domain.Record) domain.Record {
	rec.Data = append([]byte(nil), rec.Data...)
	rec.References = append([]string(nil), rec.References...)
	if rec.Expiration != nil {
		exp := *rec.Expiration
		rec.Expiration = &exp
	}
	return rec
}

// MemoryClientRepository serves clients from a fixed map.
type MemoryClientRepository struct {
	mu      sync.RWMutex
	clients map[string]domain.Client
}

var _ ClientRepository = (*MemoryClientRepository)(nil)

// NewMemoryClientRepository registers clients by ClientID.
func NewMemoryClientRepository(clients ...domain.Client) *MemoryClientRepository {
	repo := &MemoryClientRepository{clients: map[string]domain.Client{}}
	for _, c := range clients {
		repo.clients[c.ClientID] = c
	}
	return repo
}

func (m *MemoryClientRepository) GetClientByID(_ context.Context, clientID string) (domain.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	if !ok {
		return domain.Client{}, fmt.Errorf("get client %q: %w", clientID, oauth.ErrNotFound)
	}
	return c, nil
}

// UpsertClient registers or replaces a client.
func (m *MemoryClientRepository) UpsertClient(_ context.Context, client domain.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ClientID] = client
	return nil
}
