// Package storetest holds the behavioural suite every RecordStore must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

// Clock is a settable time source shared between a test and its store.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty store bound to clock.
type Factory func(t *testing.T, clock *Clock) repository.RecordStore

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	t.Run("GetAfterRemove", func(t *testing.T) { testGetAfterRemove(t, factory) })
	t.Run("StoreReplaces", func(t *testing.T) { testStoreReplaces(t, factory) })
	t.Run("ReferenceMovesOnReplace", func(t *testing.T) { testReferenceMovesOnReplace(t, factory) })
	t.Run("ReferenceSurvivesPreviousOwner", func(t *testing.T) { testReferenceSurvivesPreviousOwner(t, factory) })
	t.Run("ExpiredHidden", func(t *testing.T) { testExpiredHidden(t, factory) })
	t.Run("GetAllFilter", func(t *testing.T) { testGetAllFilter(t, factory) })
	t.Run("TakeOnce", func(t *testing.T) { testTakeOnce(t, factory) })
	t.Run("CreateOnce", func(t *testing.T) { testCreateOnce(t, factory) })
	t.Run("CreateOverExpired", func(t *testing.T) { testCreateOverExpired(t, factory) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, factory) })
}

func record(t *testing.T, clock *Clock, key, client, subject string, ttl time.Duration, refs ...string) domain.Record {
	t.Helper()
	rec, err := domain.NewRecord(key, client, subject, domain.ArrangementData{Subject: subject}, clock.Now(), domain.ExpiresIn(clock.Now(), ttl), refs...)
	require.NoError(t, err)
	return rec
}

func testGetAfterRemove(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	require.NoError(t, store.Store(ctx, record(t, clock, "k1", "c1", "s1", 0, "ref-1")))
	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "c1", got.ClientID)
	require.Equal(t, domain.RecordArrangement, got.Type)

	require.NoError(t, store.Remove(ctx, "k1"))
	_, err = store.Get(ctx, "k1")
	require.ErrorIs(t, err, oauth.ErrNotFound)
	_, err = store.FindByReference(ctx, domain.RecordArrangement, "ref-1")
	require.ErrorIs(t, err, oauth.ErrNotFound)

	require.NoError(t, store.Remove(ctx, "k1"))
}

func testStoreReplaces(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	require.NoError(t, store.Store(ctx, record(t, clock, "k1", "c1", "s1", 0, "old-ref")))
	replacement, err := domain.NewRecord("k1", "c1", "s1", domain.ArrangementData{Subject: "s1", RefreshTokenKey: "rt"}, clock.Now(), nil, "new-ref")
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, replacement))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	var data domain.ArrangementData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	require.Equal(t, "rt", data.RefreshTokenKey)

	_, err = store.FindByReference(ctx, domain.RecordArrangement, "old-ref")
	require.ErrorIs(t, err, oauth.ErrNotFound)
	found, err := store.FindByReference(ctx, domain.RecordArrangement, "new-ref")
	require.NoError(t, err)
	require.Equal(t, "k1", found.Key)

	_, err = store.FindByReference(ctx, domain.RecordRefreshToken, "new-ref")
	require.ErrorIs(t, err, oauth.ErrNotFound)
}

func testReferenceMovesOnReplace(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	rec, err := domain.NewRecord("arr-1", "client", "alice", domain.ArrangementData{Subject: "alice", AuthCode: "code-a"}, clock.Now(), nil, "code-a")
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, rec))

	rec, err = domain.NewRecord("arr-1", "client", "alice", domain.ArrangementData{Subject: "alice", AuthCode: "code-b"}, clock.Now(), domain.ExpiresIn(clock.Now(), time.Hour), "code-b")
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, rec))

	_, err = store.FindByReference(ctx, domain.RecordArrangement, "code-a")
	require.ErrorIs(t, err, oauth.ErrNotFound)

	found, err := store.FindByReference(ctx, domain.RecordArrangement, "code-b")
	require.NoError(t, err)
	require.Equal(t, "arr-1", found.Key)
}

// A reference claimed by a newer record must outlive the record that held it
// before, whichever way that record leaves the store.
func testReferenceSurvivesPreviousOwner(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	require.NoError(t, store.Store(ctx, record(t, clock, "old-remove", "c1", "s1", 0, "shared-1")))
	require.NoError(t, store.Store(ctx, record(t, clock, "old-take", "c1", "s1", 0, "shared-2")))
	require.NoError(t, store.Store(ctx, record(t, clock, "old-replace", "c1", "s1", 0, "shared-3")))
	require.NoError(t, store.Store(ctx, record(t, clock, "new", "c1", "s1", 0, "shared-1", "shared-2", "shared-3")))

	require.NoError(t, store.Remove(ctx, "old-remove"))
	_, err := store.Take(ctx, "old-take")
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, record(t, clock, "old-replace", "c1", "s1", 0, "other")))

	for _, ref := range []string{"shared-1", "shared-2", "shared-3"} {
		found, err := store.FindByReference(ctx, domain.RecordArrangement, ref)
		require.NoError(t, err, ref)
		require.Equal(t, "new", found.Key, ref)
	}
}

func testExpiredHidden(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	require.NoError(t, store.Store(ctx, record(t, clock, "short", "c1", "s1", time.Minute, "ref-short")))
	require.NoError(t, store.Store(ctx, record(t, clock, "long", "c1", "s1", time.Hour)))
	clock.Advance(2 * time.Minute)

	_, err := store.Get(ctx, "short")
	require.ErrorIs(t, err, oauth.ErrNotFound)
	_, err = store.FindByReference(ctx, domain.RecordArrangement, "ref-short")
	require.ErrorIs(t, err, oauth.ErrNotFound)
	_, err = store.Take(ctx, "short")
	require.ErrorIs(t, err, oauth.ErrNotFound)

	all, err := store.GetAll(ctx, domain.RecordFilter{SubjectID: "s1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "long", all[0].Key)
}

func testGetAllFilter(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	require.NoError(t, store.Store(ctx, record(t, clock, "a", "c1", "s1", 0)))
	clock.Advance(time.Second)
	require.NoError(t, store.Store(ctx, record(t, clock, "b", "c2", "s1", 0)))
	clock.Advance(time.Second)
	require.NoError(t, store.Store(ctx, record(t, clock, "c", "c1", "s2", 0)))
	marker, err := domain.NewRecord("m", "c1", "s1", domain.RevocationMarkerData{TokenID: "jti", Reason: "test", RevokedAt: clock.Now()}, clock.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, marker))

	bySubject, err := store.GetAll(ctx, domain.RecordFilter{SubjectID: "s1", Type: domain.RecordArrangement})
	require.NoError(t, err)
	require.Len(t, bySubject, 2)
	require.Equal(t, "a", bySubject[0].Key)
	require.Equal(t, "b", bySubject[1].Key)

	byClient, err := store.GetAll(ctx, domain.RecordFilter{SubjectID: "s1", ClientID: "c1", Type: domain.RecordArrangement})
	require.NoError(t, err)
	require.Len(t, byClient, 1)

	markers, err := store.GetAll(ctx, domain.RecordFilter{Type: domain.RecordRevocationMarker})
	require.NoError(t, err)
	require.Len(t, markers, 1)
}

func testTakeOnce(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	require.NoError(t, store.Store(ctx, record(t, clock, "once", "c1", "s1", time.Minute)))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Take(ctx, "once"); err == nil {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, taken)

	_, err := store.Get(ctx, "once")
	require.ErrorIs(t, err, oauth.ErrNotFound)
}

func testCreateOnce(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		exists  int
	)
	rec := record(t, clock, "jti", "c1", "", time.Minute, "jti-ref")
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Create(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, oauth.ErrAlreadyExists):
				exists++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, created)
	require.Equal(t, 7, exists)

	found, err := store.FindByReference(ctx, domain.RecordArrangement, "jti-ref")
	require.NoError(t, err)
	require.Equal(t, "jti", found.Key)
}

func testCreateOverExpired(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	require.NoError(t, store.Create(ctx, record(t, clock, "k1", "c1", "s1", time.Minute)))
	clock.Advance(2 * time.Minute)

	require.NoError(t, store.Create(ctx, record(t, clock, "k1", "c2", "s1", time.Minute)))
	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "c2", got.ClientID)

	err = store.Create(ctx, record(t, clock, "k1", "c3", "s1", time.Minute))
	require.ErrorIs(t, err, oauth.ErrAlreadyExists)
}

func testPurge(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := factory(t, clock)

	require.NoError(t, store.Store(ctx, record(t, clock, "p1", "c1", "s1", time.Second)))
	require.NoError(t, store.Store(ctx, record(t, clock, "p2", "c1", "s1", time.Second)))
	require.NoError(t, store.Store(ctx, record(t, clock, "keep", "c1", "s1", 0)))
	clock.Advance(time.Minute)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)

	_, err = store.Get(ctx, "keep")
	require.NoError(t, err)
}
