package arrangement_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/arrangement"
	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

func newManager(t *testing.T) (*arrangement.Manager, *repository.MemoryRecordStore) {
	t.Helper()
	store := repository.NewMemoryRecordStore()
	return arrangement.NewManager(store, zap.NewNop()), store
}

func storeRefresh(t *testing.T, store repository.RecordStore, key, arrangementID string) {
	t.Helper()
	rec, err := domain.NewRecord(key, "client-1", "alice", domain.RefreshTokenData{ArrangementID: arrangementID, Scope: "openid"}, time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Store(context.Background(), rec))
}

func TestCreateOrUpdateMintsThenResolvesByKeyword(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)

	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", AuthCode: "code-hash"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", AuthCode: "code-hash", RefreshTokenKey: "rt-1"})
	require.NoError(t, err)
	require.Equal(t, id, again)

	arr, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "rt-1", arr.RefreshTokenKey)
	require.Equal(t, "alice", arr.Subject)
	require.Equal(t, "client-1", arr.ClientID)
}

func TestCreateOrUpdateByRefreshReference(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t)

	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", RefreshTokenKey: "rt-1"})
	require.NoError(t, err)
	storeRefresh(t, store, "rt-1", id)

	again, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", RefreshTokenKey: "rt-1"})
	require.NoError(t, err)
	require.Equal(t, id, again)

	_, err = store.Get(ctx, "rt-1")
	require.NoError(t, err, "current refresh token must survive an update that keeps it")
}

func TestCreateOrUpdateRemovesSupersededRefreshToken(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t)

	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", RefreshTokenKey: "rt-1"})
	require.NoError(t, err)
	storeRefresh(t, store, "rt-1", id)

	_, err = mgr.CreateOrUpdate(ctx, arrangement.Linkage{ArrangementID: id, ClientID: "client-1", Subject: "alice", RefreshTokenKey: "rt-2"})
	require.NoError(t, err)

	_, err = store.Get(ctx, "rt-1")
	require.ErrorIs(t, err, oauth.ErrNotFound)

	_, err = store.FindByReference(ctx, domain.RecordArrangement, "rt-1")
	require.ErrorIs(t, err, oauth.ErrNotFound)
	found, err := store.FindByReference(ctx, domain.RecordArrangement, "rt-2")
	require.NoError(t, err)
	require.Equal(t, id, found.Key)
}

func TestCreateOrUpdateIgnoresForeignArrangementID(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)

	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice"})
	require.NoError(t, err)

	other, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ArrangementID: id, ClientID: "client-2", Subject: "alice"})
	require.NoError(t, err)
	require.NotEqual(t, id, other)

	arr, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "client-1", arr.ClientID)
}

func TestRemoveGrantsForArrangement(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t)

	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", RefreshTokenKey: "rt-1"})
	require.NoError(t, err)
	storeRefresh(t, store, "rt-1", id)

	res, err := mgr.RemoveGrantsForArrangement(ctx, id, "client-2")
	require.NoError(t, err)
	require.Equal(t, arrangement.RemovalNotAssociatedToClient, res)

	res, err = mgr.RemoveGrantsForArrangement(ctx, id, "client-1")
	require.NoError(t, err)
	require.Equal(t, arrangement.RemovalOK, res)

	_, err = store.Get(ctx, "rt-1")
	require.ErrorIs(t, err, oauth.ErrNotFound)

	res, err = mgr.RemoveGrantsForArrangement(ctx, id, "client-1")
	require.NoError(t, err)
	require.Equal(t, arrangement.RemovalNotValid, res)
}

func TestRemoveGrantsWithoutRefreshToken(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)

	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", AuthCode: "code"})
	require.NoError(t, err)

	res, err := mgr.RemoveGrantsForArrangement(ctx, id, "client-1")
	require.NoError(t, err)
	require.Equal(t, arrangement.RemovalOK, res)
}

func TestCorruptArrangementSurfaces(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t)

	require.NoError(t, store.Store(ctx, domain.Record{
		Key:       "broken",
		Type:      domain.RecordArrangement,
		ClientID:  "client-1",
		Data:      json.RawMessage(`{"subject":`),
		CreatedAt: time.Now(),
	}))

	_, err := mgr.Get(ctx, "broken")
	require.ErrorIs(t, err, oauth.ErrCorruptRecord)

	res, err := mgr.RemoveGrantsForArrangement(ctx, "broken", "client-1")
	require.ErrorIs(t, err, oauth.ErrCorruptRecord)
	require.Equal(t, arrangement.RemovalError, res)
}

func TestFindAlternativeArrangement(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)

	first, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", AuthCode: "a"})
	require.NoError(t, err)

	alt, err := mgr.FindAlternativeArrangement(ctx, first, "client-1")
	require.NoError(t, err)
	require.Empty(t, alt)

	second, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", AuthCode: "b"})
	require.NoError(t, err)
	_, err = mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "bob", AuthCode: "c"})
	require.NoError(t, err)

	alt, err = mgr.FindAlternativeArrangement(ctx, first, "client-1")
	require.NoError(t, err)
	require.Equal(t, second, alt)
}

func TestDetachRefreshToken(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newManager(t)

	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", RefreshTokenKey: "rt-1"})
	require.NoError(t, err)

	require.NoError(t, mgr.DetachRefreshToken(ctx, id, "other"))
	arr, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "rt-1", arr.RefreshTokenKey)

	require.NoError(t, mgr.DetachRefreshToken(ctx, id, "rt-1"))
	arr, err = mgr.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, arr.RefreshTokenKey)

	require.NoError(t, mgr.DetachRefreshToken(ctx, "missing", "rt-1"))
}

func TestOnceOffArrangementExpiresWithRetention(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := repository.NewMemoryRecordStore().WithClock(func() time.Time { return clock })
	mgr := arrangement.NewManager(store, zap.NewNop()).WithClock(func() time.Time { return clock })

	retain := clock.Add(5 * time.Minute)
	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{ClientID: "client-1", Subject: "alice", AuthCode: "code-hash", RetainUntil: &retain})
	require.NoError(t, err)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.Expiration)
	require.True(t, retain.Equal(*rec.Expiration))

	clock = clock.Add(6 * time.Minute)
	_, err = mgr.Get(ctx, id)
	require.ErrorIs(t, err, oauth.ErrNotFound)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestSharingExpiryTakesPrecedenceOverRetention(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t)

	retain := time.Now().Add(5 * time.Minute)
	sharing := time.Now().Add(90 * 24 * time.Hour)
	id, err := mgr.CreateOrUpdate(ctx, arrangement.Linkage{
		ClientID:         "client-1",
		Subject:          "alice",
		AuthCode:         "code-hash",
		SharingExpiresAt: &sharing,
		RetainUntil:      &retain,
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.Expiration)
	require.True(t, sharing.Equal(*rec.Expiration))
}
