package embedded_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-dataholder/internal/adapter/embedded"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
	"github.com/smallbiznis/valora-dataholder/internal/repository/storetest"
)

func open(t *testing.T, clock *storetest.Clock) *embedded.BoltRecordStore {
	t.Helper()
	store, err := embedded.OpenBoltRecordStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store.WithClock(clock.Now)
}

func TestBoltRecordStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) repository.RecordStore {
		return open(t, clock)
	})
}
