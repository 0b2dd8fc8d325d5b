package repository_test

import (
	"testing"

	"github.com/smallbiznis/valora-dataholder/internal/repository"
	"github.com/smallbiznis/valora-dataholder/internal/repository/storetest"
)

func TestMemoryRecordStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) repository.RecordStore {
		return repository.NewMemoryRecordStore().WithClock(clock.Now)
	})
}
