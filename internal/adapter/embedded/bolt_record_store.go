// Package embedded provides a single-node RecordStore on top of bbolt for
// deployments that run without Postgres or Redis.
package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

var (
	recordsBucket = []byte("records")
	refsBucket    = []byte("record_references")
)

// BoltRecordStore persists records in a bbolt file. All mutations run in a
// single read-write transaction, which makes Take atomic.
type BoltRecordStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ repository.RecordStore = (*BoltRecordStore)(nil)

// OpenBoltRecordStore opens (or creates) the database file at path.
func OpenBoltRecordStore(path string) (*BoltRecordStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, refsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltRecordStore{db: db, now: time.Now}, nil
}

// WithClock overrides the time used for expiry checks.
func (s *BoltRecordStore) WithClock(now func() time.Time) *BoltRecordStore {
	s.now = now
	return s
}

// Close releases the database file lock.
func (s *BoltRecordStore) Close() error {
	return s.db.Close()
}

func (s *BoltRecordStore) Get(_ context.Context, key string) (domain.Record, error) {
	var rec domain.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.live(tx, key)
		return err
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record %q: %w", key, err)
	}
	return rec, nil
}

func (s *BoltRecordStore) GetAll(_ context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	now := s.now()
	out := make([]domain.Record, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
			rec, err := decode(v)
			if err != nil {
				return err
			}
			if !rec.ExpiredAt(now) && filter.Matches(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltRecordStore) FindByReference(_ context.Context, recordType domain.RecordType, reference string) (domain.Record, error) {
	var rec domain.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(refsBucket).Get(refKey(recordType, reference))
		if key == nil {
			return oauth.ErrNotFound
		}
		var err error
		rec, err = s.live(tx, string(key))
		return err
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("find %s by reference: %w", recordType, err)
	}
	return rec, nil
}

func (s *BoltRecordStore) Store(_ context.Context, rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("store record: empty key")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx, rec, payload)
	})
}

func (s *BoltRecordStore) Create(_ context.Context, rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("create record: empty key")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		_, err := s.live(tx, rec.Key)
		switch {
		case err == nil:
			return oauth.ErrAlreadyExists
		case !errors.Is(err, oauth.ErrNotFound):
			return err
		}
		return s.put(tx, rec, payload)
	})
	if err != nil {
		return fmt.Errorf("create record %q: %w", rec.Key, err)
	}
	return nil
}

func (s *BoltRecordStore) put(tx *bolt.Tx, rec domain.Record, payload []byte) error {
	if err := s.unindex(tx, rec.Key); err != nil {
		return err
	}
	if err := tx.Bucket(recordsBucket).Put([]byte(rec.Key), payload); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	refs := tx.Bucket(refsBucket)
	for _, ref := range rec.References {
		if err := refs.Put(refKey(rec.Type, ref), []byte(rec.Key)); err != nil {
			return fmt.Errorf("put reference: %w", err)
		}
	}
	return nil
}

func (s *BoltRecordStore) Remove(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.delete(tx, key)
	})
}

func (s *BoltRecordStore) Take(_ context.Context, key string) (domain.Record, error) {
	var rec domain.Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.live(tx, key)
		if err != nil {
			return err
		}
		return s.delete(tx, key)
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("take record %q: %w", key, err)
	}
	return rec, nil
}

func (s *BoltRecordStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.now()
	var purged int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var expired []string
		err := tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			rec, err := decode(v)
			if err != nil {
				return nil
			}
			if rec.ExpiredAt(now) {
				expired = append(expired, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range expired {
			if err := s.delete(tx, key); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return purged, nil
}

func (s *BoltRecordStore) live(tx *bolt.Tx, key string) (domain.Record, error) {
	raw := tx.Bucket(recordsBucket).Get([]byte(key))
	if raw == nil {
		return domain.Record{}, oauth.ErrNotFound
	}
	rec, err := decode(raw)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.ExpiredAt(s.now()) {
		return domain.Record{}, oauth.ErrNotFound
	}
	return rec, nil
}

func (s *BoltRecordStore) delete(tx *bolt.Tx, key string) error {
	if err := s.unindex(tx, key); err != nil {
		return err
	}
	if err := tx.Bucket(recordsBucket).Delete([]byte(key)); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// unindex drops reference entries that still point at key.
func (s *BoltRecordStore) unindex(tx *bolt.Tx, key string) error {
	raw := tx.Bucket(recordsBucket).Get([]byte(key))
	if raw == nil {
		return nil
	}
	old, err := decode(raw)
	if err != nil {
		return nil
	}
	refs := tx.Bucket(refsBucket)
	for _, ref := range old.References {
		k := refKey(old.Type, ref)
		if string(refs.Get(k)) != key {
			continue
		}
		if err := refs.Delete(k); err != nil {
			return fmt.Errorf("delete reference: %w", err)
		}
	}
	return nil
}

func refKey(t domain.RecordType, ref string) []byte {
	return []byte(string(t) + "\x00" + ref)
}

func decode(raw []byte) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode record: %v: %w", err, oauth.ErrCorruptRecord)
	}
	return rec, nil
}
