package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

const defaultPrefix = "dataholder:"

// deleteIfEqual deletes KEYS[1] only while it still holds ARGV[1]. Reference
// pointers use it so a reference claimed by a newer record survives, and Create
// uses it to clear exactly the expired value it observed.
var deleteIfEqual = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRecordStore implements RecordStore backed by Redis. Records are JSON
// values with a native TTL; subject, type and reference lookups go through
// secondary index keys that are cleaned lazily.
type RedisRecordStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ repository.RecordStore = (*RedisRecordStore)(nil)

// NewRedisRecordStore constructs a Redis-backed record store.
func NewRedisRecordStore(client redis.UniversalClient) *RedisRecordStore {
	return &RedisRecordStore{client: client, prefix: defaultPrefix, now: time.Now}
}

// WithPrefix namespaces every key written by the store.
func (s *RedisRecordStore) WithPrefix(prefix string) *RedisRecordStore {
	s.prefix = prefix
	return s
}

// WithClock overrides the time used for expiry checks.
func (s *RedisRecordStore) WithClock(now func() time.Time) *RedisRecordStore {
	s.now = now
	return s
}

func (s *RedisRecordStore) recordKey(key string) string { return s.prefix + "rec:" + key }

func (s *RedisRecordStore) typeIndex(t domain.RecordType) string { return s.prefix + "idx:type:" + string(t) }

func (s *RedisRecordStore) subjectIndex(subject string) string {
	return s.prefix + "idx:subject:" + subject
}

func (s *RedisRecordStore) refKey(t domain.RecordType, ref string) string {
	return s.prefix + "ref:" + string(t) + ":" + ref
}

// Get loads a record that has not expired.
func (s *RedisRecordStore) Get(ctx context.Context, key string) (domain.Record, error) {
	rec, err := s.load(ctx, key)
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// GetAll resolves candidates from the narrowest index and filters them.
func (s *RedisRecordStore) GetAll(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	var index string
	switch {
	case filter.SubjectID != "":
		index = s.subjectIndex(filter.SubjectID)
	case filter.Type != "":
		index = s.typeIndex(filter.Type)
	default:
		return s.scanAll(ctx, filter)
	}

	keys, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	return s.loadMany(ctx, index, keys, filter)
}

func (s *RedisRecordStore) scanAll(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"rec:*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.prefix+"rec:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return s.loadMany(ctx, "", keys, filter)
}

func (s *RedisRecordStore) loadMany(ctx context.Context, index string, keys []string, filter domain.RecordFilter) ([]domain.Record, error) {
	out := make([]domain.Record, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.recordKey(k)
	}
	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	now := s.now()
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		if rec.ExpiredAt(now) {
			stale = append(stale, keys[i])
			continue
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	if index != "" && len(stale) > 0 {
		_ = s.client.SRem(ctx, index, stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindByReference follows a reference pointer and confirms the target still
// carries it.
func (s *RedisRecordStore) FindByReference(ctx context.Context, recordType domain.RecordType, reference string) (domain.Record, error) {
	key, err := s.client.Get(ctx, s.refKey(recordType, reference)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Record{}, fmt.Errorf("find %s by reference: %w", recordType, oauth.ErrNotFound)
		}
		return domain.Record{}, fmt.Errorf("find %s by reference: %w", recordType, err)
	}
	rec, err := s.load(ctx, key)
	if err != nil {
		return domain.Record{}, fmt.Errorf("find %s by reference: %w", recordType, err)
	}
	if rec.Type != recordType || !contains(rec.References, reference) {
		return domain.Record{}, fmt.Errorf("find %s by reference: %w", recordType, oauth.ErrNotFound)
	}
	return rec, nil
}

// Store replaces the record and its index entries.
func (s *RedisRecordStore) Store(ctx context.Context, rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("store record: empty key")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ttl := time.Duration(0)
	if remaining, ok := rec.TTL(s.now()); ok {
		if remaining <= 0 {
			return s.Remove(ctx, rec.Key)
		}
		ttl = remaining
	}

	old, oldErr := s.load(ctx, rec.Key)
	if oldErr != nil && !errors.Is(oldErr, oauth.ErrNotFound) {
		return fmt.Errorf("store record: %w", oldErr)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if oldErr == nil {
			s.unindex(ctx, pipe, old)
		}
		pipe.Set(ctx, s.recordKey(rec.Key), payload, ttl)
		pipe.SAdd(ctx, s.typeIndex(rec.Type), rec.Key)
		if rec.SubjectID != "" {
			pipe.SAdd(ctx, s.subjectIndex(rec.SubjectID), rec.Key)
		}
		for _, ref := range rec.References {
			pipe.Set(ctx, s.refKey(rec.Type, ref), rec.Key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist record: %w", err)
	}
	return nil
}

// Create claims the record key with SET NX so concurrent creators cannot both
// succeed. A value the store clock considers expired is cleared first.
func (s *RedisRecordStore) Create(ctx context.Context, rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("create record: empty key")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ttl := time.Duration(0)
	if remaining, ok := rec.TTL(s.now()); ok {
		if remaining <= 0 {
			return nil
		}
		ttl = remaining
	}

	raw, err := s.client.Get(ctx, s.recordKey(rec.Key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("create record: %w", err)
	default:
		old, err := decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		if !old.ExpiredAt(s.now()) {
			return fmt.Errorf("create record %q: %w", rec.Key, oauth.ErrAlreadyExists)
		}
		// Stale index entries of the old value are dropped lazily by readers.
		if err := deleteIfEqual.Run(ctx, s.client, []string{s.recordKey(rec.Key)}, raw).Err(); err != nil {
			return fmt.Errorf("clear expired record: %w", err)
		}
	}

	created, err := s.client.SetNX(ctx, s.recordKey(rec.Key), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	if !created {
		return fmt.Errorf("create record %q: %w", rec.Key, oauth.ErrAlreadyExists)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.typeIndex(rec.Type), rec.Key)
		if rec.SubjectID != "" {
			pipe.SAdd(ctx, s.subjectIndex(rec.SubjectID), rec.Key)
		}
		for _, ref := range rec.References {
			pipe.Set(ctx, s.refKey(rec.Type, ref), rec.Key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index record: %w", err)
	}
	return nil
}

// Remove deletes the record and its index entries.
func (s *RedisRecordStore) Remove(ctx context.Context, key string) error {
	raw, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("remove record: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		// Still delete the unreadable value.
		if delErr := s.client.Del(ctx, s.recordKey(key)).Err(); delErr != nil {
			return fmt.Errorf("remove record: %w", delErr)
		}
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(key))
		s.unindex(ctx, pipe, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// Take uses GETDEL so that exactly one caller observes the record.
func (s *RedisRecordStore) Take(ctx context.Context, key string) (domain.Record, error) {
	raw, err := s.client.GetDel(ctx, s.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Record{}, fmt.Errorf("take record: %w", oauth.ErrNotFound)
		}
		return domain.Record{}, fmt.Errorf("take record: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return domain.Record{}, err
	}
	_, _ = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.unindex(ctx, pipe, rec)
		return nil
	})
	if rec.ExpiredAt(s.now()) {
		return domain.Record{}, fmt.Errorf("take record: %w", oauth.ErrNotFound)
	}
	return rec, nil
}

// PurgeExpired removes records that are expired by the store clock and drops
// index members whose value Redis already evicted.
func (s *RedisRecordStore) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	now := s.now()
	iter := s.client.Scan(ctx, 0, s.prefix+"idx:type:*", 100).Iterator()
	for iter.Next(ctx) {
		index := iter.Val()
		keys, err := s.client.SMembers(ctx, index).Result()
		if err != nil {
			return purged, fmt.Errorf("purge list index: %w", err)
		}
		for _, key := range keys {
			raw, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
			if errors.Is(err, redis.Nil) {
				_ = s.client.SRem(ctx, index, key).Err()
				continue
			}
			if err != nil {
				return purged, fmt.Errorf("purge load: %w", err)
			}
			rec, err := decodeRecord(raw)
			if err != nil || !rec.ExpiredAt(now) {
				continue
			}
			if err := s.Remove(ctx, key); err != nil {
				return purged, err
			}
			purged++
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("purge scan: %w", err)
	}
	return purged, nil
}

func (s *RedisRecordStore) load(ctx context.Context, key string) (domain.Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Record{}, oauth.ErrNotFound
		}
		return domain.Record{}, fmt.Errorf("load record: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.ExpiredAt(s.now()) {
		return domain.Record{}, oauth.ErrNotFound
	}
	return rec, nil
}

func (s *RedisRecordStore) unindex(ctx context.Context, pipe redis.Pipeliner, rec domain.Record) {
	pipe.SRem(ctx, s.typeIndex(rec.Type), rec.Key)
	if rec.SubjectID != "" {
		pipe.SRem(ctx, s.subjectIndex(rec.SubjectID), rec.Key)
	}
	for _, ref := range rec.References {
		deleteIfEqual.Eval(ctx, pipe, []string{s.refKey(rec.Type, ref)}, rec.Key)
	}
}

func decodeRecord(raw []byte) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode record: %v: %w", err, oauth.ErrCorruptRecord)
	}
	return rec, nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
