package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ RecordStore      = (*PostgresRecordStore)(nil)
	_ ClientRepository = (*PostgresClientRepo)(nil)
)

// Schema creates the tables used by the Postgres repositories.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	client_id  TEXT NOT NULL DEFAULT '',
	subject_id TEXT NOT NULL DEFAULT '',
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expiration TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS records_subject_type_idx ON records (subject_id, type);
CREATE INDEX IF NOT EXISTS records_expiration_idx ON records (expiration) WHERE expiration IS NOT NULL;
CREATE TABLE IF NOT EXISTS record_references (
	type      TEXT NOT NULL,
	reference TEXT NOT NULL,
	key       TEXT NOT NULL REFERENCES records (key) ON DELETE CASCADE,
	PRIMARY KEY (type, reference)
);
CREATE INDEX IF NOT EXISTS record_references_key_idx ON record_references (key);
CREATE TABLE IF NOT EXISTS clients (
	client_id             TEXT PRIMARY KEY,
	software_id           TEXT NOT NULL DEFAULT '',
	sector_identifier_uri TEXT NOT NULL DEFAULT '',
	redirect_uris         TEXT[] NOT NULL DEFAULT '{}',
	scopes                TEXT[] NOT NULL DEFAULT '{}',
	grant_types           TEXT[] NOT NULL DEFAULT '{}',
	jwks                  JSONB NOT NULL DEFAULT '{"keys":[]}',
	status                TEXT NOT NULL DEFAULT 'active',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PostgresRecordStore implements RecordStore on a records table with a
// separate reference index.
type PostgresRecordStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewPostgresRecordStore(pool *pgxpool.Pool) *PostgresRecordStore {
	return &PostgresRecordStore{db: pool, now: time.Now}
}

// WithClock overrides the time used for expiry checks.
func (s *PostgresRecordStore) WithClock(now func() time.Time) *PostgresRecordStore {
	s.now = now
	return s
}

const recordColumns = `r.key, r.type, r.client_id, r.subject_id, r.data, r.created_at, r.expiration,
	COALESCE((SELECT array_agg(rr.reference ORDER BY rr.reference) FROM record_references rr WHERE rr.key = r.key), '{}')`

func (s *PostgresRecordStore) Get(ctx context.Context, key string) (domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records r
WHERE r.key = $1 AND (r.expiration IS NULL OR r.expiration > $2)`
	rec, err := scanRecord(s.db.QueryRow(ctx, query, key, s.now()))
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record: %w", notFound(err))
	}
	return rec, nil
}

func (s *PostgresRecordStore) GetAll(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records r
WHERE (r.expiration IS NULL OR r.expiration > $1)
	AND ($2 = '' OR r.subject_id = $2)
	AND ($3 = '' OR r.client_id = $3)
	AND ($4 = '' OR r.type = $4)
ORDER BY r.created_at`
	rows, err := s.db.Query(ctx, query, s.now(), filter.SubjectID, filter.ClientID, string(filter.Type))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (s *PostgresRecordStore) FindByReference(ctx context.Context, recordType domain.RecordType, reference string) (domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM record_references ref
JOIN records r ON r.key = ref.key
WHERE ref.type = $1 AND ref.reference = $2 AND (r.expiration IS NULL OR r.expiration > $3)`
	rec, err := scanRecord(s.db.QueryRow(ctx, query, string(recordType), reference, s.now()))
	if err != nil {
		return domain.Record{}, fmt.Errorf("find %s by reference: %w", recordType, notFound(err))
	}
	return rec, nil
}

const upsertRecordSQL = `INSERT INTO records (key, type, client_id, subject_id, data, created_at, expiration)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE SET
	type = EXCLUDED.type,
	client_id = EXCLUDED.client_id,
	subject_id = EXCLUDED.subject_id,
	data = EXCLUDED.data,
	created_at = EXCLUDED.created_at,
	expiration = EXCLUDED.expiration`

// createRecordSQL only overwrites a conflicting row whose expiration passed.
const createRecordSQL = upsertRecordSQL + `
WHERE records.expiration IS NOT NULL AND records.expiration <= $8`

func (s *PostgresRecordStore) Store(ctx context.Context, rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("store record: empty key")
	}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertRecordSQL, rec.Key, string(rec.Type), rec.ClientID, rec.SubjectID, []byte(rec.Data), rec.CreatedAt, rec.Expiration); err != nil {
			return fmt.Errorf("upsert record: %w", err)
		}
		return writeReferences(ctx, tx, rec)
	})
	if err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Create(ctx context.Context, rec domain.Record) error {
	if rec.Key == "" {
		return fmt.Errorf("create record: empty key")
	}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, createRecordSQL, rec.Key, string(rec.Type), rec.ClientID, rec.SubjectID, []byte(rec.Data), rec.CreatedAt, rec.Expiration, s.now())
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return oauth.ErrAlreadyExists
		}
		return writeReferences(ctx, tx, rec)
	})
	if err != nil {
		return fmt.Errorf("create record %q: %w", rec.Key, err)
	}
	return nil
}

func writeReferences(ctx context.Context, tx pgx.Tx, rec domain.Record) error {
	if _, err := tx.Exec(ctx, `DELETE FROM record_references WHERE key = $1`, rec.Key); err != nil {
		return fmt.Errorf("clear references: %w", err)
	}
	for _, ref := range rec.References {
		// A reference moves to the most recent owner.
		if _, err := tx.Exec(ctx, `INSERT INTO record_references (type, reference, key) VALUES ($1, $2, $3)
ON CONFLICT (type, reference) DO UPDATE SET key = EXCLUDED.key`, string(rec.Type), ref, rec.Key); err != nil {
			return fmt.Errorf("insert reference: %w", err)
		}
	}
	return nil
}

func (s *PostgresRecordStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Take(ctx context.Context, key string) (domain.Record, error) {
	var rec domain.Record
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		query := `SELECT ` + recordColumns + ` FROM records r WHERE r.key = $1 FOR UPDATE`
		found, err := scanRecord(tx.QueryRow(ctx, query, key))
		if err != nil {
			return notFound(err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM records WHERE key = $1`, key)
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return oauth.ErrNotFound
		}
		rec = found
		return nil
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("take record: %w", err)
	}
	if rec.ExpiredAt(s.now()) {
		return domain.Record{}, fmt.Errorf("take record: %w", oauth.ErrNotFound)
	}
	return rec, nil
}

func (s *PostgresRecordStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM records WHERE expiration IS NOT NULL AND expiration <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (domain.Record, error) {
	var (
		rec        domain.Record
		recType    string
		data       []byte
		expiration *time.Time
		refs       []string
	)
	if err := row.Scan(&rec.Key, &recType, &rec.ClientID, &rec.SubjectID, &data, &rec.CreatedAt, &expiration, &refs); err != nil {
		return domain.Record{}, err
	}
	rec.Type = domain.RecordType(recType)
	rec.Data = json.RawMessage(data)
	rec.Expiration = expiration
	if len(refs) > 0 {
		rec.References = refs
	}
	return rec, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return oauth.ErrNotFound
	}
	return err
}

// PostgresClientRepo implements ClientRepository.
type PostgresClientRepo struct {
	db *pgxpool.Pool
}

func NewPostgresClientRepo(pool *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{db: pool}
}

func (r *PostgresClientRepo) GetClientByID(ctx context.Context, clientID string) (domain.Client, error) {
	const query = `
SELECT client_id, software_id, sector_identifier_uri, redirect_uris, scopes, grant_types, jwks, status, created_at
FROM clients
WHERE client_id = $1
LIMIT 1`

	var (
		client       domain.Client
		redirectURIs []string
		scopes       []string
		grants       []string
		jwks         []byte
	)
	if err := r.db.QueryRow(ctx, query, clientID).Scan(
		&client.ClientID,
		&client.SoftwareID,
		&client.SectorIdentifierURI,
		&redirectURIs,
		&scopes,
		&grants,
		&jwks,
		&client.Status,
		&client.CreatedAt,
	); err != nil {
		return domain.Client{}, fmt.Errorf("get client: %w", notFound(err))
	}

	client.RedirectURIs = append([]string{}, redirectURIs...)
	client.Scopes = append([]string{}, scopes...)
	client.GrantTypes = append([]string{}, grants...)
	client.JWKS = json.RawMessage(jwks)
	return client, nil
}

// UpsertClient inserts or replaces a client registration.
func (r *PostgresClientRepo) UpsertClient(ctx context.Context, client domain.Client) error {
	const query = `
INSERT INTO clients (client_id, software_id, sector_identifier_uri, redirect_uris, scopes, grant_types, jwks, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (client_id) DO UPDATE SET
	software_id = EXCLUDED.software_id,
	sector_identifier_uri = EXCLUDED.sector_identifier_uri,
	redirect_uris = EXCLUDED.redirect_uris,
	scopes = EXCLUDED.scopes,
	grant_types = EXCLUDED.grant_types,
	jwks = EXCLUDED.jwks,
	status = EXCLUDED.status`

	jwks := []byte(client.JWKS)
	if len(jwks) == 0 {
		jwks = []byte(`{"keys":[]}`)
	}
	status := client.Status
	if status == "" {
		status = "active"
	}
	if _, err := r.db.Exec(ctx, query,
		client.ClientID,
		client.SoftwareID,
		client.SectorIdentifierURI,
		nonNil(client.RedirectURIs),
		nonNil(client.Scopes),
		nonNil(client.GrantTypes),
		jwks,
		status,
	); err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
