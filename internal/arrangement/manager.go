// Package arrangement owns the lifecycle of consent arrangements: creation,
// lookup by id or by a pending grant reference, and grant removal.
package arrangement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

// RemovalResult classifies the outcome of RemoveGrantsForArrangement.
type RemovalResult int

const (
	RemovalOK RemovalResult = iota
	RemovalNotValid
	RemovalNotAssociatedToClient
	RemovalError
)

func (r RemovalResult) String() string {
	switch r {
	case RemovalOK:
		return "ok"
	case RemovalNotValid:
		return "not_valid"
	case RemovalNotAssociatedToClient:
		return "not_associated_to_client"
	default:
		return "error"
	}
}

// Arrangement is the decoded view of an arrangement record.
type Arrangement struct {
	ID               string
	ClientID         string
	Subject          string
	AuthCode         string
	RefreshTokenKey  string
	SharingExpiresAt *time.Time
	CreatedAt        time.Time
}

// Linkage describes the grant an arrangement should point at. AuthCode and
// RefreshTokenKey are the hashed forms stored in the record store.
//
// RetainUntil bounds the record of an arrangement without a sharing expiry,
// typically to the lifetime of the access token issued against it.
type Linkage struct {
	ArrangementID    string
	ClientID         string
	Subject          string
	AuthCode         string
	RefreshTokenKey  string
	SharingExpiresAt *time.Time
	RetainUntil      *time.Time
}

// Manager is the single writer of arrangement records.
type Manager struct {
	store  repository.RecordStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager constructs a Manager over store.
func NewManager(store repository.RecordStore, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now, newID: uuid.NewString}
}

// WithClock overrides the clock used for record timestamps.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateOrUpdate resolves the arrangement for l and points it at the supplied
// grant, or mints a new arrangement when none matches. A refresh token
// previously linked to the arrangement and not equal to l.RefreshTokenKey is
// deleted.
func (m *Manager) CreateOrUpdate(ctx context.Context, l Linkage) (string, error) {
	if l.ClientID == "" || l.Subject == "" {
		return "", fmt.Errorf("create arrangement: %w", oauth.ErrInvalidRequest)
	}

	existing, found, err := m.resolve(ctx, l)
	if err != nil {
		return "", err
	}

	data := domain.ArrangementData{
		Subject:          l.Subject,
		AuthCode:         l.AuthCode,
		RefreshTokenKey:  l.RefreshTokenKey,
		SharingExpiresAt: l.SharingExpiresAt,
	}
	key := m.newID()
	created := m.now()

	if found {
		key = existing.ID
		created = existing.CreatedAt
		if data.AuthCode == "" {
			data.AuthCode = existing.AuthCode
		}
		if data.SharingExpiresAt == nil {
			data.SharingExpiresAt = existing.SharingExpiresAt
		}
		if stale := existing.RefreshTokenKey; stale != "" && stale != l.RefreshTokenKey {
			if err := m.store.Remove(ctx, stale); err != nil {
				return "", fmt.Errorf("remove superseded refresh token: %w", err)
			}
			m.log().Debug("superseded refresh token removed", zap.String("arrangement_id", key))
		}
	}

	expiration := data.SharingExpiresAt
	if expiration == nil {
		expiration = l.RetainUntil
	}
	rec, err := domain.NewRecord(key, l.ClientID, l.Subject, data, created, expiration, data.References()...)
	if err != nil {
		return "", fmt.Errorf("build arrangement: %w", err)
	}
	if err := m.store.Store(ctx, rec); err != nil {
		return "", fmt.Errorf("store arrangement: %w", err)
	}
	if !found {
		m.log().Info("arrangement created",
			zap.String("arrangement_id", key),
			zap.String("client_id", l.ClientID),
		)
	}
	return key, nil
}

func (m *Manager) resolve(ctx context.Context, l Linkage) (Arrangement, bool, error) {
	if l.ArrangementID != "" {
		arr, err := m.Get(ctx, l.ArrangementID)
		switch {
		case err == nil:
			if arr.Subject == l.Subject && arr.ClientID == l.ClientID {
				return arr, true, nil
			}
		case !errors.Is(err, oauth.ErrNotFound):
			return Arrangement{}, false, err
		}
	}

	for _, keyword := range []string{l.AuthCode, l.RefreshTokenKey} {
		if keyword == "" {
			continue
		}
		rec, err := m.store.FindByReference(ctx, domain.RecordArrangement, keyword)
		if errors.Is(err, oauth.ErrNotFound) {
			continue
		}
		if err != nil {
			return Arrangement{}, false, fmt.Errorf("find arrangement by reference: %w", err)
		}
		arr, err := fromRecord(rec)
		if err != nil {
			return Arrangement{}, false, err
		}
		if arr.Subject == l.Subject && arr.ClientID == l.ClientID {
			return arr, true, nil
		}
	}
	return Arrangement{}, false, nil
}

// Get loads an arrangement by id.
func (m *Manager) Get(ctx context.Context, id string) (Arrangement, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return Arrangement{}, fmt.Errorf("get arrangement: %w", err)
	}
	if rec.Type != domain.RecordArrangement {
		return Arrangement{}, fmt.Errorf("get arrangement: %w", oauth.ErrNotFound)
	}
	return fromRecord(rec)
}

// RemoveGrantsForArrangement deletes the refresh token linked to the
// arrangement and then the arrangement itself.
func (m *Manager) RemoveGrantsForArrangement(ctx context.Context, id, clientID string) (RemovalResult, error) {
	arr, err := m.Get(ctx, id)
	if err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return RemovalNotValid, nil
		}
		return RemovalError, err
	}
	if arr.ClientID != clientID {
		return RemovalNotAssociatedToClient, nil
	}

	if arr.RefreshTokenKey != "" {
		if err := m.store.Remove(ctx, arr.RefreshTokenKey); err != nil {
			return RemovalError, fmt.Errorf("remove refresh token: %w", err)
		}
	}
	if err := m.store.Remove(ctx, arr.ID); err != nil {
		return RemovalError, fmt.Errorf("remove arrangement: %w", err)
	}
	m.log().Info("arrangement grants removed",
		zap.String("arrangement_id", arr.ID),
		zap.String("client_id", clientID),
		zap.Bool("had_refresh_token", arr.RefreshTokenKey != ""),
	)
	return RemovalOK, nil
}

// FindAlternativeArrangement returns another live arrangement held by the
// same subject with the same client, or "" when there is none.
func (m *Manager) FindAlternativeArrangement(ctx context.Context, id, clientID string) (string, error) {
	arr, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	recs, err := m.store.GetAll(ctx, domain.RecordFilter{
		SubjectID: arr.Subject,
		ClientID:  clientID,
		Type:      domain.RecordArrangement,
	})
	if err != nil {
		return "", fmt.Errorf("list arrangements: %w", err)
	}
	for _, rec := range recs {
		if rec.Key != id {
			return rec.Key, nil
		}
	}
	return "", nil
}

// DetachRefreshToken clears the arrangement's refresh token reference when it
// still points at refreshKey.
func (m *Manager) DetachRefreshToken(ctx context.Context, id, refreshKey string) error {
	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get arrangement: %w", err)
	}
	data, err := domain.Decode[domain.ArrangementData](rec)
	if err != nil {
		return err
	}
	if data.RefreshTokenKey != refreshKey {
		return nil
	}
	data.RefreshTokenKey = ""
	updated, err := domain.NewRecord(rec.Key, rec.ClientID, rec.SubjectID, data, rec.CreatedAt, rec.Expiration, data.References()...)
	if err != nil {
		return fmt.Errorf("build arrangement: %w", err)
	}
	if err := m.store.Store(ctx, updated); err != nil {
		return fmt.Errorf("store arrangement: %w", err)
	}
	return nil
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}

func fromRecord(rec domain.Record) (Arrangement, error) {
	data, err := domain.Decode[domain.ArrangementData](rec)
	if err != nil {
		return Arrangement{}, err
	}
	return Arrangement{
		ID:               rec.Key,
		ClientID:         rec.ClientID,
		Subject:          data.Subject,
		AuthCode:         data.AuthCode,
		RefreshTokenKey:  data.RefreshTokenKey,
		SharingExpiresAt: data.SharingExpiresAt,
		CreatedAt:        rec.CreatedAt,
	}, nil
}
