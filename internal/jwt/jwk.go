package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

const (
	signingKeyRecord = "signing_key:active"
	signingKeyBits   = 2048
)

// KeyManager ensures the server always has an active signing key persisted
// in the record store so every instance signs with the same key.
type KeyManager struct {
	store repository.RecordStore
	now   func() time.Time
}

// NewKeyManager creates a KeyManager.
func NewKeyManager(store repository.RecordStore) *KeyManager {
	return &KeyManager{store: store, now: time.Now}
}

// EnsureSigningKey returns the active key or creates a new one if missing.
func (m *KeyManager) EnsureSigningKey(ctx context.Context) (domain.SigningKey, error) {
	key, err := m.ActiveKey(ctx)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, oauth.ErrNotFound) {
		return domain.SigningKey{}, fmt.Errorf("ensure signing key: %w", err)
	}

	private, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("encode key: %w", err)
	}

	data := domain.SigningKeyData{KID: uuid.NewString(), Algorithm: string(gojose.PS256), PrivateKey: der}
	rec, err := domain.NewRecord(signingKeyRecord, "", "", data, m.now(), nil)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("build signing key: %w", err)
	}
	if err := m.store.Store(ctx, rec); err != nil {
		return domain.SigningKey{}, fmt.Errorf("persist signing key: %w", err)
	}

	// Re-read so concurrent creators converge on the stored key.
	return m.ActiveKey(ctx)
}

// ActiveKey retrieves the existing signing key without creating a new one.
func (m *KeyManager) ActiveKey(ctx context.Context) (domain.SigningKey, error) {
	rec, err := m.store.Get(ctx, signingKeyRecord)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("active key: %w", err)
	}
	data, err := domain.Decode[domain.SigningKeyData](rec)
	if err != nil {
		return domain.SigningKey{}, err
	}
	return domain.SigningKey{
		KID:        data.KID,
		Algorithm:  data.Algorithm,
		PrivateKey: data.PrivateKey,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// Signer returns a LocalSigner over the active key.
func (m *KeyManager) Signer(ctx context.Context) (*LocalSigner, error) {
	key, err := m.EnsureSigningKey(ctx)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %v: %w", err, oauth.ErrCorruptRecord)
	}
	private, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T: %w", parsed, oauth.ErrCorruptRecord)
	}
	return NewLocalSigner(private, key.KID)
}

// LoadSignerFile builds a LocalSigner from a PEM encoded RSA key (PKCS#1 or
// PKCS#8).
func LoadSignerFile(path string) (*LocalSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key %s: no PEM block", path)
	}

	var private *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		private, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if private, ok = parsed.(*rsa.PrivateKey); !ok {
				err = fmt.Errorf("unsupported key type %T", parsed)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewLocalSigner(private, "")
}

// JWKS returns the public JSON Web Key Set served to relying parties.
func JWKS(ctx context.Context, signer SigningService) (gojose.JSONWebKeySet, error) {
	jwk, err := signer.PublicKey(ctx)
	if err != nil {
		return gojose.JSONWebKeySet{}, fmt.Errorf("jwks public key: %w", err)
	}
	return gojose.JSONWebKeySet{Keys: []gojose.JSONWebKey{jwk.Public()}}, nil
}
