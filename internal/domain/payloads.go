package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
)

// Payload is implemented by every typed record body.
type Payload interface {
	RecordType() RecordType
	Validate() error
}

// ArrangementData is the body of a consent arrangement record.
type ArrangementData struct {
	Subject          string     `json:"subject"`
	RefreshTokenKey  string     `json:"refresh_token_key,omitempty"`
	AuthCode         string     `json:"auth_code,omitempty"`
	SharingExpiresAt *time.Time `json:"sharing_expires_at,omitempty"`
}

func (ArrangementData) RecordType() RecordType { return RecordArrangement }

func (d ArrangementData) Validate() error {
	if d.Subject == "" {
		return errors.New("subject is empty")
	}
	return nil
}

// References returns the secondary keys under which the arrangement is indexed.
func (d ArrangementData) References() []string {
	return []string{d.AuthCode, d.RefreshTokenKey}
}

// AuthorizationCodeData is the body of an authorization code record.
type AuthorizationCodeData struct {
	Request    oauth.AuthorizationRequest `json:"request"`
	Subject    string                     `json:"subject"`
	AccountIDs []string                   `json:"account_ids,omitempty"`
	AuthTime   time.Time                  `json:"auth_time"`
}

func (AuthorizationCodeData) RecordType() RecordType { return RecordAuthorizationCode }

func (d AuthorizationCodeData) Validate() error {
	if d.Subject == "" {
		return errors.New("subject is empty")
	}
	if d.Request.ClientID == "" {
		return errors.New("client_id is empty")
	}
	return nil
}

// RefreshTokenData is the body of a refresh token record. AccessClaims keeps
// the custom claims of the last access token for reuse on refresh.
type RefreshTokenData struct {
	ArrangementID    string          `json:"arrangement_id"`
	Scope            string          `json:"scope"`
	SharingExpiresAt *time.Time      `json:"sharing_expires_at,omitempty"`
	AccountIDs       []string        `json:"account_ids,omitempty"`
	AuthTime         time.Time       `json:"auth_time"`
	AccessClaims     json.RawMessage `json:"access_claims,omitempty"`
}

func (RefreshTokenData) RecordType() RecordType { return RecordRefreshToken }

func (d RefreshTokenData) Validate() error {
	if d.ArrangementID == "" {
		return errors.New("arrangement_id is empty")
	}
	return nil
}

// PushedRequestData is the body of a PAR reference record.
type PushedRequestData struct {
	Request       oauth.AuthorizationRequest `json:"request"`
	RequestObject string                     `json:"request_object"`
	ExpiresAt     time.Time                  `json:"expires_at"`
}

func (PushedRequestData) RecordType() RecordType { return RecordPushedRequest }

func (d PushedRequestData) Validate() error {
	if d.Request.ClientID == "" {
		return errors.New("client_id is empty")
	}
	if d.ExpiresAt.IsZero() {
		return errors.New("expires_at is zero")
	}
	return nil
}

// RevocationMarkerData is the body of a marker consulted by access token validation.
type RevocationMarkerData struct {
	TokenID       string    `json:"token_id,omitempty"`
	ArrangementID string    `json:"arrangement_id,omitempty"`
	Reason        string    `json:"reason"`
	RevokedAt     time.Time `json:"revoked_at"`
}

func (RevocationMarkerData) RecordType() RecordType { return RecordRevocationMarker }

func (d RevocationMarkerData) Validate() error {
	if d.TokenID == "" && d.ArrangementID == "" {
		return errors.New("marker has no target")
	}
	return nil
}

// ClientAssertionData records a consumed client assertion jti.
type ClientAssertionData struct {
	JTI string `json:"jti"`
}

func (ClientAssertionData) RecordType() RecordType { return RecordClientAssertion }

func (d ClientAssertionData) Validate() error {
	if d.JTI == "" {
		return errors.New("jti is empty")
	}
	return nil
}

// SigningKeyData holds a PKCS#8 encoded private key.
type SigningKeyData struct {
	KID        string `json:"kid"`
	Algorithm  string `json:"alg"`
	PrivateKey []byte `json:"private_key"`
}

func (SigningKeyData) RecordType() RecordType { return RecordSigningKey }

func (d SigningKeyData) Validate() error {
	if d.KID == "" || len(d.PrivateKey) == 0 {
		return errors.New("signing key incomplete")
	}
	return nil
}

// DecodePayload decodes rec.Data into the payload type selected by rec.Type.
// Every failure wraps oauth.ErrCorruptRecord.
func DecodePayload(rec Record) (Payload, error) {
	var payload Payload
	switch rec.Type {
	case RecordArrangement:
		payload = &ArrangementData{}
	case RecordAuthorizationCode:
		payload = &AuthorizationCodeData{}
	case RecordRefreshToken:
		payload = &RefreshTokenData{}
	case RecordPushedRequest:
		payload = &PushedRequestData{}
	case RecordRevocationMarker:
		payload = &RevocationMarkerData{}
	case RecordClientAssertion:
		payload = &ClientAssertionData{}
	case RecordSigningKey:
		payload = &SigningKeyData{}
	default:
		return nil, fmt.Errorf("record %q has unknown type %q: %w", rec.Key, rec.Type, oauth.ErrCorruptRecord)
	}
	if err := json.Unmarshal(rec.Data, payload); err != nil {
		return nil, fmt.Errorf("decode %s record %q: %v: %w", rec.Type, rec.Key, err, oauth.ErrCorruptRecord)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s record %q: %v: %w", rec.Type, rec.Key, err, oauth.ErrCorruptRecord)
	}
	return payload, nil
}

// Decode decodes rec into the concrete payload type T, failing with
// oauth.ErrCorruptRecord when the record carries a different type.
func Decode[T Payload](rec Record) (T, error) {
	var zero T
	payload, err := DecodePayload(rec)
	if err != nil {
		return zero, err
	}
	if v, ok := deref(payload).(T); ok {
		return v, nil
	}
	return zero, fmt.Errorf("record %q is %s: %w", rec.Key, rec.Type, oauth.ErrCorruptRecord)
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ArrangementData:
		return *v
	case *AuthorizationCodeData:
		return *v
	case *RefreshTokenData:
		return *v
	case *PushedRequestData:
		return *v
	case *RevocationMarkerData:
		return *v
	case *ClientAssertionData:
		return *v
	case *SigningKeyData:
		return *v
	}
	return p
}
