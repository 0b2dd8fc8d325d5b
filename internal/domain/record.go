package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// RecordType discriminates the payload stored inside a Record.
type RecordType string

const (
	RecordArrangement       RecordType = "arrangement"
	RecordAuthorizationCode RecordType = "authorization_code"
	RecordRefreshToken      RecordType = "refresh_token"
	RecordPushedRequest     RecordType = "pushed_authorization_request"
	RecordRevocationMarker  RecordType = "revocation_marker"
	RecordClientAssertion   RecordType = "client_assertion"
	RecordSigningKey        RecordType = "signing_key"
)

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	switch t {
	case RecordArrangement, RecordAuthorizationCode, RecordRefreshToken, RecordPushedRequest,
		RecordRevocationMarker, RecordClientAssertion, RecordSigningKey:
		return true
	}
	return false
}

// Record is the unit persisted by every record store. Data holds the JSON
// encoding of the payload matching Type. References are secondary keys that
// can be resolved back to the record through FindByReference.
type Record struct {
	Key        string          `json:"key"`
	Type       RecordType      `json:"type"`
	ClientID   string          `json:"client_id,omitempty"`
	SubjectID  string          `json:"subject_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	References []string        `json:"references,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Expiration *time.Time      `json:"expiration,omitempty"`
}

// RecordFilter narrows GetAll results. Empty fields match everything.
type RecordFilter struct {
	SubjectID string
	ClientID  string
	Type      RecordType
}

// Matches reports whether rec satisfies the filter.
func (f RecordFilter) Matches(rec Record) bool {
	if f.SubjectID != "" && rec.SubjectID != f.SubjectID {
		return false
	}
	if f.ClientID != "" && rec.ClientID != f.ClientID {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	return true
}

// ExpiredAt reports whether the record is no longer valid at now.
func (r Record) ExpiredAt(now time.Time) bool {
	return r.Expiration != nil && !now.Before(*r.Expiration)
}

// TTL returns the remaining lifetime relative to now. ok is false when the
// record never expires.
func (r Record) TTL(now time.Time) (ttl time.Duration, ok bool) {
	if r.Expiration == nil {
		return 0, false
	}
	return r.Expiration.Sub(now), true
}

// NewRecord encodes payload into a record of the payload's type.
func NewRecord(key, clientID, subjectID string, payload Payload, createdAt time.Time, expiration *time.Time, references ...string) (Record, error) {
	if err := payload.Validate(); err != nil {
		return Record{}, fmt.Errorf("validate %s payload: %w", payload.RecordType(), err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", payload.RecordType(), err)
	}
	refs := make([]string, 0, len(references))
	for _, ref := range references {
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	return Record{
		Key:        key,
		Type:       payload.RecordType(),
		ClientID:   clientID,
		SubjectID:  subjectID,
		Data:       data,
		References: refs,
		CreatedAt:  createdAt.UTC(),
		Expiration: utcPtr(expiration),
	}, nil
}

// HashReference derives the stored form of a bearer secret such as an
// authorization code or refresh token handle.
func HashReference(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ExpiresIn returns a pointer to now+ttl, or nil when ttl is not positive.
func ExpiresIn(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl).UTC()
	return &t
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
