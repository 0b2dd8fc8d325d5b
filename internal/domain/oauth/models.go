package oauth

import (
	"encoding/json"
	"strings"
	"time"
)

// AuthorizationRequest is the validated content of a pushed request object.
type AuthorizationRequest struct {
	ClientID            string            `json:"client_id"`
	ResponseType        string            `json:"response_type"`
	ResponseMode        string            `json:"response_mode,omitempty"`
	RedirectURI         string            `json:"redirect_uri"`
	Scope               string            `json:"scope"`
	State               string            `json:"state,omitempty"`
	Nonce               string            `json:"nonce,omitempty"`
	CodeChallenge       string            `json:"code_challenge"`
	CodeChallengeMethod string            `json:"code_challenge_method"`
	ArrangementID       string            `json:"cdr_arrangement_id,omitempty"`
	SharingDuration     int64             `json:"sharing_duration,omitempty"`
	Claims              json.RawMessage   `json:"claims,omitempty"`
	Parameters          map[string]string `json:"parameters"`
}

// Scopes splits the space-delimited scope value.
func (r AuthorizationRequest) Scopes() []string {
	return strings.Fields(r.Scope)
}

// HasScope reports whether scope was requested.
func (r AuthorizationRequest) HasScope(scope string) bool {
	for _, s := range r.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// SharingExpiry returns the end of the consent's sharing period, or nil for a
// once-off authorization.
func (r AuthorizationRequest) SharingExpiry(from time.Time) *time.Time {
	if r.SharingDuration <= 0 {
		return nil
	}
	t := from.Add(time.Duration(r.SharingDuration) * time.Second).UTC()
	return &t
}

// PushedRequest is returned by a successful PAR submission.
type PushedRequest struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}
