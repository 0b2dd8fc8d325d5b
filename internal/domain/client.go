package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Client is a registered software product (relying party).
type Client struct {
	ClientID            string          `json:"client_id"`
	SoftwareID          string          `json:"software_id"`
	SectorIdentifierURI string          `json:"sector_identifier_uri,omitempty"`
	RedirectURIs        []string        `json:"redirect_uris"`
	Scopes              []string        `json:"scopes,omitempty"`
	GrantTypes          []string        `json:"grant_types,omitempty"`
	JWKS                json.RawMessage `json:"jwks"`
	Status              string          `json:"status,omitempty"`
	CreatedAt           time.Time       `json:"-"`
}

// Active reports whether the client may obtain tokens.
func (c Client) Active() bool {
	return c.Status == "" || strings.EqualFold(c.Status, "active")
}

// HasRedirectURI reports whether uri is registered exactly.
func (c Client) HasRedirectURI(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether grant is registered; an empty list allows the
// authorization_code and refresh_token grants.
func (c Client) AllowsGrant(grant string) bool {
	if len(c.GrantTypes) == 0 {
		return grant == "authorization_code" || grant == "refresh_token"
	}
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AllowsScope reports whether scope is within the registered scopes. An empty
// registration allows any scope.
func (c Client) AllowsScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// PseudonymKey is the relying-party key under which identifiers are
// pseudonymized: the software product id, falling back to the client id.
func (c Client) PseudonymKey() string {
	if c.SoftwareID != "" {
		return c.SoftwareID
	}
	return c.ClientID
}

// Sector returns the pairwise subject sector: the registered
// sector_identifier_uri, or the host of the single registered redirect URI.
func (c Client) Sector() (string, error) {
	if c.SectorIdentifierURI != "" {
		return c.SectorIdentifierURI, nil
	}
	hosts := map[string]struct{}{}
	for _, raw := range c.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("client %s: invalid redirect uri %q", c.ClientID, raw)
		}
		hosts[u.Hostname()] = struct{}{}
	}
	if len(hosts) != 1 {
		return "", fmt.Errorf("client %s: sector_identifier_uri required for %d redirect hosts", c.ClientID, len(hosts))
	}
	for host := range hosts {
		return host, nil
	}
	return "", nil
}

// VerificationKey selects the registered key named by kid, or the only
// registered key when kid is empty.
func (c Client) VerificationKey(kid string) (jose.JSONWebKey, error) {
	if len(c.JWKS) == 0 {
		return jose.JSONWebKey{}, errors.New("client has no registered keys")
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(c.JWKS, &set); err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("decode client jwks: %w", err)
	}
	if kid == "" {
		if len(set.Keys) == 1 {
			return set.Keys[0], nil
		}
		return jose.JSONWebKey{}, fmt.Errorf("kid required with %d registered keys", len(set.Keys))
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, fmt.Errorf("unknown kid %q", kid)
	}
	return keys[0], nil
}
