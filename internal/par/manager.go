// Package par issues and redeems pushed authorization request references.
package par

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

// RequestURIPrefix is the URN namespace of issued request_uri values.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// expiredRetention keeps a lapsed reference readable so Redeem can report it
// as expired instead of unknown. The store purges it afterwards.
const expiredRetention = time.Minute

// listParameters compare as unordered sets of space-delimited values.
var listParameters = map[string]bool{
	"scope":         true,
	"response_type": true,
	"acr_values":    true,
	"prompt":        true,
	"ui_locales":    true,
}

// Manager stores pushed requests as single-use records with a fixed TTL.
type Manager struct {
	store     repository.RecordStore
	validator *Validator
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager constructs a Manager. ttl applies to every reference regardless
// of what the client asks for.
func NewManager(store repository.RecordStore, validator *Validator, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		validator: validator,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for expiry decisions.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Push validates a PAR form post and submits the resulting request.
func (m *Manager) Push(ctx context.Context, client domain.Client, form url.Values) (oauth.PushedRequest, error) {
	req, requestObject, err := m.validator.Validate(ctx, client, form)
	if err != nil {
		m.log().Info("pushed authorization request rejected",
			zap.String("client_id", client.ClientID),
			zap.String("reason", Classify(err)),
			zap.Error(err),
		)
		return oauth.PushedRequest{}, err
	}
	return m.Submit(ctx, req, requestObject)
}

// Submit stores a validated request under a fresh reference.
func (m *Manager) Submit(ctx context.Context, req oauth.AuthorizationRequest, requestObject string) (oauth.PushedRequest, error) {
	if req.ClientID == "" {
		return oauth.PushedRequest{}, fmt.Errorf("submit pushed request: %w", oauth.ErrInvalidRequest)
	}
	ref, err := newReference()
	if err != nil {
		return oauth.PushedRequest{}, err
	}

	now := m.now()
	expiresAt := now.Add(m.ttl).UTC()
	retainUntil := expiresAt.Add(expiredRetention)
	rec, err := domain.NewRecord(ref, req.ClientID, "", domain.PushedRequestData{
		Request:       req,
		RequestObject: requestObject,
		ExpiresAt:     expiresAt,
	}, now, &retainUntil)
	if err != nil {
		return oauth.PushedRequest{}, fmt.Errorf("build pushed request: %w", err)
	}
	if err := m.store.Store(ctx, rec); err != nil {
		return oauth.PushedRequest{}, fmt.Errorf("store pushed request: %w", err)
	}

	return oauth.PushedRequest{
		RequestURI: RequestURIPrefix + ref,
		ExpiresIn:  int64(m.ttl / time.Second),
	}, nil
}

// Redeem consumes the reference named by requestURI on behalf of clientID.
// The record is deleted before the caller's parameters are compared, so a
// reference can be redeemed at most once even when the comparison fails.
func (m *Manager) Redeem(ctx context.Context, requestURI, clientID string, params map[string]string) (oauth.AuthorizationRequest, error) {
	ref, ok := strings.CutPrefix(requestURI, RequestURIPrefix)
	if !ok || ref == "" {
		return oauth.AuthorizationRequest{}, fmt.Errorf("redeem %q: %w", requestURI, oauth.ErrNotFound)
	}

	rec, err := m.store.Get(ctx, ref)
	if err != nil {
		return oauth.AuthorizationRequest{}, fmt.Errorf("redeem pushed request: %w", err)
	}
	if rec.Type != domain.RecordPushedRequest {
		return oauth.AuthorizationRequest{}, fmt.Errorf("redeem pushed request: %w", oauth.ErrNotFound)
	}
	data, err := domain.Decode[domain.PushedRequestData](rec)
	if err != nil {
		return oauth.AuthorizationRequest{}, err
	}
	if !m.now().Before(data.ExpiresAt) {
		if err := m.store.Remove(ctx, ref); err != nil {
			m.log().Warn("remove expired pushed request", zap.Error(err))
		}
		return oauth.AuthorizationRequest{}, fmt.Errorf("redeem pushed request: %w", oauth.ErrExpired)
	}
	if rec.ClientID != clientID {
		return oauth.AuthorizationRequest{}, fmt.Errorf("redeem pushed request: %w", oauth.ErrClientMismatch)
	}

	if _, err := m.store.Take(ctx, ref); err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return oauth.AuthorizationRequest{}, fmt.Errorf("redeem pushed request: %w", oauth.ErrNotFound)
		}
		return oauth.AuthorizationRequest{}, fmt.Errorf("consume pushed request: %w", err)
	}

	if name, ok := firstMismatch(data.Request.Parameters, params); !ok {
		return oauth.AuthorizationRequest{}, &MismatchError{Parameter: name}
	}
	return data.Request, nil
}

func firstMismatch(stored, supplied map[string]string) (string, bool) {
	names := make([]string, 0, len(supplied))
	for k := range supplied {
		if k == "request_uri" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		want, ok := stored[name]
		if !ok {
			return name, false
		}
		got := supplied[name]
		if listParameters[name] {
			if !sameSet(want, got) {
				return name, false
			}
			continue
		}
		if want != got {
			return name, false
		}
	}
	return "", true
}

func sameSet(a, b string) bool {
	left := strings.Fields(a)
	right := strings.Fields(b)
	seen := make(map[string]int, len(left))
	for _, v := range left {
		seen[v]++
	}
	for _, v := range right {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

func newReference() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate request reference: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}
