package service_test

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/arrangement"
	"github.com/smallbiznis/valora-dataholder/internal/config"
	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/idperm"
	"github.com/smallbiznis/valora-dataholder/internal/jwt"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	"github.com/smallbiznis/valora-dataholder/internal/par"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
	"github.com/smallbiznis/valora-dataholder/internal/service"
)

const (
	testIssuer    = "https://dataholder.example"
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	ninetyDays    = int64(90 * 24 * 3600)
)

type harness struct {
	store        *repository.MemoryRecordStore
	arrangements *arrangement.Manager
	cipher       *idperm.XCipher
	generator    *jwt.Generator
	pushed       *par.Manager
	authorize    *service.AuthorizationService
	tokens       *service.TokenService
	revocation   *service.RevocationCoordinator
	metrics      *metrics.Recorder
	client       domain.Client
	other        domain.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Config{
		IssuerURI:          testIssuer,
		AccessTokenTTL:     5 * time.Minute,
		IDTokenTTL:         5 * time.Minute,
		AuthCodeTTL:        time.Minute,
		PARTTL:             90 * time.Second,
		MaxSharingDuration: 365 * 24 * time.Hour,
		RefreshTokenBytes:  32,
	}

	store := repository.NewMemoryRecordStore()
	logger := zap.NewNop()
	recorder := metrics.NewRecorder()

	cipher, err := idperm.New([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	signer, err := jwt.NewKeyManager(store).Signer(context.Background())
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	generator := jwt.NewGenerator(signer, node, testIssuer, cfg.AccessTokenTTL, cfg.IDTokenTTL)

	arrangements := arrangement.NewManager(store, logger)
	pushed := par.NewManager(store, par.NewValidator(testIssuer, cfg.MaxSharingDuration, arrangements), cfg.PARTTL, logger)

	client := domain.Client{
		ClientID:     "client-1",
		SoftwareID:   "software-1",
		RedirectURIs: []string{"https://adr.example/cb"},
		GrantTypes:   []string{"authorization_code", "refresh_token", "client_credentials"},
	}
	other := client
	other.ClientID = "client-2"
	other.SoftwareID = "software-2"
	other.RedirectURIs = []string{"https://other.example/cb"}

	return &harness{
		store:        store,
		arrangements: arrangements,
		cipher:       cipher,
		generator:    generator,
		pushed:       pushed,
		authorize:    service.NewAuthorizationService(store, pushed, cfg, recorder, logger),
		tokens:       service.NewTokenService(store, arrangements, cipher, generator, cfg, recorder, logger),
		revocation:   service.NewRevocationCoordinator(store, arrangements, generator, recorder, logger),
		metrics:      recorder,
		client:       client,
		other:        other,
	}
}

func (h *harness) request(client domain.Client, sharing int64, arrangementID string) oauth.AuthorizationRequest {
	req := oauth.AuthorizationRequest{
		ClientID:            client.ClientID,
		ResponseType:        "code",
		RedirectURI:         client.RedirectURIs[0],
		Scope:               "openid bank:accounts.basic:read",
		State:               "state-1",
		Nonce:               "nonce-1",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
		ArrangementID:       arrangementID,
		SharingDuration:     sharing,
	}
	req.Parameters = map[string]string{
		"client_id":    req.ClientID,
		"redirect_uri": req.RedirectURI,
		"scope":        req.Scope,
		"state":        req.State,
	}
	return req
}

// code runs PAR submission and the consent decision and returns the issued
// authorization code.
func (h *harness) code(t *testing.T, client domain.Client, subject string, sharing int64, arrangementID string) string {
	t.Helper()
	ctx := context.Background()
	pushed, err := h.pushed.Submit(ctx, h.request(client, sharing, arrangementID), "")
	require.NoError(t, err)

	res, err := h.authorize.Authorize(ctx, service.AuthorizeInput{
		RequestURI: pushed.RequestURI,
		ClientID:   client.ClientID,
		Params:     map[string]string{"client_id": client.ClientID, "request_uri": pushed.RequestURI},
		Subject:    subject,
		AccountIDs: []string{"acc-001", "acc-002"},
		Approved:   true,
	})
	require.NoError(t, err)

	u, err := url.Parse(res.RedirectURI)
	require.NoError(t, err)
	require.Equal(t, "state-1", u.Query().Get("state"))
	require.Equal(t, testIssuer, u.Query().Get("iss"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (h *harness) exchange(t *testing.T, client domain.Client, code string) *service.TokenResponse {
	t.Helper()
	resp, err := h.tokens.Exchange(context.Background(), client, service.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)
	return resp
}

func requireOAuthError(t *testing.T, err error, code string) *service.OAuthError {
	t.Helper()
	require.Error(t, err)
	oe := service.ToOAuthError(err)
	require.Equal(t, code, oe.Code, err.Error())
	return oe
}

func stringsReader(s string) *strings.Reader {
	return strings.NewReader(s)
}
