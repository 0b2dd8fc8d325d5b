package jwt_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	customjwt "github.com/smallbiznis/valora-dataholder/internal/jwt"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

const issuer = "https://dataholder.example"

func newGenerator(t *testing.T, store repository.RecordStore) (*customjwt.Generator, customjwt.SigningService) {
	t.Helper()
	signer, err := customjwt.NewKeyManager(store).Signer(context.Background())
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return customjwt.NewGenerator(signer, node, issuer, 5*time.Minute, 5*time.Minute), signer
}

func TestGeneratorRoundTrip(t *testing.T) {
	generator, _ := newGenerator(t, repository.NewMemoryRecordStore())

	issued, err := generator.GenerateAccessToken(context.Background(), "pairwise-sub", customjwt.AccessTokenClaims{
		ClientID:      "client-1",
		Scope:         "openid",
		ArrangementID: "arr-1",
		AccountIDs:    []string{"acc-x"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, issued.ID)

	claims, custom, err := generator.ParseAccessToken(context.Background(), issued.Token)
	require.NoError(t, err)
	require.Equal(t, "pairwise-sub", claims.Subject)
	require.Equal(t, issued.ID, claims.ID)
	require.Equal(t, "arr-1", custom.ArrangementID)
	require.Equal(t, []string{"acc-x"}, custom.AccountIDs)
}

func TestParseAccessTokenRejectsForeignAndExpired(t *testing.T) {
	generator, _ := newGenerator(t, repository.NewMemoryRecordStore())
	other, _ := newGenerator(t, repository.NewMemoryRecordStore())

	issued, err := other.GenerateAccessToken(context.Background(), "sub", customjwt.AccessTokenClaims{ClientID: "c"})
	require.NoError(t, err)
	_, _, err = generator.ParseAccessToken(context.Background(), issued.Token)
	require.Error(t, err)

	issued, err = generator.GenerateAccessToken(context.Background(), "sub", customjwt.AccessTokenClaims{ClientID: "c"})
	require.NoError(t, err)
	generator.WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	_, _, err = generator.ParseAccessToken(context.Background(), issued.Token)
	require.Error(t, err)
}

func TestParseAccessTokenRejectsIDToken(t *testing.T) {
	generator, _ := newGenerator(t, repository.NewMemoryRecordStore())

	issued, err := generator.GenerateIDToken(context.Background(), "sub", issuer, customjwt.IDTokenClaims{Nonce: "n"})
	require.NoError(t, err)
	_, _, err = generator.ParseAccessToken(context.Background(), issued.Token)
	require.ErrorContains(t, err, "not an access token")

	access, err := generator.GenerateAccessToken(context.Background(), "sub", customjwt.AccessTokenClaims{ClientID: "c"})
	require.NoError(t, err)
	parsed, err := gojwt.ParseSigned(access.Token, []gojose.SignatureAlgorithm{gojose.PS256})
	require.NoError(t, err)
	require.Equal(t, "at+jwt", parsed.Headers[0].ExtraHeaders[gojose.HeaderType])
}

func TestKeyManagerPersistsKey(t *testing.T) {
	store := repository.NewMemoryRecordStore()
	manager := customjwt.NewKeyManager(store)

	first, err := manager.EnsureSigningKey(context.Background())
	require.NoError(t, err)
	second, err := manager.EnsureSigningKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.KID, second.KID)

	signer, err := manager.Signer(context.Background())
	require.NoError(t, err)
	set, err := customjwt.JWKS(context.Background(), signer)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	require.True(t, set.Keys[0].IsPublic())
	require.Equal(t, first.KID, set.Keys[0].KeyID)
}

func TestIDTokenAudience(t *testing.T) {
	generator, signer := newGenerator(t, repository.NewMemoryRecordStore())
	issued, err := generator.GenerateIDToken(context.Background(), "sub", "client-1", customjwt.IDTokenClaims{Nonce: "n"})
	require.NoError(t, err)

	parsed, err := gojwt.ParseSigned(issued.Token, []gojose.SignatureAlgorithm{gojose.PS256})
	require.NoError(t, err)
	key, err := signer.PublicKey(context.Background())
	require.NoError(t, err)
	var std gojwt.Claims
	var custom customjwt.IDTokenClaims
	require.NoError(t, parsed.Claims(key.Public(), &std, &custom))
	require.Equal(t, gojwt.Audience{"client-1"}, std.Audience)
	require.Equal(t, "n", custom.Nonce)
	require.Equal(t, key.KeyID, parsed.Headers[0].KeyID)
}

type assertionFixture struct {
	store    *repository.MemoryRecordStore
	verifier *customjwt.AssertionVerifier
	key      *rsa.PrivateKey
}

func newAssertionFixture(t *testing.T) assertionFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks, err := json.Marshal(gojose.JSONWebKeySet{Keys: []gojose.JSONWebKey{{Key: &key.PublicKey, KeyID: "k1", Use: "sig"}}})
	require.NoError(t, err)

	store := repository.NewMemoryRecordStore()
	clients := repository.NewMemoryClientRepository(domain.Client{ClientID: "client-1", JWKS: jwks})
	return assertionFixture{
		store:    store,
		verifier: customjwt.NewAssertionVerifier(store, clients, issuer, issuer+"/oauth/token"),
		key:      key,
	}
}

func (f assertionFixture) assertion(t *testing.T, aud, jti string) string {
	t.Helper()
	sig, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.PS256, Key: gojose.JSONWebKey{Key: f.key, KeyID: "k1"}}, nil)
	require.NoError(t, err)
	now := time.Now()
	raw, err := gojwt.Signed(sig).Claims(gojwt.Claims{
		Issuer:   "client-1",
		Subject:  "client-1",
		Audience: gojwt.Audience{aud},
		ID:       jti,
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(2 * time.Minute)),
	}).Serialize()
	require.NoError(t, err)
	return raw
}

func TestAssertionVerifier(t *testing.T) {
	f := newAssertionFixture(t)
	ctx := context.Background()

	raw := f.assertion(t, issuer+"/oauth/token", "jti-1")
	client, err := f.verifier.Verify(ctx, "", customjwt.ClientAssertionType, raw)
	require.NoError(t, err)
	require.Equal(t, "client-1", client.ClientID)

	_, err = f.verifier.Verify(ctx, "client-1", customjwt.ClientAssertionType, raw)
	require.ErrorIs(t, err, oauth.ErrUnauthorizedClient)
	require.True(t, strings.Contains(err.Error(), "replayed"))

	_, err = f.verifier.Verify(ctx, "client-1", customjwt.ClientAssertionType, f.assertion(t, "https://other", "jti-2"))
	require.ErrorIs(t, err, oauth.ErrUnauthorizedClient)

	_, err = f.verifier.Verify(ctx, "client-2", customjwt.ClientAssertionType, f.assertion(t, issuer, "jti-3"))
	require.ErrorIs(t, err, oauth.ErrUnauthorizedClient)

	_, err = f.verifier.Verify(ctx, "client-1", "client_secret", "x")
	require.ErrorIs(t, err, oauth.ErrUnauthorizedClient)

	recs, err := f.store.GetAll(ctx, domain.RecordFilter{Type: domain.RecordClientAssertion})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestAssertionAcceptedOnceUnderConcurrency(t *testing.T) {
	f := newAssertionFixture(t)
	ctx := context.Background()
	raw := f.assertion(t, issuer+"/oauth/token", "jti-race")

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		replayed atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.verifier.Verify(ctx, "client-1", customjwt.ClientAssertionType, raw)
			switch {
			case err == nil:
				accepted.Add(1)
			case strings.Contains(err.Error(), "replayed"):
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), accepted.Load())
	require.Equal(t, int32(7), replayed.Load())
}
