package idperm_test

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"pgregory.net/rapid"

	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/idperm"
)

func newCipher(t testing.TB) *idperm.XCipher {
	c, err := idperm.New(bytes.Repeat([]byte{0x42}, idperm.MinKeySize))
	require.NoError(t, err)
	return c
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := idperm.New([]byte("short"))
	require.Error(t, err)
}

func TestEncryptRoundTripProperty(t *testing.T) {
	c := newCipher(t)
	rapid.Check(t, func(rt *rapid.T) {
		plain := rapid.StringN(1, 64, -1).Draw(rt, "plain")
		p := idperm.Params{
			ContextKey:   rapid.String().Draw(rt, "context"),
			SecondaryKey: rapid.String().Draw(rt, "secondary"),
		}
		first, err := c.Encrypt(plain, p)
		require.NoError(rt, err)
		second, err := c.Encrypt(plain, p)
		require.NoError(rt, err)
		require.Equal(rt, first, second)

		got, err := c.Decrypt(first, p)
		require.NoError(rt, err)
		require.Equal(rt, plain, got)
	})
}

func TestEncryptUnlinkableAcrossRelyingPartiesProperty(t *testing.T) {
	c := newCipher(t)
	rapid.Check(t, func(rt *rapid.T) {
		plain := rapid.StringN(1, 64, -1).Draw(rt, "plain")
		ctxKey := rapid.String().Draw(rt, "context")
		k1 := rapid.String().Draw(rt, "k1")
		k2 := rapid.String().Filter(func(s string) bool { return s != k1 }).Draw(rt, "k2")

		c1, err := c.Encrypt(plain, idperm.Params{ContextKey: ctxKey, SecondaryKey: k1})
		require.NoError(rt, err)
		c2, err := c.Encrypt(plain, idperm.Params{ContextKey: ctxKey, SecondaryKey: k2})
		require.NoError(rt, err)
		require.NotEqual(rt, c1, c2)

		_, err = c.Decrypt(c1, idperm.Params{ContextKey: ctxKey, SecondaryKey: k2})
		require.ErrorIs(rt, err, oauth.ErrDecryption)
	})
}

func TestParameterBoundariesAreNotAmbiguous(t *testing.T) {
	c := newCipher(t)
	a, err := c.Encrypt("acct-1", idperm.Params{ContextKey: "ab", SecondaryKey: "c"})
	require.NoError(t, err)
	_, err = c.Decrypt(a, idperm.Params{ContextKey: "a", SecondaryKey: "bc"})
	require.ErrorIs(t, err, oauth.ErrDecryption)
}

func TestDecryptRejectsTampering(t *testing.T) {
	c := newCipher(t)
	p := idperm.Params{ContextKey: "customer-1", SecondaryKey: "software-1"}
	ct, err := c.Encrypt("account-123", p)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = c.Decrypt(base64.RawURLEncoding.EncodeToString(raw), p)
	require.ErrorIs(t, err, oauth.ErrDecryption)

	for _, bad := range []string{"", "!!!", "c2hvcnQ"} {
		_, err = c.Decrypt(bad, p)
		require.ErrorIs(t, err, oauth.ErrDecryption, bad)
	}
}

func TestSubjectAndIdentifierDomainsAreSeparate(t *testing.T) {
	c := newCipher(t)
	sub, err := c.EncryptSubject("customer-1", idperm.SubjectParams{SectorIdentifierURI: "https://rp.example", SecondaryKey: "sw-1"})
	require.NoError(t, err)

	got, err := c.DecryptSubject(sub, idperm.SubjectParams{SectorIdentifierURI: "https://rp.example", SecondaryKey: "sw-1"})
	require.NoError(t, err)
	require.Equal(t, "customer-1", got)

	_, err = c.Decrypt(sub, idperm.Params{ContextKey: "https://rp.example", SecondaryKey: "sw-1"})
	require.ErrorIs(t, err, oauth.ErrDecryption)

	_, err = c.DecryptSubject(sub, idperm.SubjectParams{SectorIdentifierURI: "https://other.example", SecondaryKey: "sw-1"})
	require.ErrorIs(t, err, oauth.ErrDecryption)
}

func TestPseudonymizable(t *testing.T) {
	require.True(t, idperm.Pseudonymizable("customer-1", "client-1"))
	require.False(t, idperm.Pseudonymizable("client-1", "client-1"))
	require.False(t, idperm.Pseudonymizable("", "client-1"))
}

func TestCiphertextCarriesExtendedNonce(t *testing.T) {
	c := newCipher(t)
	p := idperm.Params{ContextKey: "customer-1", SecondaryKey: "software-1"}
	plain := "account-123"
	ct, err := c.Encrypt(plain, p)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(ct)
	require.NoError(t, err)
	require.Len(t, raw, chacha20poly1305.NonceSizeX+len(plain)+chacha20poly1305.Overhead)

	// A nonce-sized prefix from another plaintext must not open this body.
	other, err := c.Encrypt("account-456", p)
	require.NoError(t, err)
	otherRaw, err := base64.RawURLEncoding.DecodeString(other)
	require.NoError(t, err)
	spliced := append(append([]byte(nil), otherRaw[:chacha20poly1305.NonceSizeX]...), raw[chacha20poly1305.NonceSizeX:]...)
	_, err = c.Decrypt(base64.RawURLEncoding.EncodeToString(spliced), p)
	require.ErrorIs(t, err, oauth.ErrDecryption)
}
