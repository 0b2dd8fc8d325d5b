// Package idperm pseudonymizes identifiers exposed to relying parties.
//
// Ciphertexts are deterministic for a given plaintext and parameter tuple,
// reversible only with the issuer's key, and unrelated across relying
// parties. Each (context, relying party) pair gets its own keys derived with
// HKDF-SHA256. The plaintext is sealed with XChaCha20-Poly1305 under a
// synthetic nonce taken from a keyed BLAKE3 hash of the plaintext.
package idperm

import (
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
)

// MinKeySize is the minimum length of the issuer key.
const MinKeySize = 32

const (
	nonceSize = chacha20poly1305.NonceSizeX
	tagSize   = chacha20poly1305.Overhead
	keySize   = chacha20poly1305.KeySize

	labelIdentifier = "valora-dataholder/idperm/v1/id"
	labelSubject    = "valora-dataholder/idperm/v1/sub"
)

// Params selects the key under which an identifier is pseudonymized.
// ContextKey is the customer identifier, SecondaryKey the software product id.
type Params struct {
	ContextKey   string
	SecondaryKey string
}

// SubjectParams selects the key for OIDC pairwise subjects.
type SubjectParams struct {
	SectorIdentifierURI string
	SecondaryKey        string
}

// Cipher is the identifier permanence contract.
type Cipher interface {
	Encrypt(plaintext string, p Params) (string, error)
	Decrypt(ciphertext string, p Params) (string, error)
	EncryptSubject(subject string, p SubjectParams) (string, error)
	DecryptSubject(ciphertext string, p SubjectParams) (string, error)
}

// XCipher implements Cipher with a single long-lived issuer key.
type XCipher struct {
	key []byte
}

var _ Cipher = (*XCipher)(nil)

// New constructs an XCipher. The key is copied.
func New(key []byte) (*XCipher, error) {
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("idperm: key must be at least %d bytes, got %d", MinKeySize, len(key))
	}
	return &XCipher{key: append([]byte(nil), key...)}, nil
}

// Encrypt pseudonymizes an identifier such as an account id.
func (c *XCipher) Encrypt(plaintext string, p Params) (string, error) {
	if plaintext == "" {
		return "", errors.New("idperm: empty identifier")
	}
	return c.seal(plaintext, labelIdentifier, p.ContextKey, p.SecondaryKey)
}

// Decrypt reverses Encrypt. Any ciphertext not produced under p fails with
// oauth.ErrDecryption.
func (c *XCipher) Decrypt(ciphertext string, p Params) (string, error) {
	return c.open(ciphertext, labelIdentifier, p.ContextKey, p.SecondaryKey)
}

// EncryptSubject produces a pairwise subject identifier. Callers must only pass
// subjects for which Pseudonymizable is true.
func (c *XCipher) EncryptSubject(subject string, p SubjectParams) (string, error) {
	if subject == "" {
		return "", errors.New("idperm: empty subject")
	}
	return c.seal(subject, labelSubject, p.SectorIdentifierURI, p.SecondaryKey)
}

// DecryptSubject reverses EncryptSubject.
func (c *XCipher) DecryptSubject(ciphertext string, p SubjectParams) (string, error) {
	return c.open(ciphertext, labelSubject, p.SectorIdentifierURI, p.SecondaryKey)
}

// Pseudonymizable reports whether subject identifies an end user. Subjects of
// machine-to-machine tokens are the client id itself and stay untouched.
func Pseudonymizable(subject, clientID string) bool {
	return subject != "" && subject != clientID
}

func (c *XCipher) seal(plaintext, label, contextKey, secondaryKey string) (string, error) {
	aead, macKey, err := c.derive(label, contextKey, secondaryKey)
	if err != nil {
		return "", err
	}
	nonce := syntheticNonce(macKey, plaintext)
	out := make([]byte, 0, nonceSize+len(plaintext)+tagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (c *XCipher) open(ciphertext, label, contextKey, secondaryKey string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("idperm: malformed ciphertext: %w", oauth.ErrDecryption)
	}
	if len(raw) < nonceSize+tagSize+1 {
		return "", fmt.Errorf("idperm: ciphertext too short: %w", oauth.ErrDecryption)
	}
	aead, macKey, err := c.derive(label, contextKey, secondaryKey)
	if err != nil {
		return "", err
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("idperm: %w", oauth.ErrDecryption)
	}
	if subtle.ConstantTimeCompare(nonce, syntheticNonce(macKey, string(plain))) != 1 {
		return "", fmt.Errorf("idperm: nonce mismatch: %w", oauth.ErrDecryption)
	}
	return string(plain), nil
}

// derive expands the issuer key into an AEAD and a MAC key bound to the label
// and both parameters. Parameters are length-prefixed so that ("ab","c") and
// ("a","bc") never share keys.
func (c *XCipher) derive(label, contextKey, secondaryKey string) (cipher.AEAD, []byte, error) {
	info := make([]byte, 0, len(label)+len(contextKey)+len(secondaryKey)+16)
	info = append(info, label...)
	info = appendLengthPrefixed(info, contextKey)
	info = appendLengthPrefixed(info, secondaryKey)

	material := make([]byte, 2*keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.key, nil, info), material); err != nil {
		return nil, nil, fmt.Errorf("idperm: derive keys: %w", err)
	}
	x, err := chacha20poly1305.NewX(material[:keySize])
	if err != nil {
		return nil, nil, fmt.Errorf("idperm: xchacha20-poly1305: %w", err)
	}
	return x, material[keySize:], nil
}

// syntheticNonce is the keyed BLAKE3 hash of the plaintext, truncated to the
// XChaCha20 nonce size. macKey is always keySize bytes.
func syntheticNonce(macKey []byte, plaintext string) []byte {
	h, err := blake3.NewKeyed(macKey)
	if err != nil {
		panic("idperm: keyed blake3 requires a 32 byte key: " + err.Error())
	}
	_, _ = h.Write([]byte(plaintext))
	return h.Sum(nil)[:nonceSize]
}

func appendLengthPrefixed(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(s)))
	return append(dst, s...)
}
