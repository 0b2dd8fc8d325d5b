package jwt

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	gojose "github.com/go-jose/go-jose/v4"
)

// SigningService is the private key collaborator. Sign receives a digest that
// was already hashed for alg and returns the raw signature bytes.
type SigningService interface {
	Sign(ctx context.Context, alg gojose.SignatureAlgorithm, digest []byte) ([]byte, error)
	PublicKey(ctx context.Context) (gojose.JSONWebKey, error)
}

// LocalSigner signs with an in-process RSA key using PS256.
type LocalSigner struct {
	key *rsa.PrivateKey
	kid string
}

var _ SigningService = (*LocalSigner)(nil)

// NewLocalSigner wraps key. An empty kid is replaced by the key's RFC 7638
// thumbprint.
func NewLocalSigner(key *rsa.PrivateKey, kid string) (*LocalSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("local signer: nil key")
	}
	if kid == "" {
		thumb, err := (&gojose.JSONWebKey{Key: &key.PublicKey}).Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("key thumbprint: %w", err)
		}
		kid = base64.RawURLEncoding.EncodeToString(thumb)
	}
	return &LocalSigner{key: key, kid: kid}, nil
}

func (s *LocalSigner) Sign(_ context.Context, alg gojose.SignatureAlgorithm, digest []byte) ([]byte, error) {
	if alg != gojose.PS256 {
		return nil, fmt.Errorf("local signer: unsupported algorithm %s", alg)
	}
	return rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

func (s *LocalSigner) PublicKey(context.Context) (gojose.JSONWebKey, error) {
	return gojose.JSONWebKey{
		Key:       &s.key.PublicKey,
		KeyID:     s.kid,
		Algorithm: string(gojose.PS256),
		Use:       "sig",
	}, nil
}

// opaqueSigner adapts a SigningService to go-jose. go-jose hands over the
// signing input, so the digest is computed here.
type opaqueSigner struct {
	ctx     context.Context
	service SigningService
	public  gojose.JSONWebKey
}

var _ gojose.OpaqueSigner = (*opaqueSigner)(nil)

func newOpaqueSigner(ctx context.Context, service SigningService) (*opaqueSigner, error) {
	public, err := service.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("signing public key: %w", err)
	}
	return &opaqueSigner{ctx: ctx, service: service, public: public}, nil
}

func (o *opaqueSigner) Public() *gojose.JSONWebKey {
	pub := o.public
	return &pub
}

func (o *opaqueSigner) Algs() []gojose.SignatureAlgorithm {
	return []gojose.SignatureAlgorithm{gojose.PS256}
}

func (o *opaqueSigner) SignPayload(payload []byte, alg gojose.SignatureAlgorithm) ([]byte, error) {
	if alg != gojose.PS256 {
		return nil, fmt.Errorf("opaque signer: unsupported algorithm %s", alg)
	}
	h := crypto.SHA256.New()
	h.Write(payload)
	return o.service.Sign(o.ctx, alg, h.Sum(nil))
}

func newJOSESigner(ctx context.Context, service SigningService, typ gojose.ContentType) (gojose.Signer, error) {
	opaque, err := newOpaqueSigner(ctx, service)
	if err != nil {
		return nil, err
	}
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.PS256, Key: opaque},
		(&gojose.SignerOptions{}).WithType(typ).WithHeader("kid", opaque.public.KeyID),
	)
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}
	return signer, nil
}
