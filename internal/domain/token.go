package domain

import "time"

// SigningKey is the active token signing key.
type SigningKey struct {
	KID        string
	Algorithm  string
	PrivateKey []byte
	CreatedAt  time.Time
}
