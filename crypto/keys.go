package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

var (
	// ErrInvalidPID signals a participant identifier that fails to decode or
	// has the wrong digest length.
	ErrInvalidPID = errors.New("crypto: invalid participant identifier")
	// ErrInvalidPublicKey signals a key of the wrong size for Ed25519.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// PrivateKey wraps an Ed25519 signing key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PublicKey wraps an Ed25519 verification key.
type PublicKey struct {
	key ed25519.PublicKey
}

// GeneratePrivateKey creates a fresh Ed25519 key pair.
func GeneratePrivateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: priv}, nil
}

// PrivateKeyFromBytes rehydrates a private key from its 64-byte seed+public
// form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return &PrivateKey{key: ed25519.PrivateKey(append([]byte(nil), b...))}, nil
}

// Bytes returns the raw private key material.
func (k *PrivateKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

// PubKey derives the verification key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{key: k.key.Public().(ed25519.PublicKey)}
}

// Sign produces an Ed25519 signature over the message.
func (k *PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.key, message)
}

// PublicKeyFromBytes validates and wraps a 32-byte Ed25519 key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return &PublicKey{key: ed25519.PublicKey(append([]byte(nil), b...))}, nil
}

// Bytes returns the raw 32-byte key.
func (k *PublicKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

// Verify checks an Ed25519 signature over the message.
func (k *PublicKey) Verify(message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(k.key, message, signature)
}

// PID derives the participant identifier: base58 of the SHA-256 digest of the
// public key bytes.
func (k *PublicKey) PID() string {
	return DerivePID(k.key)
}

// DerivePID computes base58(sha256(pubkey)) for raw key bytes.
func DerivePID(publicKey []byte) string {
	digest := sha256.Sum256(publicKey)
	return base58.Encode(digest[:])
}

// ValidatePID checks that a PID string decodes to a 32-byte digest and
// round-trips through encoding unchanged.
func ValidatePID(pid string) error {
	if pid == "" {
		return ErrInvalidPID
	}
	decoded := base58.Decode(pid)
	if len(decoded) != sha256.Size {
		return ErrInvalidPID
	}
	if base58.Encode(decoded) != pid {
		return ErrInvalidPID
	}
	return nil
}

// Verify checks sig over message for a raw 32-byte public key. Convenience for
// call sites that hold stored key bytes rather than a PublicKey value.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}
