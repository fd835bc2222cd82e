// Package crypto implements the static-identity primitives the transport
// stack is built on: Curve25519 keypair generation, key-file loading, and
// secure erasure of key material.
//
// The package deliberately does not touch session traffic — the Noise
// handshake (package noise) and the multiplexer (package mux) own
// everything that happens after the static keys are in hand.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// ErrInvalidKeyLength indicates a key blob was not exactly 32 bytes.
var ErrInvalidKeyLength = errors.New("crypto: key must be exactly 32 bytes")

// ErrZeroKey indicates a key consisted entirely of zero bytes.
var ErrZeroKey = errors.New("crypto: key is all zeros")

// KeyPair is a Curve25519 static identity: a 32-byte private scalar and its
// matching 32-byte public key. This is the "static identity" of the data
// model — the long-term key each peer uses across many sessions.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair suitable for use
// as a Noise XK static identity.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key pair: %w", err)
	}

	kp := &KeyPair{Public: *publicKey, Private: *privateKey}

	NewLogger("GenerateKeyPair").WithFields(SecureFieldHash(kp.Public[:], "public")).Debug("generated static key pair")

	return kp, nil
}

// FromSecretKey derives the public half of a Curve25519 key pair from an
// existing 32-byte private scalar, clamping it per the curve25519 spec
// before deriving. The returned KeyPair.Private is the original,
// unclamped key, matching NaCl convention.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroKey
	}

	var clamped [32]byte
	copy(clamped[:], secretKey[:])
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &clamped)
	ZeroBytes(clamped[:])

	return &KeyPair{Public: publicKey, Private: secretKey}, nil
}

// LoadPrivateKey parses a raw 32-byte private scalar read from a `<name>.key`
// file. Key files are opaque byte blobs; naming and directory layout are a
// concern of the caller, not this package.
func LoadPrivateKey(blob []byte) ([32]byte, error) {
	var key [32]byte
	if len(blob) != 32 {
		return key, fmt.Errorf("crypto: load private key: %w (got %d)", ErrInvalidKeyLength, len(blob))
	}
	copy(key[:], blob)
	return key, nil
}

// LoadPublicKey parses a raw 32-byte public key read from a `<name>.pub` file.
func LoadPublicKey(blob []byte) ([32]byte, error) {
	var key [32]byte
	if len(blob) != 32 {
		return key, fmt.Errorf("crypto: load public key: %w (got %d)", ErrInvalidKeyLength, len(blob))
	}
	copy(key[:], blob)
	return key, nil
}

// isZeroKey reports whether key consists entirely of zero bytes.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
