package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the size of the deployment master secret.
const MasterKeySize = 32

var ErrInvalidMasterKey = errors.New("invalid master key")

var (
	hkdfInfoTokenSigning  = []byte("moltslack.token.ed25519.v1")
	hkdfInfoMessageSigner = []byte("moltslack.message.blake3.v1")
)

// GenerateMasterKey returns a fresh random master secret.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return key, nil
}

// ParseMasterKey decodes a base64-encoded master secret.
func ParseMasterKey(keyB64 string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidMasterKey)
	}

	if len(decoded) != MasterKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidMasterKey, MasterKeySize, len(decoded))
	}

	return decoded, nil
}

// EncodeMasterKey is the inverse of ParseMasterKey.
func EncodeMasterKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// TokenSigningKey derives the Ed25519 key that signs capability tokens.
func TokenSigningKey(master []byte) (ed25519.PrivateKey, error) {
	seed, err := deriveKey(master, hkdfInfoTokenSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// MessageSigningKey derives the BLAKE3 key that signs messages.
func MessageSigningKey(master []byte) ([]byte, error) {
	return deriveKey(master, hkdfInfoMessageSigner, 32)
}

func deriveKey(master, info []byte, size int) ([]byte, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidMasterKey, MasterKeySize, len(master))
	}
	reader := hkdf.New(sha256.New, master, nil, info)
	derived := make([]byte, size)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}
