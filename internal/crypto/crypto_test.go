package crypto

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMasterKeyRoundTrip(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)

	parsed, err := ParseMasterKey(EncodeMasterKey(key))
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseMasterKeyRejectsBadInput(t *testing.T) {
	_, err := ParseMasterKey("not base64!!")
	assert.ErrorIs(t, err, ErrInvalidMasterKey)

	_, err = ParseMasterKey(EncodeMasterKey([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidMasterKey)
}

func TestDerivedKeysAreDeterministicAndSeparated(t *testing.T) {
	master := bytes.Repeat([]byte{7}, MasterKeySize)

	signA, err := TokenSigningKey(master)
	require.NoError(t, err)
	signB, err := TokenSigningKey(master)
	require.NoError(t, err)
	assert.Equal(t, signA, signB)
	assert.Len(t, signA, ed25519.PrivateKeySize)

	msgKey, err := MessageSigningKey(master)
	require.NoError(t, err)
	assert.Len(t, msgKey, 32)
	assert.NotEqual(t, signA.Seed(), msgKey)

	other, err := TokenSigningKey(bytes.Repeat([]byte{8}, MasterKeySize))
	require.NoError(t, err)
	assert.NotEqual(t, signA, other)
}

func TestDeriveRejectsWrongMasterSize(t *testing.T) {
	_, err := MessageSigningKey([]byte("tiny"))
	assert.ErrorIs(t, err, ErrInvalidMasterKey)
}

func TestSignerSignAndVerify(t *testing.T) {
	signer, err := NewSigner(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	payload := SignaturePayload("m1", "a1", []byte(`{"text":"hi"}`), 1700000000000)
	assert.Equal(t, `m1|a1|{"text":"hi"}|1700000000000`, string(payload))

	sig := signer.Sign(payload)
	assert.Len(t, sig, 64)
	assert.True(t, signer.Verify(payload, sig))
	assert.False(t, signer.Verify(SignaturePayload("m1", "a1", []byte(`{"text":"ho"}`), 1700000000000), sig))

	otherSigner, err := NewSigner(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	assert.False(t, otherSigner.Verify(payload, sig))
}

func TestNewSignerRejectsShortKey(t *testing.T) {
	_, err := NewSigner([]byte("short"))
	assert.Error(t, err)
}

func TestIDs(t *testing.T) {
	assert.Equal(t, uuid.Version(7), NewUUIDv7().Version())
	assert.Len(t, NewULID(), 26)
	assert.Len(t, NewTokenID(), 32)
	assert.NotEqual(t, NewCorrelationID(), NewCorrelationID())
}
