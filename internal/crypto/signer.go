package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"
)

// Signer computes keyed BLAKE3 signatures.
type Signer struct {
	key []byte
}

// NewSigner returns a signer for a 32-byte key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("signer key must be 32 bytes, got %d", len(key))
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// Sign returns the hex-encoded keyed hash of data.
func (s *Signer) Sign(data []byte) string {
	hasher, err := blake3.NewKeyed(s.key)
	if err != nil {
		panic("crypto: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// Verify reports whether signature is the signature of data.
func (s *Signer) Verify(data []byte, signature string) bool {
	expected := s.Sign(data)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// SignaturePayload creates the canonical data to sign for a message.
// Format: id|senderId|content|sentAtMillis
func SignaturePayload(id, senderID string, content []byte, sentAtMillis int64) []byte {
	buf := make([]byte, 0, len(id)+len(senderID)+len(content)+24)
	buf = append(buf, id...)
	buf = append(buf, '|')
	buf = append(buf, senderID...)
	buf = append(buf, '|')
	buf = append(buf, content...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, sentAtMillis, 10)
	return buf
}
