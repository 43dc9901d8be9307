package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

const signatureSize = ed25519.SignatureSize

// Claims is the CBOR-encoded payload of a capability token. Times are
// unix milliseconds.
type Claims struct {
	TokenID     string              `cbor:"1,keyasint" json:"tokenId"`
	AgentID     string              `cbor:"2,keyasint" json:"agentId"`
	AgentName   string              `cbor:"3,keyasint" json:"agentName"`
	Permissions []models.Permission `cbor:"4,keyasint" json:"permissions"`
	IssuedAt    int64               `cbor:"5,keyasint" json:"issuedAt"`
	ExpiresAt   int64               `cbor:"6,keyasint" json:"expiresAt"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("auth: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("auth: CBOR decoder initialization failed: " + err.Error())
	}
}

// mint signs claims and returns the token string:
// base64url(CBOR(claims) || ed25519 signature).
func mint(privateKey ed25519.PrivateKey, claims *Claims) (string, error) {
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encoding token claims: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// parse splits the token, checks the signature and decodes the claims.
// Expiry and rotation are checked by the caller.
func parse(publicKey ed25519.PublicKey, token string) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if len(raw) <= signatureSize {
		return nil, fmt.Errorf("token too short for signature")
	}

	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, fmt.Errorf("invalid token signature")
	}

	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("decoding token claims: %w", err)
	}
	if claims.TokenID == "" || claims.AgentID == "" {
		return nil, fmt.Errorf("token claims incomplete")
	}
	return &claims, nil
}
