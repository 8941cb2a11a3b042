package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrProofInvalid covers bad signatures and malformed tokens.
	ErrProofInvalid = errors.New("proof signature invalid")

	// ErrProofExpired is returned for attestations past their expiry.
	ErrProofExpired = errors.New("proof expired")
)

// ProofClaims is the decoded content of a zkTLS attestation: which
// goal and period it covers, which provider produced the metric, and
// the extracted value.
type ProofClaims struct {
	GoalID   uuid.UUID
	Period   int
	Provider string
	Value    int64

	// Hash fingerprints the raw token for the verification record.
	Hash string
}

// ProofVerifier checks an opaque proof payload and extracts its claims.
type ProofVerifier interface {
	Verify(token string) (ProofClaims, error)
}

type proofTokenClaims struct {
	GoalID   string `json:"goalId"`
	Period   int    `json:"period"`
	Provider string `json:"provider"`
	Value    int64  `json:"value"`
	jwt.RegisteredClaims
}

// JWTVerifier validates attestations issued by the zkTLS attestor as
// HMAC-signed JWTs. The shared secret is provisioned out of band.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("proof verifier secret required")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify checks the token signature and claims. On expiry the decoded
// claims are still returned alongside ErrProofExpired so the caller can
// record the attempt against the right goal and period.
func (v *JWTVerifier) Verify(token string) (ProofClaims, error) {
	var claims proofTokenClaims
	_, parseErr := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if parseErr != nil && !errors.Is(parseErr, jwt.ErrTokenExpired) {
		return ProofClaims{}, fmt.Errorf("%w: %v", ErrProofInvalid, parseErr)
	}

	goalID, err := uuid.Parse(claims.GoalID)
	if err != nil {
		return ProofClaims{}, fmt.Errorf("%w: bad goal id", ErrProofInvalid)
	}
	if claims.Period < 1 {
		return ProofClaims{}, fmt.Errorf("%w: bad period", ErrProofInvalid)
	}

	sum := sha256.Sum256([]byte(token))
	decoded := ProofClaims{
		GoalID:   goalID,
		Period:   claims.Period,
		Provider: claims.Provider,
		Value:    claims.Value,
		Hash:     hex.EncodeToString(sum[:]),
	}
	if parseErr != nil {
		return decoded, ErrProofExpired
	}
	return decoded, nil
}
