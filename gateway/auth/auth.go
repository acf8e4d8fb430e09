package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no bearer token accompanies a
	// request that requires one.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken is returned for malformed, forged, or expired tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is the authenticated caller extracted from a verified token.
type Identity struct {
	Address common.Address
	Roles   []string
}

// HasRole reports whether the token carried the named role claim.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type claims struct {
	Address string   `json:"addr"`
	Roles   []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a verifier over the shared signing secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// IssueToken mints a token for the address, used by the operator CLI and
// tests.
func (v *Verifier) IssueToken(addr common.Address, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Address: addr.Hex(),
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}

// VerifyHeader authenticates an Authorization header value.
func (v *Verifier) VerifyHeader(header string) (Identity, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Identity{}, ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Identity{}, ErrInvalidToken
	}
	return v.Verify(strings.TrimSpace(header[len(prefix):]))
}

// Verify authenticates a raw token string.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Identity{}, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %s", ErrInvalidToken, token.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	payload, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if !common.IsHexAddress(payload.Address) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Address: common.HexToAddress(payload.Address), Roles: payload.Roles}, nil
}
