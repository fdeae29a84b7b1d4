// ABOUTME: JWT credential verification for terminal connections
// ABOUTME: Uses HS256 signing with configurable secret; claims carry branch scope

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/solterra/branchsync/internal/branch"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier defines the interface for credential verification. A valid
// token yields the identity the connection is tagged with.
type TokenVerifier interface {
	Verify(tokenString string) (branch.Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the identity from the "sub",
// "branches" and "master" claims.
func (v *JWTVerifier) Verify(tokenString string) (branch.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return branch.Identity{}, ErrExpiredToken
		}
		return branch.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return branch.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return branch.Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return branch.Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	identity := branch.Identity{UserID: sub}
	identity.IsMaster, _ = claims["master"].(bool)

	if raw, ok := claims["branches"].([]any); ok {
		for _, b := range raw {
			if s, ok := b.(string); ok && s != "" {
				identity.BranchIDs = append(identity.BranchIDs, s)
			}
		}
	}
	if !identity.IsMaster && len(identity.BranchIDs) == 0 {
		return branch.Identity{}, fmt.Errorf("%w: branches", ErrMissingClaim)
	}

	return identity, nil
}

// Generate creates a new JWT token for the given identity with expiration
func (v *JWTVerifier) Generate(identity branch.Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      identity.UserID,
		"branches": identity.BranchIDs,
		"master":   identity.IsMaster,
		"iat":      now.Unix(),
		"exp":      now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
