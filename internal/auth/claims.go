package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes carried in the "typ" claim.
const (
	PurposeAccess = "access"
	PurposeTicket = "ws_ticket"
)

const (
	defaultAccessTTL = 15 * time.Minute

	// TicketTTL is how long a WebSocket ticket stays valid.
	TicketTTL = 30 * time.Second
)

// CustomClaims extends JWT standard claims with hive fields.
type CustomClaims struct {
	jwt.RegisteredClaims
	Role     Role   `json:"role"`
	DeviceID string `json:"did,omitempty"`
	Purpose  string `json:"typ"`
}

// Principal returns the caller the claims describe.
func (c *CustomClaims) Principal() Principal {
	return Principal{Subject: c.Subject, Role: c.Role, DeviceID: c.DeviceID}
}

// GenerateAccessToken signs an access token for p. A non-positive ttl uses
// fifteen minutes.
func GenerateAccessToken(p Principal, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return sign(p, secret, PurposeAccess, ttl)
}

// GenerateTicket signs a single-purpose WebSocket ticket for p.
func GenerateTicket(p Principal, secret string) (string, error) {
	return sign(p, secret, PurposeTicket, TicketTTL)
}

func sign(p Principal, secret, purpose string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role:     p.Role,
		DeviceID: p.DeviceID,
		Purpose:  purpose,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", purpose, err)
	}
	return signed, nil
}

// ParseToken validates an access token.
func ParseToken(tokenString, secret string) (*CustomClaims, error) {
	return parse(tokenString, secret, PurposeAccess)
}

// ParseTicket validates a WebSocket ticket.
func ParseTicket(tokenString, secret string) (*CustomClaims, error) {
	return parse(tokenString, secret, PurposeTicket)
}

// parse checks signature, expiry, purpose and required fields.
func parse(tokenString, secret, purpose string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("%w: %q token used as %q", ErrTokenInvalid, claims.Purpose, purpose)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: missing role", ErrTokenInvalid)
	}
	if claims.Role == RoleDevice && claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: device token without device id", ErrTokenInvalid)
	}
	return claims, nil
}
