package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// SignJWT issues an HS256 token carrying the identity claims. Token issuance
// belongs to the account service; this exists for tooling and tests.
func SignJWT(id tenant.Identity, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		tenant.ClaimTenant:   strconv.FormatUint(id.TenantID, 10),
		tenant.ClaimUserID:   strconv.FormatUint(id.UserID, 10),
		tenant.ClaimUsername: id.Username,
		tenant.ClaimAdmin:    strconv.FormatBool(id.IsAdmin),
		"iat":                now.Unix(),
		"exp":                now.Add(ttl).Unix(),
	}
	if id.Scope != "" {
		claims[tenant.ClaimScope] = id.Scope
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseJWT verifies tokenStr with secret and returns its claims. Only HMAC
// signing methods are accepted.
func ParseJWT(tokenStr, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the "token" query parameter browsers use for websocket upgrades.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		parts := strings.Fields(h)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", ErrInvalidToken
		}
		return parts[1], nil
	}
	if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
		return q, nil
	}
	return "", ErrMissingToken
}

// Resolve verifies the request's token and returns the caller identity.
func Resolve(r *http.Request, secret string) (tenant.Identity, error) {
	tokenStr, err := TokenFromRequest(r)
	if err != nil {
		return tenant.Identity{}, err
	}
	claims, err := ParseJWT(tokenStr, secret)
	if err != nil {
		return tenant.Identity{}, err
	}
	return tenant.FromClaims(claims), nil
}
