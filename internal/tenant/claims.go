package tenant

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names written by the account service when it issues tokens.
const (
	ClaimTenant   = "Tenant"
	ClaimUserID   = "nameid"
	ClaimSubject  = "sub"
	ClaimUsername = "unique_name"
	ClaimName     = "name"
	ClaimAdmin    = "AdminPolicy"
	ClaimScope    = "Scope"

	ScopeAdmin = "admin"
	ScopeWeb   = "web"
)

// FromClaims maps a verified claim set to an Identity. Missing or malformed
// values resolve to their zero value, so a token without a tenant claim yields
// an unscoped identity.
func FromClaims(claims jwt.MapClaims) Identity {
	id := Identity{
		TenantID: claimUint(claims, ClaimTenant),
		UserID:   claimUint(claims, ClaimUserID),
		Username: claimString(claims, ClaimUsername),
		Scope:    claimString(claims, ClaimScope),
	}
	if id.UserID == 0 {
		id.UserID = claimUint(claims, ClaimSubject)
	}
	if id.Username == "" {
		id.Username = claimString(claims, ClaimName)
	}
	admin := strings.ToLower(claimString(claims, ClaimAdmin))
	id.IsAdmin = admin == "true" || admin == "1"
	return id
}

// claimValue unwraps multi-valued claims to their first element.
func claimValue(claims jwt.MapClaims, key string) any {
	v, ok := claims[key]
	if !ok || v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claimValue(claims, key).(type) {
	case string:
		return strings.TrimSpace(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func claimUint(claims jwt.MapClaims, key string) uint64 {
	switch v := claimValue(claims, key).(type) {
	case float64:
		// float64(math.MaxUint64) rounds up to 2^64
		if v <= 0 || v != math.Trunc(v) || v >= math.MaxUint64 {
			return 0
		}
		return uint64(v)
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
