package tenant

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_MissingIsUnscoped(t *testing.T) {
	id := FromContext(context.Background())
	assert.Equal(t, Identity{}, id)
	assert.False(t, id.Scoped())

	_, err := Require(context.Background())
	assert.ErrorIs(t, err, ErrUnscoped)
}

func TestWithIdentity_RoundTrip(t *testing.T) {
	want := Identity{TenantID: 7, UserID: 42, Username: "lan", IsAdmin: true, Scope: ScopeAdmin}
	ctx := WithIdentity(context.Background(), want)

	got, err := Require(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWithTenant_OverridesOnlyTenant(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{TenantID: 1, UserID: 5})
	ctx = WithTenant(ctx, 9)

	got := FromContext(ctx)
	assert.Equal(t, uint64(9), got.TenantID)
	assert.Equal(t, uint64(5), got.UserID)
}

func TestWithTenant_ZeroStaysUnscoped(t *testing.T) {
	ctx := WithTenant(context.Background(), 0)
	_, err := Require(ctx)
	assert.ErrorIs(t, err, ErrUnscoped)
}

func TestFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   Identity
	}{
		{
			name: "string claims",
			claims: jwt.MapClaims{
				ClaimTenant:   "3",
				ClaimUserID:   "17",
				ClaimUsername: "minh",
				ClaimAdmin:    "True",
				ClaimScope:    ScopeWeb,
			},
			want: Identity{TenantID: 3, UserID: 17, Username: "minh", IsAdmin: true, Scope: ScopeWeb},
		},
		{
			name: "numeric claims and sub fallback",
			claims: jwt.MapClaims{
				ClaimTenant:  float64(4),
				ClaimSubject: float64(21),
				ClaimName:    "an",
				ClaimAdmin:   "False",
			},
			want: Identity{TenantID: 4, UserID: 21, Username: "an"},
		},
		{
			name: "multi-valued claim takes first",
			claims: jwt.MapClaims{
				ClaimTenant: []any{"8", "9"},
				ClaimUserID: json.Number("2"),
			},
			want: Identity{TenantID: 8, UserID: 2},
		},
		{
			name:   "missing tenant is unscoped",
			claims: jwt.MapClaims{ClaimUserID: "2"},
			want:   Identity{UserID: 2},
		},
		{
			name:   "fractional tenant is unscoped",
			claims: jwt.MapClaims{ClaimTenant: 1.9, ClaimUserID: float64(2)},
			want:   Identity{UserID: 2},
		},
		{
			name:   "out of range tenant is unscoped",
			claims: jwt.MapClaims{ClaimTenant: 1e20, ClaimUserID: float64(2)},
			want:   Identity{UserID: 2},
		},
		{
			name:   "garbage tenant is unscoped",
			claims: jwt.MapClaims{ClaimTenant: "acme", ClaimUserID: "-1"},
			want:   Identity{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromClaims(tt.claims))
		})
	}
}
