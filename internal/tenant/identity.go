// Package tenant carries the caller's tenant and user identity through a request.
//
// The identity is resolved once from verified token claims (see FromClaims) and
// attached to the request context. Everything that reads or writes tenant data
// takes it from the context, so worker code paths set it explicitly per task
// with WithTenant instead of mutating shared state.
package tenant

import (
	"context"
	"errors"
)

// BotUserID is the reserved author id for messages written by the bot.
const BotUserID uint64 = 0

// ErrUnscoped is returned when tenant data is accessed without a tenant.
var ErrUnscoped = errors.New("tenant: no tenant in context")

// Identity is the verified caller identity for one request or connection.
type Identity struct {
	TenantID uint64
	UserID   uint64
	Username string
	IsAdmin  bool
	Scope    string
}

// Scoped reports whether the identity belongs to a tenant. A zero tenant id
// never grants access to tenant data.
func (i Identity) Scoped() bool {
	return i.TenantID != 0
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// WithTenant scopes ctx to tenantID without a user. It is the override used by
// background consumers, which take the tenant from the broker payload.
func WithTenant(ctx context.Context, tenantID uint64) context.Context {
	id := FromContext(ctx)
	id.TenantID = tenantID
	return WithIdentity(ctx, id)
}

// FromContext returns the identity attached to ctx, or the zero (unscoped)
// identity when none is present.
func FromContext(ctx context.Context) Identity {
	if ctx == nil {
		return Identity{}
	}
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// Require returns the identity in ctx or ErrUnscoped.
func Require(ctx context.Context) (Identity, error) {
	id := FromContext(ctx)
	if !id.Scoped() {
		return Identity{}, ErrUnscoped
	}
	return id, nil
}
