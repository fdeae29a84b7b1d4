// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the caller's branch scope

package auth

import (
	"context"

	"github.com/solterra/branchsync/internal/branch"
)

// identityKey is the key type for storing the identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id branch.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity from the context. The second return
// value is false if no identity was attached.
func FromContext(ctx context.Context) (branch.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(branch.Identity)
	return id, ok
}
