package types

import "context"

// Context keys are unexported types to avoid collisions with other packages.
type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

// WithIdentity stores the verified UserIdentity in the context. Set by the
// auth middleware after the identity provider accepts the bearer token.
func WithIdentity(ctx context.Context, id UserIdentity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the verified UserIdentity from the context.
func GetIdentity(ctx context.Context) (UserIdentity, bool) {
	id, ok := ctx.Value(identityKey).(UserIdentity)
	return id, ok
}

// WithRequestID stores the request correlation ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request correlation ID from the context.
// Returns the empty string when none was set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
