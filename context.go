package embedauth

import "context"

type ctxKey string

const (
	ctxKeyUser      ctxKey = "embedauth_user"
	ctxKeyClaims    ctxKey = "embedauth_claims"
	ctxKeyRequestID ctxKey = "embedauth_request_id"
)

// WithUser stores the authenticated user in the context.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, ctxKeyUser, user)
}

// UserFromContext extracts the authenticated user, or nil if absent.
func UserFromContext(ctx context.Context) *User {
	v, _ := ctx.Value(ctxKeyUser).(*User)
	return v
}

// WithClaims stores the verified token claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, claims)
}

// ClaimsFromContext extracts the verified token claims, or nil if absent.
func ClaimsFromContext(ctx context.Context) *Claims {
	v, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return v
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}
