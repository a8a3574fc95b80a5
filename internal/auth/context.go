package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRealm
	ctxRole
)

// WithIdentity stores the verified caller on ctx. The auth middleware calls it
// after checking the access token.
func WithIdentity(ctx context.Context, userID, realm, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxRealm, realm)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

// Realm returns the tenant namespace of the caller. User ids are only unique
// within a realm; an operator's realm becomes the caller realm of the calls it
// places.
func Realm(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRealm)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("realm not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
