package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxPartyID ctxKey = iota
	ctxRole
)

var ErrNoIdentity = errors.New("auth: identity not in context")

func WithIdentity(ctx context.Context, partyID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxPartyID, partyID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func PartyID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxPartyID).(string); ok && s != "" {
		return s, nil
	}
	return "", ErrNoIdentity
}

func Role(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxRole).(string); ok && s != "" {
		return s, nil
	}
	return "", ErrNoIdentity
}
