package twophasecommit

import "context"

type ctxKey struct{}

// WithTransaction returns a context carrying the global transaction id.
func WithTransaction(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, txID)
}

// TransactionID returns the global transaction id carried by ctx.
func TransactionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
