package cdp

import "context"

type ctxKey int

const (
	ctxKeyDomainSync ctxKey = iota
)

// withDomainSync marks commands sent while enabling domains, so they do
// not trigger another domain reconciliation.
func withDomainSync(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeyDomainSync, true)
}

func isDomainSync(ctx context.Context) bool {
	v, _ := ctx.Value(ctxKeyDomainSync).(bool)
	return v
}

// WithoutDomainSync returns a context whose commands skip domain
// reconciliation, e.g. target bookkeeping right after a navigation.
func WithoutDomainSync(ctx context.Context) context.Context {
	return withDomainSync(ctx)
}
