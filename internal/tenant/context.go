// internal/tenant/context.go
//
// Request decoration.
//
// The forwarder stamps the resolved tenant into the request context so
// downstream code (access logging, error pages) can see which app
// served without re-resolving the host.

package tenant

import "context"

type ctxKey struct{}

// NewContext returns ctx carrying t.
func NewContext(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the tenant stamped by NewContext, if any.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(ctxKey{}).(*Tenant)
	return t, ok
}
