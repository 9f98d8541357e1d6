package model

import "context"

// RequestContext carries the identity and tracing information of the actor
// invoking the core. It is immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	CorrelationID string
	TraceID       string
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// ActorFrom returns the authenticated subject in ctx, falling back to the
// given identifier when the call did not pass through authentication.
func ActorFrom(ctx context.Context, fallback string) string {
	if rctx := RequestContextFrom(ctx); rctx != nil && rctx.SubjectID != "" {
		return rctx.SubjectID
	}
	return fallback
}
