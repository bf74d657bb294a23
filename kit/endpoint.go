// Package kit carries the transport-agnostic endpoint abstraction.
// An operation is written once as an Endpoint and exposed over CLI,
// HTTP and MCP without knowing which transport invoked it.
package kit

import "context"

// Endpoint is a single operation: typed request in, typed response out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
