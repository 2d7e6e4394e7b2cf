// Package kit holds the transport-neutral glue shared by the HTTP and MCP
// surfaces: context keys, endpoint middleware and the MCP tool adapter.
package kit

import "context"

// Endpoint is a transport-neutral operation. HTTP handlers and MCP tools both
// decode into a request value and call the same Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one listed is the outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}
