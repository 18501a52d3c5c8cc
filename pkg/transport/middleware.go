package transport

// Middleware wraps a ChainExecutor. Recovery, RequestID, and Logging are
// the server's defaults; NewAdapter accepts more.
type Middleware func(ChainExecutor) ChainExecutor

// Chain composes multiple middleware into a single middleware.
// Middleware are applied in order: Chain(a, b, c) produces a(b(c(handler))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next ChainExecutor) ChainExecutor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
