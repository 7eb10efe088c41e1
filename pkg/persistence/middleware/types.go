package middleware

import "github.com/aretw0/weft/pkg/ports"

// Middleware wraps a ContinuationStore to add behavior.
type Middleware func(ports.ContinuationStore) ports.ContinuationStore

// Chain applies middlewares so the first one is outermost.
func Chain(store ports.ContinuationStore, mws ...Middleware) ports.ContinuationStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
