// Package middleware provides the HTTP middleware shared by the syncdb
// admin endpoints.
//
// All middleware follows the standard pattern: func(http.Handler) http.Handler.
// Chain applies them so the first one listed is outermost:
//
//	handler := middleware.Chain(mux,
//		middleware.PanicRecovery(logger),
//		middleware.RequestID(),
//		middleware.Logging(logger),
//	)
package middleware

import "net/http"

// Chain wraps h in mws, the first being outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
