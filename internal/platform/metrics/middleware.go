package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// unmatched labels requests no route pattern claimed (404s, rate-limited
// calls), so raw paths never become label values.
const unmatched = "unmatched"

type codeWriter struct {
	http.ResponseWriter
	code int
}

func (w *codeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware counts monitor requests and error responses per chi
// route pattern.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(cw, r)

			route := unmatched
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.ObserveRequest(route, cw.code)
		})
	}
}
