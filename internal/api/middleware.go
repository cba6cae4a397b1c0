package api

import (
	"net/http"
	"runtime/debug"
)

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("path", r.URL.Path).
				Msg("handler panicked")
			writeJSON(w, http.StatusInternalServerError, failureBody{Error: "internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}
