package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// quietPaths are polled by infrastructure and logged at debug level.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Logger returns a request logging middleware using zerolog.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				var event *zerolog.Event
				switch {
				case status >= http.StatusInternalServerError:
					event = logger.Error()
				case quietPaths[r.URL.Path]:
					event = logger.Debug()
				default:
					event = logger.Info()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", RealIP(r)).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
