package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/llm-key-carousel/internal/auth"
	"github.com/tjfontaine/llm-key-carousel/internal/metrics"
)

// AuthMiddleware runs the access gate once per request. Rejected requests get
// a 401 JSON body and never reach the next handler. Rejections are client
// errors and are logged at info level.
func AuthMiddleware(gate *auth.Gate, m *metrics.Collector, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := gate.Check(r.Header)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			reason := "unauthorized"
			var authErr *auth.Error
			if errors.As(err, &authErr) {
				reason = authErr.Reason()
			}
			if m != nil {
				m.ObserveAuthRejection(reason)
			}
			AddLogField(r.Context(), "auth_rejected", reason)
			logger.InfoContext(r.Context(), "access denied",
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("reason", reason),
			)

			auth.WriteError(w, err)
		})
	}
}
