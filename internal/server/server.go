package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server owns the chi router and the middleware chain shared by every route.
type Server struct {
	Router *chi.Mux
	logger *slog.Logger
}

// New builds the router. requestTimeout of zero leaves requests unbounded,
// which is what long-lived streams need.
func New(logger *slog.Logger, requestTimeout time.Duration) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if requestTimeout > 0 {
		r.Use(TimeoutMiddleware(requestTimeout))
	}
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "carousel")
	})

	// Unrouted paths and methods share one answer.
	r.NotFound(NoRoute(logger))
	r.MethodNotAllowed(NoRoute(logger))

	return &Server{
		Router: r,
		logger: logger,
	}
}

// NoRoute answers 404 with "No route for <path>".
func NoRoute(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.WarnContext(r.Context(), "no route",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "No route for %s", r.URL.Path)
	}
}

// ServeHTTP makes Server usable as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
