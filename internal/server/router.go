package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Router builds the HTTP surface. CORS is wide open: the server is
// meant to sit on a trusted network.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// go-chi/cors has no method wildcard, so "any method" means
	// enumerating the full verb set.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(a.observe)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Get("/config", a.handleConfig)
	r.Get("/metrics", a.Metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/config", a.handleConfig)
		r.Get("/models", a.handleModelsList)
		r.Get("/models/{id}", a.handleModelGet)
		r.Post("/audio/transcriptions", a.handleTranscribeMultipart)
		r.Post("/audio/transcriptions/base64", a.handleTranscribeBase64)
		r.Post("/audio/transcriptions/url", a.handleTranscribeURL)
	})

	return r
}

// observe records request metrics and emits one access log line per
// request.
func (a *App) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		a.Metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		a.Logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
