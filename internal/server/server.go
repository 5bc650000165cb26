// Package server implements FileVault's operational HTTP surface: health
// and readiness probes, Prometheus metrics, and API documentation. The
// file operations themselves are driven through the engine by whatever
// transport embeds it; this server only exposes the process.
package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filevault/filevault/internal/metadata"
	"github.com/filevault/filevault/internal/storage"
)

// Server exposes the operational endpoints over HTTP.
type Server struct {
	router     chi.Router
	api        huma.API
	meta       metadata.Store
	backend    storage.ObjectStore
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server wired to the given metadata store and storage
// backend. Both are probed by the readiness endpoint.
func New(meta metadata.Store, backend storage.ObjectStore) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("FileVault Operations API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		router:  router,
		api:     api,
		meta:    meta,
		backend: backend,
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address. The server
// is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = requestLogger(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the assembled route handler, for tests.
func (s *Server) Handler() http.Handler {
	return commonHeaders(s.router)
}

func (s *Server) registerRoutes() {
	// /healthz reports process liveness only; it never touches a
	// dependency, so a wedged backend cannot get the process killed.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness check",
		Description: "Returns ok while the process is serving requests.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// /readyz probes the metadata store and storage backend.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness check",
		Description: "Returns ok when the metadata store and storage backend respond.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if s.meta != nil {
			if err := s.meta.Ping(ctx); err != nil {
				return nil, huma.Error503ServiceUnavailable("metadata store unavailable", err)
			}
		}
		if s.backend != nil {
			if err := s.backend.HealthCheck(ctx); err != nil {
				return nil, huma.Error503ServiceUnavailable("storage backend unavailable", err)
			}
		}
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Probes are also polled with HEAD; Huma registers one method per
	// operation, so these are wired on the router directly.
	s.router.Head("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())
}
