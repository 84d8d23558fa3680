package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"PerpClient/internal/instruction"
	"PerpClient/internal/observability"
	"PerpClient/internal/orchestrator"
	"PerpClient/internal/query"
)

// Submitter runs operations against the ledger.
type Submitter interface {
	Submit(ctx context.Context, p instruction.Params) (*orchestrator.Operation, error)
	Instance() string
}

// Deps holds what the listeners serve. Submitter may be nil for a
// read-only deployment.
type Deps struct {
	Query          *query.Service
	Submitter      Submitter
	Health         *observability.HealthChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	RequestTimeout time.Duration
}

// Server exposes the read model and operation submission over HTTP/JSON,
// and health over gRPC.
type Server struct {
	query     *query.Service
	submitter Submitter
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
	timeout   time.Duration

	marshaler runtime.Marshaler
	gateway   *runtime.ServeMux
	grpc      *grpc.Server
	healthSrv *health.Server
}

func New(deps Deps) (*Server, error) {
	if deps.Query == nil {
		return nil, errors.New("server: query service is required")
	}
	if deps.Health == nil {
		deps.Health = observability.NewHealthChecker()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		query:     deps.Query,
		submitter: deps.Submitter,
		health:    deps.Health,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		timeout:   deps.RequestTimeout,
		marshaler: &runtime.JSONBuiltin{},
	}
	s.gateway = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, s.marshaler),
	)
	if err := s.registerRoutes(); err != nil {
		return nil, fmt.Errorf("server: register routes: %w", err)
	}
	s.grpc, s.healthSrv = newGRPCServer(s.health)
	return s, nil
}

// Handler is the root HTTP handler: health endpoints plus the /v1 API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/v1/*", s.gateway)
	return r
}

// ServeHTTP serves the HTTP API until ctx is done.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
