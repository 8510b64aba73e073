// Package rpc serves a desk session over ConnectRPC with a JSON codec, plus
// health, readiness and metrics endpoints.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/desk"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var Logger zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	Logger = zerolog.New(out).With().Timestamp().Str("component", "rpc").Logger()
}

// SetLogger allows setting a custom logger
func SetLogger(l zerolog.Logger) {
	Logger = l
}

// ServerConfig holds configuration for the desk RPC server
type ServerConfig struct {
	Address               string
	AllowedOrigins        []string
	EnableMetrics         bool
	RatePerMinute         int
	MaxConcurrentRequests int
	// RequestTimeout must exceed the session's submit timeout
	RequestTimeout time.Duration
	OTelConfig     *OTelConfig
}

// DefaultServerConfig returns a server bound to localhost
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:               "localhost:8090",
		AllowedOrigins:        []string{"http://localhost:3000"},
		EnableMetrics:         true,
		RatePerMinute:         600,
		MaxConcurrentRequests: 64,
		RequestTimeout:        3 * time.Minute,
		OTelConfig:            DefaultOTelConfig(),
	}
}

// Server wraps the HTTP server and provides lifecycle management
type Server struct {
	config       *ServerConfig
	httpServer   *http.Server
	handler      http.Handler
	session      *desk.Session
	otelShutdown func(context.Context) error
}

// NewServer creates the desk server for session
func NewServer(ctx context.Context, config *ServerConfig, session *desk.Session) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultServerConfig().RequestTimeout
	}

	var otelShutdown func(context.Context) error
	if config.OTelConfig.enabled() {
		shutdown, err := NewOTelSDK(ctx, config.OTelConfig)
		if err != nil {
			// the desk still works without telemetry
			Logger.Error().Err(err).Msg("Failed to initialize OpenTelemetry")
		} else {
			otelShutdown = shutdown
		}
	}

	mux := chi.NewMux()
	mux.Use(middleware.RequestID)
	mux.Use(zerologMiddleware)
	mux.Use(zerologRecoverer)
	mux.Use(forwardedForMiddleware)
	mux.Use(middleware.Timeout(config.RequestTimeout))

	if config.RatePerMinute > 0 {
		mux.Use(httprate.LimitByIP(config.RatePerMinute, time.Minute))
	}
	if config.MaxConcurrentRequests > 0 {
		mux.Use(middleware.Throttle(config.MaxConcurrentRequests))
	}

	if config.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "clamm-desk"})
	})

	mux.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if len(session.Strikes()) == 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no strikes loaded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ready",
			"session": session.ID().String(),
			"phase":   string(session.Phase()),
		})
	})

	connectOpts := []connect.HandlerOption{
		connect.WithRecover(recoverHandler),
		connect.WithInterceptors(loggingInterceptor(), noCacheInterceptor()),
	}
	if config.OTelConfig != nil && config.OTelConfig.Traces.Enabled {
		otelInterceptor, err := otelconnect.NewInterceptor()
		if err != nil {
			Logger.Warn().Err(err).Msg("Failed to create OTEL interceptor, continuing without it")
		} else {
			connectOpts = append(connectOpts, connect.WithInterceptors(otelInterceptor))
		}
	}

	path, handler := NewDeskServiceHandler(NewDeskServer(session), connectOpts...)
	mux.Handle(path+"*", handler)

	root := newCORSHandler(config.AllowedOrigins, mux)
	httpServer := &http.Server{
		Addr:              config.Address,
		Handler:           h2c.NewHandler(root, &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      config.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		config:       config,
		httpServer:   httpServer,
		handler:      root,
		session:      session,
		otelShutdown: otelShutdown,
	}, nil
}

// Handler returns the root HTTP handler, without h2c
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving requests
func (s *Server) Start() error {
	Logger.Info().
		Str("address", s.config.Address).
		Str("session", s.session.ID().String()).
		Str("account", s.session.Account().Hex()).
		Msg("CLAMM desk server starting")
	Logger.Info().Msgf("\tRPC: /%s/*", DeskServiceName)
	Logger.Info().Msg("\tHealth: /health, Ready: /ready")
	if s.config.EnableMetrics {
		Logger.Info().Msg("\tMetrics: /metrics")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then flushes telemetry
func (s *Server) Shutdown(ctx context.Context) error {
	Logger.Info().Msg("Shutting down RPC server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		Logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	if s.otelShutdown != nil {
		if err := s.otelShutdown(ctx); err != nil {
			Logger.Error().Err(err).Msg("Error shutting down OpenTelemetry")
			return err
		}
	}
	Logger.Info().Msg("Server shutdown complete")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// recoverHandler handles panics in RPC handlers
func recoverHandler(ctx context.Context, spec connect.Spec, header http.Header, p any) error {
	Logger.Error().
		Interface("panic", p).
		Str("procedure", spec.Procedure).
		Msg("Panic in RPC handler")
	return connect.NewError(connect.CodeInternal, fmt.Errorf("internal server error"))
}
