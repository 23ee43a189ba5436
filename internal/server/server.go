package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/sterilis/internal/auth"
	"github.com/ashita-ai/sterilis/internal/compliance"
	"github.com/ashita-ai/sterilis/internal/ctxutil"
	"github.com/ashita-ai/sterilis/internal/model"
	"github.com/ashita-ai/sterilis/internal/ratelimit"
	"github.com/ashita-ai/sterilis/internal/service/batches"
	"github.com/ashita-ai/sterilis/internal/service/transition"
)

// Server is the sterilis HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter and Broker are optional.
type ServerConfig struct {
	Store        Store
	JWTMgr       *auth.JWTManager
	Orchestrator *transition.Orchestrator
	Batches      *batches.Tracker
	Policies     *compliance.Policies
	Incidents    *compliance.Incidents
	Logger       *slog.Logger

	Limiter ratelimit.Limiter
	Broker  *Broker

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Orchestrator:        cfg.Orchestrator,
		Batches:             cfg.Batches,
		Policies:            cfg.Policies,
		Incidents:           cfg.Incidents,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{Prefix: "auth"}, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Token issuance: no auth, limited per IP.
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	viewer := requireRole(model.RoleViewer)
	operator := requireRole(model.RoleOperator)
	admin := requireRole(model.RoleAdmin)

	// Tool inventory.
	mux.Handle("POST /v1/tools", admin(http.HandlerFunc(h.HandleCreateTool)))
	mux.Handle("GET /v1/tools", viewer(http.HandlerFunc(h.HandleListTools)))
	mux.Handle("GET /v1/tools/{id}", viewer(http.HandlerFunc(h.HandleGetTool)))

	// Floor: cycles and phases.
	mux.Handle("GET /v1/floor", viewer(http.HandlerFunc(h.HandleFloor)))
	mux.Handle("POST /v1/cycles", operator(http.HandlerFunc(h.HandleStartCycle)))
	mux.Handle("GET /v1/cycles/active", viewer(http.HandlerFunc(h.HandleGetActiveCycle)))
	mux.Handle("POST /v1/cycles/active/tools", operator(http.HandlerFunc(h.HandleScanTool)))
	mux.Handle("GET /v1/phases/{phase}", viewer(http.HandlerFunc(h.HandleGetPhase)))
	mux.Handle("POST /v1/phases/{phase}/start", operator(http.HandlerFunc(h.HandleStartPhase)))
	mux.Handle("POST /v1/phases/{phase}/pause", operator(http.HandlerFunc(h.HandlePausePhase)))
	mux.Handle("POST /v1/phases/{phase}/resume", operator(http.HandlerFunc(h.HandleResumePhase)))
	mux.Handle("POST /v1/phases/{phase}/complete", operator(http.HandlerFunc(h.HandleCompletePhase)))
	mux.Handle("POST /v1/phases/{phase}/move", operator(http.HandlerFunc(h.HandleMoveTools)))
	mux.Handle("POST /v1/phases/{phase}/confirm", operator(http.HandlerFunc(h.HandleConfirmGate)))
	mux.Handle("POST /v1/phases/{phase}/cancel", operator(http.HandlerFunc(h.HandleCancelGate)))
	mux.Handle("POST /v1/phases/{phase}/fail", operator(http.HandlerFunc(h.HandleFailPhase)))
	mux.Handle("POST /v1/phases/{phase}/reset", operator(http.HandlerFunc(h.HandleResetPhase)))

	// Batches.
	mux.Handle("POST /v1/batches", operator(http.HandlerFunc(h.HandleCreateBatch)))
	mux.Handle("GET /v1/batches", viewer(http.HandlerFunc(h.HandleListBatches)))
	mux.Handle("GET /v1/batches/{id}", viewer(http.HandlerFunc(h.HandleGetBatch)))
	mux.Handle("GET /v1/batches/{id}/integrity", viewer(http.HandlerFunc(h.HandleVerifyBatch)))
	mux.Handle("POST /v1/batches/{id}/tools", operator(http.HandlerFunc(h.HandleAddBatchTool)))
	mux.Handle("DELETE /v1/batches/{id}/tools/{tool_id}", operator(http.HandlerFunc(h.HandleRemoveBatchTool)))
	mux.Handle("PUT /v1/batches/{id}/package", operator(http.HandlerFunc(h.HandleSetPackageInfo)))
	mux.Handle("POST /v1/batches/{id}/finalize", operator(http.HandlerFunc(h.HandleFinalizeBatch)))
	mux.Handle("POST /v1/batches/{id}/status", operator(http.HandlerFunc(h.HandleUpdateBatchStatus)))

	// Compliance.
	mux.Handle("GET /v1/compliance/settings", viewer(http.HandlerFunc(h.HandleGetSettings)))
	mux.Handle("PUT /v1/compliance/settings", admin(http.HandlerFunc(h.HandleUpdateSettings)))
	mux.Handle("GET /v1/incidents", viewer(http.HandlerFunc(h.HandleListIncidents)))
	mux.Handle("POST /v1/incidents", operator(http.HandlerFunc(h.HandleActivateIncident)))
	mux.Handle("GET /v1/incidents/active", viewer(http.HandlerFunc(h.HandleGetActiveIncident)))
	mux.Handle("POST /v1/incidents/active/resolve", admin(http.HandlerFunc(h.HandleResolveIncident)))

	// Operator accounts.
	mux.Handle("POST /v1/operators", admin(http.HandlerFunc(h.HandleCreateOperator)))
	mux.Handle("GET /v1/operators", admin(http.HandlerFunc(h.HandleListOperators)))

	// Notification stream (long-lived).
	mux.Handle("GET /v1/events", viewer(http.HandlerFunc(h.HandleSubscribe)))

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
