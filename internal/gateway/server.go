// Package gateway implements the HTTP API: the test catalog, compile
// preview, rule persistence, the test-rule proxy and wizard sessions.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ruleforge/ruleforge/internal/catalog"
	"github.com/ruleforge/ruleforge/internal/config"
	"github.com/ruleforge/ruleforge/internal/draft"
	"github.com/ruleforge/ruleforge/internal/logging"
	"github.com/ruleforge/ruleforge/internal/metrics"
	"github.com/ruleforge/ruleforge/internal/storage"
	"github.com/ruleforge/ruleforge/internal/types"
)

// RuleTester evaluates compiled rules against sample events.
type RuleTester interface {
	TestRule(ctx context.Context, req types.TestRequest) (types.TestResult, error)
	ValidateSyntax(ctx context.Context, aql string) (types.SyntaxCheck, error)
}

// AuditLog is implemented by repositories that keep a change history.
type AuditLog interface {
	GetAuditLog(ctx context.Context, limit int) ([]types.AuditEntry, error)
}

// Deps are the collaborators the gateway serves. Tester may be nil.
type Deps struct {
	Catalog  *catalog.Catalog
	Repo     storage.RuleRepository
	Tester   RuleTester
	Defaults draft.Defaults
	Version  string
}

// Server is the HTTP gateway for ruleforge.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	sessions   *sessionStore
	validate   *validator.Validate
	reqIDs     *logging.RequestIDGenerator
	router     *mux.Router
	logger     zerolog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a new gateway server.
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	sessions, err := newSessionStore(cfg.MaxSessions)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		sessions:  sessions,
		validate:  validator.New(),
		reqIDs:    logging.NewRequestIDGenerator(),
		logger:    logger.With().Str("component", "gateway").Logger(),
		startTime: time.Now(),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.requestMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/catalog", s.handleCatalog).Methods("GET")
	api.HandleFunc("/catalog/groups", s.handleCatalogGroups).Methods("GET")
	api.HandleFunc("/catalog/{id}", s.handleCatalogTest).Methods("GET")

	api.HandleFunc("/compile", s.handleCompile).Methods("POST")

	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods("GET")
	api.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")

	api.HandleFunc("/building-blocks", s.handleListBuildingBlocks).Methods("GET")
	api.HandleFunc("/building-blocks", s.handleCreateBuildingBlock).Methods("POST")
	api.HandleFunc("/building-blocks/{id}", s.handleGetBuildingBlock).Methods("GET")
	api.HandleFunc("/building-blocks/{id}", s.handleUpdateBuildingBlock).Methods("PUT")
	api.HandleFunc("/building-blocks/{id}", s.handleDeleteBuildingBlock).Methods("DELETE")

	api.HandleFunc("/audit", s.handleAuditLog).Methods("GET")

	api.HandleFunc("/test-rule", s.handleTestRule).Methods("POST")
	api.HandleFunc("/validate-syntax", s.handleValidateSyntax).Methods("POST")

	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{sid}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{sid}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{sid}/next", s.handleSessionNext).Methods("POST")
	api.HandleFunc("/sessions/{sid}/back", s.handleSessionBack).Methods("POST")
	api.HandleFunc("/sessions/{sid}/cancel", s.handleSessionCancel).Methods("POST")
	api.HandleFunc("/sessions/{sid}/draft", s.handlePatchDraft).Methods("PATCH")
	api.HandleFunc("/sessions/{sid}/conditions", s.handleAddCondition).Methods("POST")
	api.HandleFunc("/sessions/{sid}/conditions/{cid}", s.handleRemoveCondition).Methods("DELETE")
	api.HandleFunc("/sessions/{sid}/conditions/{cid}/move", s.handleMoveCondition).Methods("POST")
	api.HandleFunc("/sessions/{sid}/conditions/{cid}/params/{key}", s.handleSetParam).Methods("PUT")

	return router
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests and shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("starting http server")

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestMiddleware assigns a request id, attaches the X-Actor header to the
// context, and records logs and metrics for every routed request.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = s.reqIDs.Next()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx := r.Context()
		if actor := r.Header.Get("X-Actor"); actor != "" {
			ctx = storage.WithActor(ctx, actor)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tmpl, err := cr.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("request")
	})
}
