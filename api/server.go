// Package api exposes the HTTP trigger surface for the admission engine:
// request intake, admin decisions, evaluation passes, and budget rebases.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"costgate/admission"
	"costgate/audit"
	"costgate/intake"
	"costgate/ledger"
	errs "costgate/pkg/errors"
	"costgate/pkg/platform"
	"costgate/pricing"
)

// Server is the HTTP trigger surface.
type Server struct {
	httpServer *http.Server
	store      ledger.Store
	processor  *admission.Processor
	lifecycle  *admission.Lifecycle
	rebaser    *admission.Rebaser
	intake     *intake.Intake
	quoter     *pricing.Quoter
	auditor    audit.Reader
	config     *Config
	logger     *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         platform.GetEnvInt("COSTGATE_PORT", 8080),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		CORSOrigins:  []string{"*"},
	}
}

// NewServer wires the engine components behind HTTP handlers.
func NewServer(store ledger.Store, processor *admission.Processor, lifecycle *admission.Lifecycle, rebaser *admission.Rebaser, in *intake.Intake, quoter *pricing.Quoter, auditor audit.Reader, config *Config, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Server{
		store:     store,
		processor: processor,
		lifecycle: lifecycle,
		rebaser:   rebaser,
		intake:    in,
		quoter:    quoter,
		auditor:   auditor,
		config:    config,
		logger:    logger,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/api/v1/requests", s.handleRequests)
	mux.HandleFunc("/api/v1/requests/", s.handleRequestByID)
	mux.HandleFunc("/api/v1/approval", s.handleApproval)
	mux.HandleFunc("/api/v1/process", platform.APIKeyMiddleware(s.handleProcess))
	mux.HandleFunc("/api/v1/rebase", platform.APIKeyMiddleware(s.handleRebase))
	mux.HandleFunc("/api/v1/rebase/monthly", platform.APIKeyMiddleware(s.handleMonthlyReset))

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("api server starting", "port", s.config.Port)
	return s.httpServer.ListenAndServe()
}

// StartWithGracefulShutdown starts the server and drains on SIGINT/SIGTERM.
func (s *Server) StartWithGracefulShutdown() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		s.logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "1.0.0",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.store.ListBudgets(ctx); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, "ledger store not ready")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// CreateRequestBody is the intake payload. Either a fixed pricing snapshot
// is supplied, or quote fields for the server to price the instance itself.
type CreateRequestBody struct {
	RequestID      string                  `json:"request_id"`
	Entity         string                  `json:"entity"`
	RequestorEmail string                  `json:"requestor_email"`
	WaitURL        string                  `json:"wait_url"`
	ProductName    string                  `json:"product_name,omitempty"`
	Payload        map[string]string       `json:"payload,omitempty"`
	Pricing        *ledger.PricingSnapshot `json:"pricing,omitempty"`
	Quote          *QuoteBody              `json:"quote,omitempty"`
}

// QuoteBody identifies the instance shape to price at intake time.
type QuoteBody struct {
	InstanceType    string `json:"instance_type"`
	OperatingSystem string `json:"operating_system"`
	TermType        string `json:"term_type"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body CreateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var snap ledger.PricingSnapshot
	switch {
	case body.Pricing != nil:
		snap = *body.Pricing
	case body.Quote != nil:
		if s.quoter == nil {
			s.jsonError(w, http.StatusBadRequest, "quoting not configured, supply pricing")
			return
		}
		var err error
		snap, err = s.quoter.Quote(r.Context(), body.Quote.OperatingSystem, body.Quote.InstanceType, body.Quote.TermType)
		if err != nil {
			s.logger.Error("quote failed", "instance_type", body.Quote.InstanceType, "error", err)
			s.jsonError(w, httpStatus(err), "pricing lookup failed")
			return
		}
	default:
		s.jsonError(w, http.StatusBadRequest, "either pricing or quote is required")
		return
	}

	req, err := s.intake.Create(r.Context(), intake.CreateInput{
		RequestID:      body.RequestID,
		Entity:         body.Entity,
		RequestorEmail: body.RequestorEmail,
		WaitURL:        body.WaitURL,
		ProductName:    body.ProductName,
		Pricing:        snap,
		Payload:        body.Payload,
	})
	if err != nil {
		s.logger.Error("request intake failed", "request_id", body.RequestID, "error", err)
		s.jsonError(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, req)
}

func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/requests/")
	if reqID, ok := strings.CutSuffix(id, "/audit"); ok {
		platform.BasicAuthMiddleware(s.auditTrailHandler(reqID))(w, r)
		return
	}
	if id == "" {
		s.jsonError(w, http.StatusBadRequest, "request id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		req, err := s.store.GetRequest(r.Context(), id)
		if errors.Is(err, ledger.ErrNotFound) {
			ge := errs.NewNotFoundError("request", id)
			s.jsonError(w, httpStatus(ge), ge.Message)
			return
		}
		if err != nil {
			s.jsonError(w, http.StatusInternalServerError, "failed to load request")
			return
		}
		s.jsonResponse(w, http.StatusOK, req)

	case http.MethodDelete:
		if err := s.intake.Delete(r.Context(), id); err != nil {
			s.logger.Error("terminate failed", "request_id", id, "error", err)
			s.jsonError(w, httpStatus(err), "failed to terminate request")
			return
		}
		s.jsonResponse(w, http.StatusOK, map[string]string{
			"data": "Request successfully updated as Terminated",
		})

	default:
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// auditTrailHandler serves the decision history for one request. The trail
// is an operator surface, so it sits behind basic auth rather than the
// public intake endpoints.
func (s *Server) auditTrailHandler(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if id == "" {
			s.jsonError(w, http.StatusBadRequest, "request id is required")
			return
		}
		entries, err := s.auditor.ListByRequest(r.Context(), id)
		if err != nil {
			s.logger.Error("decision history lookup failed", "request_id", id, "error", err)
			s.jsonError(w, httpStatus(err), "failed to load decision history")
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		s.jsonResponse(w, http.StatusOK, map[string]interface{}{
			"data": entries,
		})
	}
}

// handleApproval serves the one-click admin decision links embedded in the
// approver notification. GET with query parameters keeps the links usable
// straight from an email client.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("requestId")
	decision := r.URL.Query().Get("requestStatus")
	if requestID == "" || decision == "" {
		s.jsonResponse(w, http.StatusOK, map[string]string{
			"error": "Mandatory request parameters not found",
		})
		return
	}

	var err error
	switch decision {
	case "Approve":
		err = s.lifecycle.Approve(r.Context(), requestID)
	case "Reject":
		err = s.lifecycle.Reject(r.Context(), requestID)
	default:
		s.jsonResponse(w, http.StatusOK, map[string]string{
			"error": fmt.Sprintf("Unknown decision %q", decision),
		})
		return
	}
	if err != nil {
		s.logger.Error("admin decision failed", "request_id", requestID, "decision", decision, "error", err)
		s.jsonError(w, httpStatus(err), "failed to process the request")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"data": "Successfully processed the request",
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.processor.Run(r.Context()); err != nil {
		s.logger.Error("evaluation pass finished with errors", "error", err)
		s.jsonError(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"data": "Evaluation pass completed",
	})
}

// RebaseBody carries the object keys of an uploaded cost-and-usage export.
type RebaseBody struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleRebase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body RebaseBody
	if r.Body != nil {
		// An empty body means an unconditional rebase.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	var err error
	if len(body.Keys) > 0 {
		err = s.rebaser.RebaseFromManifest(r.Context(), body.Keys)
	} else {
		err = s.rebaser.RebaseAll(r.Context())
	}
	if err != nil {
		s.logger.Error("rebase finished with errors", "error", err)
		s.jsonError(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"data": "Successfully rebased budgets",
	})
}

func (s *Server) handleMonthlyReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.rebaser.ResetApprovedSpend(r.Context()); err != nil {
		s.logger.Error("monthly reset finished with errors", "error", err)
		s.jsonError(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"data": "Successfully reset accrued approved spend",
	})
}

// httpStatus maps engine errors to response codes.
func httpStatus(err error) int {
	var ge *errs.GateError
	if errors.As(err, &ge) {
		switch ge.Code {
		case errs.ErrCodeNotFound:
			return http.StatusNotFound
		case errs.ErrCodeBadRequest, errs.ErrCodePrecondition:
			return http.StatusBadRequest
		case errs.ErrCodeVersionConflict:
			return http.StatusConflict
		case errs.ErrCodeExternalCallFailed:
			return http.StatusBadGateway
		case errs.ErrCodeStoreFailed:
			return http.StatusInternalServerError
		}
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, ledger.ErrVersionConflict) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{
		"error": message,
	})
}
