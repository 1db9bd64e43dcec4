package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"campaign-loop/internal/campaign"
	"campaign-loop/internal/gate"
	"campaign-loop/internal/orchestrator"
)

// Authorizer is the operator side of the authorization gate.
type Authorizer interface {
	Pending(ctx context.Context) ([]gate.Entry, error)
	Approve(ctx context.Context, key, actor string) (gate.Entry, error)
	Reject(ctx context.Context, key, actor, note string) (gate.Entry, error)
}

// Controller triggers cycles and explicit stops.
type Controller interface {
	RunCycle(ctx context.Context) (orchestrator.Summary, error)
	Stop(ctx context.Context, campaignID, actor, reason string) (campaign.State, error)
}

// StateLister lists managed campaigns.
type StateLister interface {
	List(ctx context.Context) ([]campaign.State, error)
}

// LedgerReader reads feedback history.
type LedgerReader interface {
	ListByCampaign(ctx context.Context, campaignID string, limit int) ([]campaign.FeedbackRecord, error)
}

// Options configure the HTTP surface.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	// LedgerLimit caps GET /v1/ledger responses when no limit is given.
	LedgerLimit int
}

// Server exposes the operator API.
type Server struct {
	auth    Authorizer
	control Controller
	states  StateLister
	ledger  LedgerReader
	opts    Options
	logger  zerolog.Logger
}

// New constructs a Server.
func New(auth Authorizer, control Controller, states StateLister, ledger LedgerReader, opts Options, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.LedgerLimit <= 0 {
		opts.LedgerLimit = 50
	}
	return &Server{
		auth:    auth,
		control: control,
		states:  states,
		ledger:  ledger,
		opts:    opts,
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pending", s.handlePending)
		r.Post("/pending/{campaignID}/{ts}/approve", s.handleApprove)
		r.Post("/pending/{campaignID}/{ts}/reject", s.handleReject)

		r.Post("/cycles", s.handleCycle)

		r.Get("/campaigns", s.handleCampaigns)
		r.Post("/campaigns/{campaignID}/stop", s.handleStop)

		r.Get("/ledger/{campaignID}", s.handleLedger)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	<-errCh
	return nil
}

type resolveRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

type stopRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	entries, err := s.auth.Pending(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"pending": entries})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	key, ok := decisionKey(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	entry, err := s.auth.Approve(r.Context(), key, actor(r, req.Actor))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	key, ok := decisionKey(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	entry, err := s.auth.Reject(r.Context(), key, actor(r, req.Actor), req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	summary, err := s.control.RunCycle(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if summary.Contended {
		status = http.StatusConflict
	}
	respondJSON(w, status, summary)
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	states, err := s.states.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"campaigns": states})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	st, err := s.control.Stop(r.Context(), chi.URLParam(r, "campaignID"), actor(r, req.Actor), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.LedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.ledger.ListByCampaign(r.Context(), chi.URLParam(r, "campaignID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gate.ErrAlreadyResolved), errors.Is(err, campaign.ErrConflict), errors.Is(err, campaign.ErrTerminated):
		status = http.StatusConflict
	case errors.Is(err, campaign.ErrAuthorizationExpired):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	respondError(w, status, err.Error())
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request served")
	})
}

func decisionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	ts, err := time.Parse(time.RFC3339Nano, chi.URLParam(r, "ts"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "ts must be an RFC3339 timestamp")
		return "", false
	}
	key := campaign.DecisionKey{CampaignID: chi.URLParam(r, "campaignID"), Timestamp: ts}
	return key.String(), true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func actor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := r.Header.Get("X-Operator"); h != "" {
		return h
	}
	return "operator"
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
