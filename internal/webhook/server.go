package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fcpbot/fcpbot/internal/fcp"
	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/types"
)

// DefaultStaleAfter is the watermark age reported as stale when
// ServerConfig.StaleAfter is unset.
const DefaultStaleAfter = time.Hour

const maxPayload = 5 << 20

// Sweeper starts asynchronous repository sweeps. *syncer.Coordinator
// implements it.
type Sweeper interface {
	TriggerSweep(repo string) bool
}

// Server handles GitHub webhooks and serves the read-only status API.
type Server struct {
	store      storage.Storage
	roster     *roster.Roster
	sweeper    Sweeper
	secret     []byte
	gatherer   prometheus.Gatherer
	staleAfter time.Duration
	logger     *slog.Logger
	mux        *http.ServeMux
	httpServer *http.Server

	// Now is the server clock. Tests override it.
	Now func() time.Time
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Store      storage.Storage
	Roster     *roster.Roster
	Sweeper    Sweeper
	Secret     []byte              // HMAC secret for X-Hub-Signature-256; empty disables the check
	Gatherer   prometheus.Gatherer // Served at /metrics; nil disables the route
	StaleAfter time.Duration       // Watermark age reported as stale
	Logger     *slog.Logger
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	s := &Server{
		store:      cfg.Store,
		roster:     cfg.Roster,
		sweeper:    cfg.Sweeper,
		secret:     cfg.Secret,
		gatherer:   cfg.Gatherer,
		staleAfter: cfg.StaleAfter,
		logger:     logger.With("component", "webhook"),
		mux:        http.NewServeMux(),
		Now:        time.Now,
	}

	s.mux.HandleFunc("POST /webhook", s.handleWebhook)
	s.mux.HandleFunc("GET /api/proposals", s.handleListProposals)
	s.mux.HandleFunc("GET /api/proposals/{owner}/{repo}/{number}", s.handleGetProposal)
	s.mux.HandleFunc("GET /api/watermarks", s.handleWatermarks)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// Start starts the HTTP server on the given address. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// WebhookResponse is the JSON response to a delivered webhook.
type WebhookResponse struct {
	Success    bool   `json:"success"`
	Event      string `json:"event"`
	Repository string `json:"repository,omitempty"`
	Queued     bool   `json:"queued"`
	Reason     string `json:"reason,omitempty"` // Why no sweep was queued
}

// webhookPayload is the part of every repository event the server reads
type webhookPayload struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleWebhook handles POST /webhook
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	if len(s.secret) > 0 {
		if err := VerifySignature(s.secret, body, r.Header.Get(SignatureHeader)); err != nil {
			s.logger.Warn("rejected webhook", "error", err, "delivery", r.Header.Get("X-GitHub-Delivery"))
			s.writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid signature: %v", err))
			return
		}
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "ping" {
		writeJSON(w, http.StatusOK, WebhookResponse{Success: true, Event: event, Reason: "pong"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	repo := payload.Repository.FullName
	if repo == "" {
		s.writeError(w, http.StatusBadRequest, "payload has no repository.full_name")
		return
	}

	resp := WebhookResponse{Success: true, Event: event, Repository: repo}
	if !s.roster.Watches(repo) {
		resp.Reason = "repository not in roster"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if !s.sweeper.TriggerSweep(repo) {
		s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	s.logger.Debug("sweep queued", "repository", repo, "event", event, "delivery", r.Header.Get("X-GitHub-Delivery"))
	resp.Queued = true
	writeJSON(w, http.StatusAccepted, resp)
}

// ProposalStatus is a proposal with its FCP state
type ProposalStatus struct {
	*types.Proposal
	Teams        []string         `json:"teams"`
	Required     []string         `json:"required"` // Current roster members of the bound teams
	SignOffs     []*types.SignOff `json:"sign_offs"`
	Concerns     []*types.Concern `json:"concerns"`
	QuorumPassed bool             `json:"quorum_passed"`
}

// handleGetProposal handles GET /api/proposals/{owner}/{repo}/{number}
func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	repo := r.PathValue("owner") + "/" + r.PathValue("repo")
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid issue number %q", r.PathValue("number")))
		return
	}

	ctx := r.Context()
	p, err := s.store.GetProposal(ctx, repo, number)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("proposal %s#%d not found", repo, number))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get proposal: %v", err))
		return
	}
	signOffs, err := s.store.ListSignOffs(ctx, p.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sign-offs: %v", err))
		return
	}
	concerns, err := s.store.ListConcerns(ctx, p.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list concerns: %v", err))
		return
	}

	status := ProposalStatus{
		Proposal: p,
		Teams:    []string{},
		Required: s.roster.RequiredLogins(p.Labels),
		SignOffs: signOffs,
		Concerns: concerns,
	}
	for _, t := range s.roster.BoundTeams(p.Labels) {
		status.Teams = append(status.Teams, t.Label)
	}
	checked := make(map[string]bool, len(signOffs))
	for _, so := range signOffs {
		checked[so.Login] = so.Checked
	}
	open := false
	for _, c := range concerns {
		open = open || !c.Resolved
	}
	status.QuorumPassed = !open && fcp.Quorum(status.Required, checked)

	writeJSON(w, http.StatusOK, status)
}

// ProposalList is the response of GET /api/proposals
type ProposalList struct {
	Proposals []*types.Proposal `json:"proposals"`
	Count     int               `json:"count"`
}

// handleListProposals handles GET /api/proposals?repository=&status=&attention=&limit=
func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	q := r.URL.Query()
	filter := storage.ProposalFilter{Repository: q.Get("repository")}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := types.Status(strings.TrimSpace(part))
			if !st.IsValid() {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", st))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if raw := q.Get("attention"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid attention %q", raw))
			return
		}
		filter.Attention = &v
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		filter.Limit = n
	}

	proposals, err := s.store.ListProposals(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list proposals: %v", err))
		return
	}
	if proposals == nil {
		proposals = []*types.Proposal{}
	}
	writeJSON(w, http.StatusOK, ProposalList{Proposals: proposals, Count: len(proposals)})
}

// WatermarkStatus is a repository watermark with its age
type WatermarkStatus struct {
	*types.Watermark
	AgeSeconds *float64 `json:"age_seconds,omitempty"` // Nil when never synced
	Stale      bool     `json:"stale"`
}

// handleWatermarks handles GET /api/watermarks. Roster repositories that
// were never swept are listed as stale.
func (s *Server) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	wms, err := s.store.ListWatermarks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list watermarks: %v", err))
		return
	}
	byRepo := make(map[string]*types.Watermark, len(wms))
	for _, wm := range wms {
		byRepo[wm.Repository] = wm
	}

	now := s.Now()
	out := []WatermarkStatus{}
	for _, repo := range s.roster.Repositories() {
		wm, ok := byRepo[repo]
		if !ok {
			wm = &types.Watermark{Repository: repo}
		}
		st := WatermarkStatus{Watermark: wm, Stale: true}
		if wm.SyncedAt != nil {
			age := now.Sub(*wm.SyncedAt)
			secs := age.Seconds()
			st.AgeSeconds = &secs
			st.Stale = age > s.staleAfter
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"watermarks": out})
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("store unreachable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
