package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fcpbot/fcpbot/internal/fcp"
	"github.com/fcpbot/fcpbot/internal/ingest"
	"github.com/fcpbot/fcpbot/internal/metrics"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/testutil/teststore"
	"github.com/fcpbot/fcpbot/internal/types"
)

var t0 = teststore.Epoch

type fakeSweeper struct {
	mu     sync.Mutex
	repos  []string
	closed bool
}

func (f *fakeSweeper) TriggerSweep(repo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.repos = append(f.repos, repo)
	return true
}

func (f *fakeSweeper) triggered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.repos...)
}

func setupTestServer(t *testing.T, secret []byte) (*Server, *teststore.Env, *fakeSweeper) {
	t.Helper()

	env := teststore.NewEnv(t, teststore.DefaultRoster(t))
	sweeper := &fakeSweeper{}
	reg := prometheus.NewRegistry()
	metrics.New(reg).ObserveSweep("o/r", true, time.Second)

	server := NewServer(ServerConfig{
		Store:      env.Store,
		Roster:     env.Roster,
		Sweeper:    sweeper,
		Secret:     secret,
		Gatherer:   reg,
		StaleAfter: time.Hour,
	})
	server.Now = func() time.Time { return t0.Add(2 * time.Hour) }

	return server, env, sweeper
}

// seedProposal ingests an FCP proposal with one open concern on o/r#1 and
// lets the machine start sign-off collection.
func seedProposal(t *testing.T, env *teststore.Env) {
	t.Helper()
	env.Source.Add("o/r",
		teststore.Issue(1, t0, "T-lang"),
		teststore.Issue(2, t0, "T-libs"),
		teststore.Comment(10, 1, "alice", "@fcpbot fcp merge", t0.Add(time.Minute)),
		teststore.Comment(11, 1, "bob", "@fcpbot concern naming", t0.Add(2*time.Minute)),
	)
	now := func() time.Time { return t0.Add(time.Hour) }

	pipe := ingest.NewPipeline(env.Source, env.Store, env.Roster, "fcpbot", nil)
	pipe.Now = now
	res, err := pipe.Ingest(env.Ctx, "o/r", t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	machine := fcp.NewMachine(env.Store, env.Roster, "fcpbot", 0, nil)
	machine.Now = now
	if _, err := machine.EvaluateRepository(env.Ctx, "o/r", res.Touched); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
}

func doRequest(server *Server, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHandleWebhook_TriggersSweep(t *testing.T) {
	secret := []byte("test-secret")
	server, _, sweeper := setupTestServer(t, secret)

	body := []byte(`{"action":"created","repository":{"full_name":"o/r"}}`)
	w := doRequest(server, http.MethodPost, "/webhook", body, map[string]string{
		"X-GitHub-Event": "issue_comment",
		SignatureHeader:  Sign(secret, body),
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	resp := decode[WebhookResponse](t, w)
	if !resp.Success || !resp.Queued {
		t.Errorf("response = %+v, want success and queued", resp)
	}
	if resp.Repository != "o/r" {
		t.Errorf("Repository = %q, want %q", resp.Repository, "o/r")
	}
	if got := sweeper.triggered(); len(got) != 1 || got[0] != "o/r" {
		t.Errorf("triggered = %v, want [o/r]", got)
	}
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	secret := []byte("test-secret")
	server, _, sweeper := setupTestServer(t, secret)
	body := []byte(`{"repository":{"full_name":"o/r"}}`)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong secret", Sign([]byte("other"), body)},
		{"garbage", "sha256=nothex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{"X-GitHub-Event": "issues"}
			if tt.header != "" {
				headers[SignatureHeader] = tt.header
			}
			w := doRequest(server, http.MethodPost, "/webhook", body, headers)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if resp := decode[ErrorResponse](t, w); resp.Success || resp.Error == "" {
				t.Errorf("response = %+v, want an error", resp)
			}
		})
	}
	if got := sweeper.triggered(); len(got) != 0 {
		t.Errorf("triggered = %v, want none", got)
	}
}

func TestHandleWebhook_NoSecretSkipsCheck(t *testing.T) {
	server, _, sweeper := setupTestServer(t, nil)
	w := doRequest(server, http.MethodPost, "/webhook",
		[]byte(`{"repository":{"full_name":"o/manual"}}`),
		map[string]string{"X-GitHub-Event": "issues"})

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if got := sweeper.triggered(); len(got) != 1 || got[0] != "o/manual" {
		t.Errorf("triggered = %v, want [o/manual]", got)
	}
}

func TestHandleWebhook_Ignored(t *testing.T) {
	server, _, sweeper := setupTestServer(t, nil)

	tests := []struct {
		name       string
		event      string
		body       string
		wantStatus int
		wantReason string
	}{
		{"ping", "ping", `{"zen":"Keep it logically awesome."}`, http.StatusOK, "pong"},
		{"unwatched repository", "issues", `{"repository":{"full_name":"o/elsewhere"}}`, http.StatusOK, "repository not in roster"},
		{"no repository", "issues", `{"action":"opened"}`, http.StatusBadRequest, ""},
		{"invalid JSON", "issues", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(server, http.MethodPost, "/webhook", []byte(tt.body),
				map[string]string{"X-GitHub-Event": tt.event})
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantReason != "" {
				resp := decode[WebhookResponse](t, w)
				if resp.Queued || resp.Reason != tt.wantReason {
					t.Errorf("response = %+v, want reason %q", resp, tt.wantReason)
				}
			}
		})
	}
	if got := sweeper.triggered(); len(got) != 0 {
		t.Errorf("triggered = %v, want none", got)
	}
}

func TestHandleWebhook_ShuttingDown(t *testing.T) {
	server, _, sweeper := setupTestServer(t, nil)
	sweeper.closed = true

	w := doRequest(server, http.MethodPost, "/webhook",
		[]byte(`{"repository":{"full_name":"o/r"}}`),
		map[string]string{"X-GitHub-Event": "issues"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	server, _, _ := setupTestServer(t, nil)
	w := doRequest(server, http.MethodGet, "/webhook", nil, nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleGetProposal(t *testing.T) {
	server, env, _ := setupTestServer(t, nil)
	seedProposal(t, env)

	w := doRequest(server, http.MethodGet, "/api/proposals/o/r/1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decode[ProposalStatus](t, w)
	if resp.Status != types.StatusFcpProposed {
		t.Errorf("Status = %q, want %q", resp.Status, types.StatusFcpProposed)
	}
	if resp.Disposition != types.DispositionMerge {
		t.Errorf("Disposition = %q, want %q", resp.Disposition, types.DispositionMerge)
	}
	if strings.Join(resp.Teams, ",") != "T-lang" {
		t.Errorf("Teams = %v, want [T-lang]", resp.Teams)
	}
	if strings.Join(resp.Required, ",") != "alice,bob" {
		t.Errorf("Required = %v, want [alice bob]", resp.Required)
	}
	if len(resp.SignOffs) != 2 {
		t.Errorf("len(SignOffs) = %d, want 2", len(resp.SignOffs))
	}
	if len(resp.Concerns) != 1 || resp.Concerns[0].Name != "naming" || resp.Concerns[0].Resolved {
		t.Errorf("Concerns = %+v, want one open concern named naming", resp.Concerns)
	}
	if resp.QuorumPassed {
		t.Error("QuorumPassed = true with no sign-offs and an open concern")
	}
}

func TestHandleGetProposal_Errors(t *testing.T) {
	server, env, _ := setupTestServer(t, nil)
	seedProposal(t, env)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/proposals/o/r/99", http.StatusNotFound},
		{"/api/proposals/o/r/abc", http.StatusBadRequest},
		{"/api/proposals/o/r/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := doRequest(server, http.MethodGet, tt.path, nil, nil)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleListProposals(t *testing.T) {
	server, env, _ := setupTestServer(t, nil)
	seedProposal(t, env)

	tests := []struct {
		query      string
		wantStatus int
		wantCount  int
	}{
		{"", http.StatusOK, 2},
		{"?repository=o/r", http.StatusOK, 2},
		{"?repository=o/manual", http.StatusOK, 0},
		{"?status=fcp-proposed", http.StatusOK, 1},
		{"?status=open,fcp-proposed", http.StatusOK, 2},
		{"?status=open&limit=1", http.StatusOK, 1},
		{"?attention=true", http.StatusOK, 0},
		{"?status=bogus", http.StatusBadRequest, 0},
		{"?attention=maybe", http.StatusBadRequest, 0},
		{"?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := doRequest(server, http.MethodGet, "/api/proposals"+tt.query, nil, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			resp := decode[ProposalList](t, w)
			if resp.Count != tt.wantCount || len(resp.Proposals) != tt.wantCount {
				t.Errorf("Count = %d (%d proposals), want %d", resp.Count, len(resp.Proposals), tt.wantCount)
			}
		})
	}
}

func TestHandleWatermarks(t *testing.T) {
	server, env, _ := setupTestServer(t, nil)
	seedProposal(t, env) // o/r synced at t0+1h; the server clock reads t0+2h

	w := doRequest(server, http.MethodGet, "/api/watermarks", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode[struct {
		Watermarks []WatermarkStatus `json:"watermarks"`
	}](t, w)

	got := make(map[string]WatermarkStatus)
	for _, wm := range resp.Watermarks {
		got[wm.Repository] = wm
	}
	if len(got) != 2 {
		t.Fatalf("watermarks = %+v, want o/r and o/manual", resp.Watermarks)
	}
	if r := got["o/r"]; r.Stale || r.AgeSeconds == nil || *r.AgeSeconds != 3600 {
		t.Errorf("o/r = %+v, want fresh with age 3600s", r)
	}
	if m := got["o/manual"]; !m.Stale || m.AgeSeconds != nil {
		t.Errorf("o/manual = %+v, want stale and never synced", m)
	}

	server.Now = func() time.Time { return t0.Add(3 * time.Hour) }
	resp = decode[struct {
		Watermarks []WatermarkStatus `json:"watermarks"`
	}](t, doRequest(server, http.MethodGet, "/api/watermarks", nil, nil))
	for _, wm := range resp.Watermarks {
		if !wm.Stale {
			t.Errorf("%s not stale after two hours", wm.Repository)
		}
	}
}

func TestHandleMetrics(t *testing.T) {
	server, _, _ := setupTestServer(t, nil)
	w := doRequest(server, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `fcpbot_sweeps_total{outcome="success",repository="o/r"} 1`) {
		t.Errorf("metrics output missing sweep counter:\n%s", w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := setupTestServer(t, nil)

	w := doRequest(server, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode[map[string]string](t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

type downStore struct {
	storage.Storage
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHandleHealth_StoreDown(t *testing.T) {
	env := teststore.NewEnv(t, teststore.DefaultRoster(t))
	server := NewServer(ServerConfig{Store: downStore{env.Store}, Roster: env.Roster, Sweeper: &fakeSweeper{}})

	w := doRequest(server, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
