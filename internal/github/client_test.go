package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/types"
)

var since = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func testClient(url string) *Client {
	c := NewClient("test-token").WithBaseURL(url)
	c.RetryDelay = time.Millisecond
	return c
}

func issueJSON(number int, state string, updated string, labels ...string) map[string]any {
	ls := make([]map[string]any, len(labels))
	for i, l := range labels {
		ls[i] = map[string]any{"id": i + 1, "name": l}
	}
	return map[string]any{
		"id":         number * 100,
		"number":     number,
		"title":      fmt.Sprintf("Issue %d", number),
		"state":      state,
		"updated_at": updated,
		"labels":     ls,
		"user":       map[string]any{"id": 7, "login": "Alice"},
	}
}

func commentJSON(id int, number int, login, body, updated string) map[string]any {
	return map[string]any{
		"id":         id,
		"issue_url":  fmt.Sprintf("https://api.github.com/repos/o/r/issues/%d", number),
		"body":       body,
		"user":       map[string]any{"id": 9, "login": login},
		"created_at": updated,
		"updated_at": updated,
	}
}

// TestNewClient verifies the constructor creates a properly configured client.
func TestNewClient(t *testing.T) {
	client := NewClient("test-token")

	if client.Token != "test-token" {
		t.Errorf("Token = %q, want %q", client.Token, "test-token")
	}
	if client.BaseURL != DefaultAPIEndpoint {
		t.Errorf("BaseURL = %q, want %q", client.BaseURL, DefaultAPIEndpoint)
	}
	if client.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", client.MaxAttempts, DefaultMaxAttempts)
	}
	if client.HTTPClient == nil {
		t.Error("HTTPClient is nil, want non-nil default client")
	}
}

// TestClientBuilders verifies the builders copy rather than mutate.
func TestClientBuilders(t *testing.T) {
	base := NewClient("token")
	custom := &http.Client{Timeout: time.Minute}

	c := base.WithHTTPClient(custom).WithBaseURL("https://github.example.com/api/v3/").WithMaxAttempts(5)
	if c.HTTPClient != custom {
		t.Error("HTTPClient not set to custom client")
	}
	if c.BaseURL != "https://github.example.com/api/v3" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", c.BaseURL)
	}
	if c.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", c.MaxAttempts)
	}
	if base.BaseURL != DefaultAPIEndpoint || base.MaxAttempts != DefaultMaxAttempts {
		t.Error("builder mutated the original client")
	}
}

func TestParseRepository(t *testing.T) {
	owner, name, err := ParseRepository("rust-lang/rfcs")
	if err != nil || owner != "rust-lang" || name != "rfcs" {
		t.Fatalf("ParseRepository = %q, %q, %v", owner, name, err)
	}
	for _, bad := range []string{"", "rfcs", "/rfcs", "o/", "a/b/c"} {
		if _, _, err := ParseRepository(bad); !fault.IsKind(err, fault.KindConfig) {
			t.Errorf("ParseRepository(%q) error = %v, want config fault", bad, err)
		}
	}
}

// TestFetchEvents_Phases walks the full cursor sequence: issue pages, then
// comment pages, then exhaustion.
func TestFetchEvents_Phases(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization header = %q", r.Header.Get("Authorization"))
		}
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/repos/o/r/issues" && q.Get("page") == "":
			if q.Get("state") != "all" || q.Get("sort") != "updated" || q.Get("direction") != "asc" {
				t.Errorf("issues query = %s", r.URL.RawQuery)
			}
			if q.Get("since") != "2024-01-15T00:00:00Z" {
				t.Errorf("since = %q", q.Get("since"))
			}
			w.Header().Set("Link", `<`+server.URL+`/repos/o/r/issues?page=2>; rel="next"`)
			_ = json.NewEncoder(w).Encode([]any{issueJSON(1, "open", "2024-01-16T10:00:00Z", "T-lang")})
		case r.URL.Path == "/repos/o/r/issues":
			_ = json.NewEncoder(w).Encode([]any{issueJSON(2, "closed", "2024-01-17T10:00:00Z")})
		case r.URL.Path == "/repos/o/r/issues/comments":
			if q.Get("state") != "" {
				t.Errorf("comments query carries state: %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode([]any{commentJSON(55, 1, "Bob", "@fcpbot fcp merge", "2024-01-18T10:00:00Z")})
		default:
			t.Errorf("unexpected request %s", r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := testClient(server.URL)
	ctx := context.Background()

	var events []types.Event
	cursor := ""
	pages := 0
	for {
		page, err := client.FetchEvents(ctx, "o/r", since, cursor)
		if err != nil {
			t.Fatalf("FetchEvents(%q) error = %v", cursor, err)
		}
		pages++
		events = append(events, page.Events...)
		if page.Next == "" {
			break
		}
		cursor = page.Next
		if pages > 10 {
			t.Fatal("cursor never exhausted")
		}
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Kind != types.EventIssue || events[0].Issue.Number != 1 || events[0].Issue.Author != "alice" {
		t.Errorf("events[0] = %+v", events[0].Issue)
	}
	if got := events[0].Issue.Labels; len(got) != 1 || got[0] != "T-lang" {
		t.Errorf("labels = %v", got)
	}
	if events[1].Issue.State != types.RemoteClosed {
		t.Errorf("events[1] state = %s, want closed", events[1].Issue.State)
	}
	c := events[2].Comment
	if events[2].Kind != types.EventComment || c.ID != 55 || c.Number != 1 || c.Author != "bob" {
		t.Errorf("events[2] = %+v", c)
	}
	if events[2].Repository != "o/r" {
		t.Errorf("Repository = %q", events[2].Repository)
	}
}

// TestFetchEvents_SkipsMalformedRecords verifies bad records are reported, not fatal.
func TestFetchEvents_SkipsMalformedRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		noAuthor := issueJSON(2, "open", "2024-01-16T10:00:00Z")
		delete(noAuthor, "user")
		_, _ = io.WriteString(w, `[`)
		_ = json.NewEncoder(w).Encode(issueJSON(1, "open", "2024-01-16T10:00:00Z"))
		_, _ = io.WriteString(w, `, {"number": "seven"}, `)
		_ = json.NewEncoder(w).Encode(noAuthor)
		_, _ = io.WriteString(w, `]`)
	}))
	defer server.Close()

	page, err := testClient(server.URL).FetchEvents(context.Background(), "o/r", since, "")
	if err != nil {
		t.Fatalf("FetchEvents() error = %v", err)
	}
	if len(page.Events) != 1 {
		t.Errorf("events = %d, want 1", len(page.Events))
	}
	if len(page.Skipped) != 2 {
		t.Fatalf("skipped = %d, want 2", len(page.Skipped))
	}
	for _, err := range page.Skipped {
		if !fault.IsKind(err, fault.KindData) {
			t.Errorf("skipped error %v is not a data fault", err)
		}
	}
	if page.Next != encodeCursor(phaseComments, "") {
		t.Errorf("Next = %q, want comments phase", page.Next)
	}
}

func TestFetchEvents_MergedPullRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr := issueJSON(3, "closed", "2024-01-16T10:00:00Z")
		pr["pull_request"] = map[string]any{"url": "x", "merged_at": "2024-01-16T09:00:00Z"}
		_ = json.NewEncoder(w).Encode([]any{pr})
	}))
	defer server.Close()

	page, err := testClient(server.URL).FetchEvents(context.Background(), "o/r", since, "")
	if err != nil {
		t.Fatalf("FetchEvents() error = %v", err)
	}
	snap := page.Events[0].Issue
	if snap.State != types.RemoteMerged || !snap.IsPullRequest {
		t.Errorf("snapshot = %+v, want merged pull request", snap)
	}
}

// TestFetchEvents_RejectsForeignNextPage verifies the token never leaves the API host.
func TestFetchEvents_RejectsForeignNextPage(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `[]`)
	}))
	defer server.Close()

	_, err := testClient(server.URL).FetchEvents(context.Background(), "o/r", since, "issues|https://evil.example.com/steal")
	if err == nil {
		t.Fatal("FetchEvents() error = nil, want error for foreign next URL")
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times, want 0", hits.Load())
	}
}

func TestFetchEvents_BadCursor(t *testing.T) {
	_, err := NewClient("t").FetchEvents(context.Background(), "o/r", since, "pulls|x")
	if !fault.IsKind(err, fault.KindInternal) {
		t.Errorf("error = %v, want internal fault", err)
	}
}

// TestFetchEvents_RetriesServerErrors verifies 5xx responses are retried up to MaxAttempts.
func TestFetchEvents_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer server.Close()

	if _, err := testClient(server.URL).FetchEvents(context.Background(), "o/r", since, ""); err != nil {
		t.Fatalf("FetchEvents() error = %v, want success after retries", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestFetchEvents_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testClient(server.URL).WithMaxAttempts(2).FetchEvents(context.Background(), "o/r", since, "")
	if !fault.IsKind(err, fault.KindTransient) {
		t.Fatalf("error = %v, want transient fault", err)
	}
	if !strings.Contains(err.Error(), "[o/r]") {
		t.Errorf("error %q does not name the repository", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

// TestFetchEvents_RateLimitNotRetried verifies a rate limit ends the sweep at once.
func TestFetchEvents_RateLimitNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
	}{
		{name: "403 with exhausted quota", status: http.StatusForbidden, header: "0"},
		{name: "429", status: http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				if tt.header != "" {
					w.Header().Set("X-RateLimit-Remaining", tt.header)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := testClient(server.URL).FetchEvents(context.Background(), "o/r", since, "")
			if !fault.IsKind(err, fault.KindTransient) || !IsRateLimited(err) {
				t.Fatalf("error = %v, want rate-limited transient fault", err)
			}
			if attempts.Load() != 1 {
				t.Errorf("attempts = %d, want 1", attempts.Load())
			}
		})
	}
}

func TestFetchEvents_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(server.URL).FetchEvents(ctx, "o/r", since, "")
	if err == nil {
		t.Fatal("FetchEvents() error = nil, want error for cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
}

func TestPostComment(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/o/r/issues/42/comments" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id": 1}`)
	}))
	defer server.Close()

	if err := testClient(server.URL).PostComment(context.Background(), "o/r", 42, "hello\n"); err != nil {
		t.Fatalf("PostComment() error = %v", err)
	}
	if gotBody["body"] != "hello\n" {
		t.Errorf("body = %q", gotBody["body"])
	}
}

func TestPostCommentNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := testClient(server.URL).WithMaxAttempts(3).PostComment(context.Background(), "o/r", 1, "x")
	if !fault.IsKind(err, fault.KindNotification) {
		t.Fatalf("error = %v, want notification fault", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1: a failed POST may already have been applied", attempts.Load())
	}
}

func TestSetLabelsRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer server.Close()

	if err := testClient(server.URL).WithMaxAttempts(3).SetLabels(context.Background(), "o/r", 1, []string{"a"}); err != nil {
		t.Fatalf("SetLabels() error = %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestSetLabels(t *testing.T) {
	var gotBody map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/repos/o/r/issues/42/labels" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `[]`)
	}))
	defer server.Close()

	if err := testClient(server.URL).SetLabels(context.Background(), "o/r", 42, nil); err != nil {
		t.Fatalf("SetLabels() error = %v", err)
	}
	if labels, ok := gotBody["labels"]; !ok || len(labels) != 0 {
		t.Errorf("labels = %v, want empty list", gotBody["labels"])
	}
}

func TestWriteFailureIsNotificationFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	err := testClient(server.URL).PostComment(context.Background(), "o/r", 1, "x")
	if !fault.IsKind(err, fault.KindNotification) {
		t.Errorf("error = %v, want notification fault", err)
	}
}

// TestHasNextPage verifies Link header parsing.
func TestHasNextPage(t *testing.T) {
	tests := []struct {
		name     string
		link     string
		wantURL  string
		wantNext bool
	}{
		{
			name:     "has next page",
			link:     `<https://api.github.com/repos/o/r/issues?page=2>; rel="next", <https://api.github.com/repos/o/r/issues?page=5>; rel="last"`,
			wantURL:  "https://api.github.com/repos/o/r/issues?page=2",
			wantNext: true,
		},
		{
			name:     "no next page",
			link:     `<https://api.github.com/repos/o/r/issues?page=1>; rel="prev"`,
			wantNext: false,
		},
		{
			name:     "empty header",
			wantNext: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.link != "" {
				h.Set("Link", tt.link)
			}
			got, ok := hasNextPage(h)
			if ok != tt.wantNext || got != tt.wantURL {
				t.Errorf("hasNextPage() = %q, %v, want %q, %v", got, ok, tt.wantURL, tt.wantNext)
			}
		})
	}
}
