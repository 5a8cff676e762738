package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/types"
)

// NewClient creates a new GitHub client.
func NewClient(token string) *Client {
	return &Client{
		Token:       token,
		BaseURL:     DefaultAPIEndpoint,
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  RetryDelay,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithHTTPClient returns a new client with a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	cp := *c
	cp.HTTPClient = httpClient
	return &cp
}

// WithBaseURL returns a new client with a custom base URL (for testing or GitHub Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	cp.BaseURL = strings.TrimRight(baseURL, "/")
	return &cp
}

// WithMaxAttempts returns a new client that tries each request at most n times.
func (c *Client) WithMaxAttempts(n int) *Client {
	cp := *c
	cp.MaxAttempts = n
	return &cp
}

// buildURL constructs a full API URL.
func (c *Client) buildURL(path string, params url.Values) string {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// apiError is a non-2xx response
type apiError struct {
	Status    int
	Body      string
	RateLimit bool
}

func (e *apiError) Error() string {
	if e.RateLimit {
		return fmt.Sprintf("rate limited (status %d)", e.Status)
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("API error: %s (status %d)", body, e.Status)
}

func isRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")
}

// doRequest performs an HTTP request with authentication and bounded retry.
// Server errors and network failures are retried for idempotent methods
// only; a POST that fails may already have been applied, so it is left to
// the caller. Rate limits and other client errors fail at once. Every
// failure is a transient fault: the sweep of this repository is abandoned
// and retried next cycle.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, body any) ([]byte, http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fault.Internal("github request", fmt.Errorf("failed to marshal request body: %w", err))
		}
	}

	attempts := c.MaxAttempts
	if attempts < 1 || !idempotent(method) {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.RetryDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = RetryDelay
	}

	var respBody []byte
	var respHeader http.Header
	op := func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("request failed: %w", err)
		}

		const maxResponseSize = 50 * 1024 * 1024
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case isRateLimited(resp):
			return backoff.Permanent(&apiError{Status: resp.StatusCode, RateLimit: true})
		case resp.StatusCode >= 500:
			return &apiError{Status: resp.StatusCode, Body: string(data)}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(&apiError{Status: resp.StatusCode, Body: string(data)})
		}
		respBody, respHeader = data, resp.Header
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, nil, fault.Transient(method+" "+redactQuery(urlStr), err)
	}
	return respBody, respHeader, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// IsRateLimited reports whether err came from a rate-limited response
func IsRateLimited(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.RateLimit
}

func redactQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// linkNextPattern matches the "next" relation in GitHub Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// hasNextPage checks the Link header for a next page URL and returns it.
func hasNextPage(headers http.Header) (string, bool) {
	link := headers.Get("Link")
	if link == "" {
		return "", false
	}
	matches := linkNextPattern.FindStringSubmatch(link)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

// Event stream phases. Issues come first so that comments always find
// their proposal already upserted within the same sweep.
const (
	phaseIssues   = "issues"
	phaseComments = "comments"
)

// encodeCursor builds the opaque cursor "phase|url". An empty url means
// the first page of the phase.
func encodeCursor(phase, next string) string {
	return phase + "|" + next
}

func decodeCursor(cursor string) (phase, next string, err error) {
	if cursor == "" {
		return phaseIssues, "", nil
	}
	phase, next, ok := strings.Cut(cursor, "|")
	if !ok || (phase != phaseIssues && phase != phaseComments) {
		return "", "", fault.Internal("decode cursor", fmt.Errorf("malformed cursor %q", cursor))
	}
	return phase, next, nil
}

// FetchEvents returns one page of activity in repo updated at or after
// since. Pass an empty cursor for the first page and the returned Next for
// the following ones; an empty Next means the stream is exhausted.
//
// Issues and pull requests are returned first, then conversation comments,
// each in ascending updated order. Records that cannot be decoded are
// reported in Skipped rather than failing the page.
func (c *Client) FetchEvents(ctx context.Context, repo string, since time.Time, cursor string) (*types.EventPage, error) {
	owner, name, err := ParseRepository(repo)
	if err != nil {
		return nil, err
	}
	phase, next, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	urlStr := next
	if urlStr == "" {
		params := url.Values{}
		params.Set("since", since.UTC().Format(time.RFC3339))
		params.Set("sort", "updated")
		params.Set("direction", "asc")
		params.Set("per_page", strconv.Itoa(MaxPageSize))
		path := "/repos/" + owner + "/" + name + "/issues"
		if phase == phaseIssues {
			params.Set("state", "all")
		} else {
			path += "/comments"
		}
		urlStr = c.buildURL(path, params)
	} else if !strings.HasPrefix(urlStr, c.BaseURL+"/") {
		// Never send the token to a host the Link header made up.
		return nil, fault.Data("fetch events", fmt.Errorf("next page %q is outside %s", urlStr, c.BaseURL))
	}

	respBody, headers, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fault.WithRepository(err, repo)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fault.Data("fetch events", fmt.Errorf("failed to parse %s response for %s: %w", phase, repo, err))
	}

	page := &types.EventPage{Events: make([]types.Event, 0, len(raw))}
	for _, r := range raw {
		ev, err := decodeEvent(phase, repo, r)
		if err != nil {
			page.Skipped = append(page.Skipped, err)
			continue
		}
		page.Events = append(page.Events, ev)
	}

	if u, ok := hasNextPage(headers); ok {
		page.Next = encodeCursor(phase, u)
	} else if phase == phaseIssues {
		page.Next = encodeCursor(phaseComments, "")
	}
	return page, nil
}

func decodeEvent(phase, repo string, raw json.RawMessage) (types.Event, error) {
	if phase == phaseIssues {
		var issue Issue
		if err := json.Unmarshal(raw, &issue); err != nil {
			return types.Event{}, fault.Data("decode issue", err)
		}
		snap, err := issue.Snapshot()
		if err != nil {
			return types.Event{}, err
		}
		return types.Event{Kind: types.EventIssue, Repository: repo, Issue: snap}, nil
	}
	var comment Comment
	if err := json.Unmarshal(raw, &comment); err != nil {
		return types.Event{}, fault.Data("decode comment", err)
	}
	ev, err := comment.Event()
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{Kind: types.EventComment, Repository: repo, Comment: ev}, nil
}

// PostComment adds a conversation comment to issue or pull request number.
func (c *Client) PostComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := ParseRepository(repo)
	if err != nil {
		return err
	}
	urlStr := c.buildURL(fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, name, number), nil)
	if _, _, err := c.doRequest(ctx, http.MethodPost, urlStr, map[string]string{"body": body}); err != nil {
		return fault.Notification("post comment", fmt.Errorf("%s#%d: %w", repo, number, err))
	}
	return nil
}

// SetLabels replaces the label set of issue or pull request number.
func (c *Client) SetLabels(ctx context.Context, repo string, number int, labels []string) error {
	owner, name, err := ParseRepository(repo)
	if err != nil {
		return err
	}
	if labels == nil {
		labels = []string{}
	}
	urlStr := c.buildURL(fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, name, number), nil)
	if _, _, err := c.doRequest(ctx, http.MethodPut, urlStr, map[string][]string{"labels": labels}); err != nil {
		return fault.Notification("set labels", fmt.Errorf("%s#%d: %w", repo, number, err))
	}
	return nil
}
