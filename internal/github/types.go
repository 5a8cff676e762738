// Package github provides client and data types for the GitHub REST API.
//
// The client reads issue and comment activity of a repository as ordered
// event pages and writes status comments and labels back. It converts the
// API's JSON into the engine's event types.
package github

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/types"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAttempts bounds the tries for a single request.
	DefaultMaxAttempts = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxPageSize is the maximum number of records to fetch per page.
	MaxPageSize = 100
)

// Client provides methods to interact with the GitHub REST API.
type Client struct {
	Token       string       // GitHub personal access token or app token
	BaseURL     string       // API base URL (default: https://api.github.com)
	HTTPClient  *http.Client // Optional custom HTTP client
	MaxAttempts int          // Tries per request; rate limits are never retried
	RetryDelay  time.Duration
}

// Issue represents an issue or pull request from the issues endpoint.
type Issue struct {
	ID          int64      `json:"id"`     // Global unique ID
	Number      int        `json:"number"` // Repository-scoped issue number
	Title       string     `json:"title"`
	State       string     `json:"state"` // "open" or "closed"
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Labels      []Label    `json:"labels"`
	User        *User      `json:"user,omitempty"` // Author
	HTMLURL     string     `json:"html_url"`
	PullRequest *PullRef   `json:"pull_request,omitempty"` // Non-nil if this is a PR
}

// PullRef indicates an issue is actually a pull request.
type PullRef struct {
	URL      string     `json:"url,omitempty"`
	MergedAt *time.Time `json:"merged_at,omitempty"`
}

// Comment is an issue or pull request conversation comment.
type Comment struct {
	ID        int64      `json:"id"`
	IssueURL  string     `json:"issue_url"`
	Body      string     `json:"body"`
	User      *User      `json:"user,omitempty"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	HTMLURL   string     `json:"html_url,omitempty"`
}

// User represents a GitHub user.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type,omitempty"` // "User" or "Bot"
}

// Label represents a GitHub label.
type Label struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// LabelNames extracts label name strings from a slice of Label structs.
func LabelNames(labels []Label) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return names
}

// ParseRepository splits "owner/name" and rejects anything else.
func ParseRepository(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fault.Config("parse repository", fmt.Errorf("repository %q is not owner/name", repo))
	}
	return owner, name, nil
}

// Snapshot converts an API issue into an issue snapshot. Records missing
// the fields the engine keys on are data faults.
func (i *Issue) Snapshot() (*types.IssueSnapshot, error) {
	switch {
	case i.Number <= 0:
		return nil, fault.Data("decode issue", fmt.Errorf("issue %d has no number", i.ID))
	case i.UpdatedAt == nil:
		return nil, fault.Data("decode issue", fmt.Errorf("issue #%d has no updated_at", i.Number))
	case i.User == nil || i.User.Login == "":
		return nil, fault.Data("decode issue", fmt.Errorf("issue #%d has no author", i.Number))
	}
	state := types.RemoteOpen
	switch {
	case i.PullRequest != nil && i.PullRequest.MergedAt != nil:
		state = types.RemoteMerged
	case i.State == "closed":
		state = types.RemoteClosed
	case i.State == "open":
	default:
		return nil, fault.Data("decode issue", fmt.Errorf("issue #%d has unknown state %q", i.Number, i.State))
	}
	return &types.IssueSnapshot{
		Number:        i.Number,
		Title:         i.Title,
		Author:        strings.ToLower(i.User.Login),
		AuthorID:      i.User.ID,
		Labels:        LabelNames(i.Labels),
		State:         state,
		IsPullRequest: i.PullRequest != nil,
		UpdatedAt:     i.UpdatedAt.UTC(),
	}, nil
}

// Event converts an API comment into a comment event. The issue number is
// taken from the trailing segment of issue_url.
func (c *Comment) Event() (*types.CommentEvent, error) {
	switch {
	case c.ID <= 0:
		return nil, fault.Data("decode comment", fmt.Errorf("comment has no id"))
	case c.User == nil || c.User.Login == "":
		return nil, fault.Data("decode comment", fmt.Errorf("comment %d has no author", c.ID))
	case c.CreatedAt == nil || c.UpdatedAt == nil:
		return nil, fault.Data("decode comment", fmt.Errorf("comment %d has no timestamps", c.ID))
	}
	idx := strings.LastIndex(c.IssueURL, "/")
	number, err := strconv.Atoi(c.IssueURL[idx+1:])
	if err != nil || number <= 0 {
		return nil, fault.Data("decode comment", fmt.Errorf("comment %d has bad issue_url %q", c.ID, c.IssueURL))
	}
	return &types.CommentEvent{
		ID:        c.ID,
		Number:    number,
		Author:    strings.ToLower(c.User.Login),
		AuthorID:  c.User.ID,
		Body:      c.Body,
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}, nil
}
