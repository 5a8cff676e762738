package types

import "time"

// EventKind distinguishes the two remote activity streams
type EventKind string

// Event kind constants
const (
	EventIssue   EventKind = "issue"
	EventComment EventKind = "comment"
)

// Event is one normalized item from the remote event source
type Event struct {
	Kind       EventKind      `json:"kind"`
	Repository string         `json:"repository"`
	Issue      *IssueSnapshot `json:"issue,omitempty"`   // Set when Kind is EventIssue
	Comment    *CommentEvent  `json:"comment,omitempty"` // Set when Kind is EventComment
}

// UpdatedAt returns the remote update time of the underlying record
func (e Event) UpdatedAt() time.Time {
	switch {
	case e.Issue != nil:
		return e.Issue.UpdatedAt
	case e.Comment != nil:
		return e.Comment.UpdatedAt
	}
	return time.Time{}
}

// IssueSnapshot is the current remote state of an issue or pull request
type IssueSnapshot struct {
	Number        int         `json:"number"`
	Title         string      `json:"title"`
	Author        string      `json:"author"`
	AuthorID      int64       `json:"author_id,omitempty"`
	Labels        []string    `json:"labels"`
	State         RemoteState `json:"state"`
	IsPullRequest bool        `json:"is_pull_request,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// CommentEvent is an issue comment, possibly edited since creation
type CommentEvent struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"` // Issue the comment belongs to
	Author    string    `json:"author"`
	AuthorID  int64     `json:"author_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventPage is one page of the remote event stream
type EventPage struct {
	Events  []Event `json:"events"`
	Skipped []error `json:"-"`    // Malformed records dropped while decoding
	Next    string  `json:"next"` // Opaque cursor; empty when exhausted
}
