// Package types defines core data structures for the fcpbot governance engine.
package types

import (
	"slices"
	"strings"
	"time"
)

// Identity is a remote tracker account known to the bot
type Identity struct {
	ID        int64     `json:"id"`
	Login     string    `json:"login"`
	GitHubID  int64     `json:"github_id,omitempty"` // Zero until observed on a remote event
	CreatedAt time.Time `json:"created_at"`
}

// Team is a decision-making group bound to proposals by label
type Team struct {
	Label   string   `json:"label"`          // GitHub label that binds the team, e.g. "T-lang"
	Name    string   `json:"name"`           // Display name
	Ping    string   `json:"ping,omitempty"` // Team handle to cc, e.g. "rust-lang/lang"
	Members []string `json:"members"`        // Ordered member logins
}

// HasMember reports whether login belongs to the team (case-insensitive, like GitHub logins)
func (t Team) HasMember(login string) bool {
	return slices.ContainsFunc(t.Members, func(m string) bool {
		return strings.EqualFold(m, login)
	})
}

// Status is the lifecycle status of a proposal
type Status string

// Proposal status constants
const (
	StatusOpen        Status = "open"
	StatusFcpProposed Status = "fcp-proposed"
	StatusFcpActive   Status = "fcp-active"
	StatusFcpClosed   Status = "fcp-closed"
	StatusPostponed   Status = "postponed"
	StatusClosed      Status = "closed" // Closed remotely
	StatusMerged      Status = "merged" // Merged remotely
)

// IsValid checks if the status value is one of the known statuses
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusFcpProposed, StatusFcpActive, StatusFcpClosed, StatusPostponed, StatusClosed, StatusMerged:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusMerged
}

// InFCP reports whether sign-off collection or the comment period is running
func (s Status) InFCP() bool {
	return s == StatusFcpProposed || s == StatusFcpActive
}

// Disposition is the outcome an FCP proposes
type Disposition string

// Disposition constants
const (
	DispositionMerge    Disposition = "merge"
	DispositionClose    Disposition = "close"
	DispositionPostpone Disposition = "postpone"
)

// IsValid checks if the disposition value is valid
func (d Disposition) IsValid() bool {
	switch d {
	case DispositionMerge, DispositionClose, DispositionPostpone:
		return true
	}
	return false
}

// RemoteState is the open/closed state reported by the tracker
type RemoteState string

// Remote state constants
const (
	RemoteOpen   RemoteState = "open"
	RemoteClosed RemoteState = "closed"
	RemoteMerged RemoteState = "merged"
)

// Proposal is one tracked issue or pull request
type Proposal struct {
	ID              int64       `json:"id"`
	Repository      string      `json:"repository"` // "owner/name"
	Number          int         `json:"number"`
	Title           string      `json:"title"`
	Author          string      `json:"author"`
	Labels          []string    `json:"labels"`
	RemoteState     RemoteState `json:"remote_state"`
	RemoteUpdatedAt time.Time   `json:"remote_updated_at"`
	Status          Status      `json:"status"`
	Disposition     Disposition `json:"disposition,omitempty"`
	ProposedBy      string      `json:"proposed_by,omitempty"`
	FcpProposedAt   *time.Time  `json:"fcp_proposed_at,omitempty"`
	FcpStartedAt    *time.Time  `json:"fcp_started_at,omitempty"`
	NeedsAttention  bool        `json:"needs_attention,omitempty"`
	AttentionReason string      `json:"attention_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// HasLabel reports whether the proposal currently carries label
func (p *Proposal) HasLabel(label string) bool {
	return slices.Contains(p.Labels, label)
}

// SignOff is one reviewer's checkbox on a proposal
type SignOff struct {
	ProposalID int64     `json:"proposal_id"`
	Login      string    `json:"login"`
	Checked    bool      `json:"checked"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Concern is an objection raised against a proposal
type Concern struct {
	ProposalID int64      `json:"proposal_id"`
	RaisedBy   string     `json:"raised_by"`
	Name       string     `json:"name"`
	Resolved   bool       `json:"resolved"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// MarkerKind is an FCP command parsed from a comment
type MarkerKind string

// Marker kind constants
const (
	MarkerPropose  MarkerKind = "propose"
	MarkerCancel   MarkerKind = "cancel"
	MarkerPostpone MarkerKind = "postpone" // "fcp postpone": proposes postponement when idle, withdraws when running
)

// Marker is a parsed FCP command waiting for the state machine
type Marker struct {
	ID          int64       `json:"id"`
	ProposalID  int64       `json:"proposal_id"`
	Repository  string      `json:"repository"`
	CommentID   int64       `json:"comment_id"`
	Line        int         `json:"line"` // Line index inside the comment body
	Kind        MarkerKind  `json:"kind"`
	Disposition Disposition `json:"disposition,omitempty"`
	Author      string      `json:"author"`
	PostedAt    time.Time   `json:"posted_at"`
	Processed   bool        `json:"processed"`
}

// NotificationKind names the event a notification announces
type NotificationKind string

// Notification kind constants
const (
	NotifyProposed  NotificationKind = "fcp-proposed"
	NotifyEntered   NotificationKind = "fcp-entered"
	NotifyFinished  NotificationKind = "fcp-finished"
	NotifyPostponed NotificationKind = "postponed"
	NotifyCancelled NotificationKind = "fcp-cancelled"
	NotifyClosed    NotificationKind = "closed"
	NotifyAttention NotificationKind = "attention"
)

// Notification is an outbox entry for the remote tracker
type Notification struct {
	ID           int64            `json:"id"`
	ProposalID   int64            `json:"proposal_id"`
	Repository   string           `json:"repository"`
	Number       int              `json:"number"`
	Kind         NotificationKind `json:"kind"`
	Body         string           `json:"body,omitempty"` // Empty means no comment is posted
	AddLabels    []string         `json:"add_labels,omitempty"`
	RemoveLabels []string         `json:"remove_labels,omitempty"`
	Attempts     int              `json:"attempts"`
	LastError    string           `json:"last_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty"` // Set while a deliverer holds the row
	DeliveredAt  *time.Time       `json:"delivered_at,omitempty"`
}

// IsEmpty reports whether delivering the notification requires no remote call
func (n *Notification) IsEmpty() bool {
	return n.Body == "" && len(n.AddLabels) == 0 && len(n.RemoveLabels) == 0
}

// Watermark records how far a repository has been ingested
type Watermark struct {
	Repository    string     `json:"repository"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"` // Start of the last fully ingested sweep; nil if never synced
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}
