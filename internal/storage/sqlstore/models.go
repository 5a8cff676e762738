package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/fcpbot/fcpbot/internal/types"
)

// identityRow is a remote account seen by the bot or listed in the roster
type identityRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Login     string    `gorm:"size:100;not null;uniqueIndex:idx_identities_login"`
	GitHubID  int64     `gorm:"column:github_id;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (identityRow) TableName() string { return "identities" }

type proposalRow struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	Repository      string    `gorm:"size:200;not null;uniqueIndex:idx_proposals_repo_number,priority:1;index:idx_proposals_repo_status,priority:1"`
	Number          int       `gorm:"not null;uniqueIndex:idx_proposals_repo_number,priority:2"`
	Title           string    `gorm:"size:1024"`
	Author          string    `gorm:"size:100"`
	Labels          string    `gorm:"type:text"` // JSON array
	RemoteState     string    `gorm:"size:16;not null"`
	RemoteUpdatedAt time.Time `gorm:"not null"`
	Status          string    `gorm:"size:32;not null;index:idx_proposals_repo_status,priority:2"`
	Disposition     string    `gorm:"size:16"`
	ProposedBy      string    `gorm:"size:100"`
	FcpProposedAt   *time.Time
	FcpStartedAt    *time.Time
	NeedsAttention  bool   `gorm:"not null"`
	AttentionReason string `gorm:"size:255"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (proposalRow) TableName() string { return "proposals" }

type signOffRow struct {
	ProposalID int64     `gorm:"primaryKey;autoIncrement:false"`
	Login      string    `gorm:"primaryKey;size:100"`
	Checked    bool      `gorm:"not null"`
	ChangedAt  time.Time `gorm:"not null"`
}

func (signOffRow) TableName() string { return "sign_offs" }

type concernRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	ProposalID int64     `gorm:"not null;uniqueIndex:idx_concerns_key,priority:1"`
	RaisedBy   string    `gorm:"size:100;not null;uniqueIndex:idx_concerns_key,priority:2"`
	Name       string    `gorm:"size:255;not null;uniqueIndex:idx_concerns_key,priority:3"`
	Resolved   bool      `gorm:"not null"`
	RaisedAt   time.Time `gorm:"not null"`
	ResolvedAt *time.Time
}

func (concernRow) TableName() string { return "concerns" }

type markerRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	ProposalID  int64     `gorm:"not null;index:idx_markers_pending,priority:1"`
	Repository  string    `gorm:"size:200;not null;uniqueIndex:idx_markers_key,priority:1"`
	CommentID   int64     `gorm:"not null;uniqueIndex:idx_markers_key,priority:2"`
	Line        int       `gorm:"not null;uniqueIndex:idx_markers_key,priority:3"`
	Kind        string    `gorm:"size:16;not null"`
	Disposition string    `gorm:"size:16"`
	Author      string    `gorm:"size:100;not null"`
	PostedAt    time.Time `gorm:"not null"`
	Processed   bool      `gorm:"not null;index:idx_markers_pending,priority:2"`
}

func (markerRow) TableName() string { return "markers" }

type notificationRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	ProposalID   int64  `gorm:"not null;index:idx_notifications_proposal"`
	Repository   string `gorm:"size:200;not null;index:idx_notifications_pending,priority:1"`
	Number       int    `gorm:"not null"`
	Kind         string `gorm:"size:32;not null"`
	Body         string `gorm:"type:text"`
	AddLabels    string `gorm:"type:text"` // JSON array
	RemoveLabels string `gorm:"type:text"` // JSON array
	Attempts     int    `gorm:"not null"`
	LastError    string `gorm:"type:text"`
	CreatedAt    time.Time
	ClaimedAt    *time.Time
	DeliveredAt  *time.Time `gorm:"index:idx_notifications_pending,priority:2"`
}

func (notificationRow) TableName() string { return "notifications" }

type watermarkRow struct {
	Repository    string `gorm:"primaryKey;size:200"`
	SyncedAt      *time.Time
	LastAttemptAt *time.Time
	LastError     string `gorm:"type:text"`
}

func (watermarkRow) TableName() string { return "watermarks" }

// migrateModels lists every table in creation order
var migrateModels = []any{
	&identityRow{},
	&proposalRow{},
	&signOffRow{},
	&concernRow{},
	&markerRow{},
	&notificationRow{},
	&watermarkRow{},
}

// ts normalizes a timestamp before it is stored or compared in SQL. All
// dialects keep at least millisecond precision, so truncating keeps
// last-write-wins comparisons stable across round trips.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func tsPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ts(*t)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func encodeList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *identityRow) toIdentity() *types.Identity {
	return &types.Identity{
		ID:        r.ID,
		Login:     r.Login,
		GitHubID:  r.GitHubID,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (r *proposalRow) toProposal() *types.Proposal {
	return &types.Proposal{
		ID:              r.ID,
		Repository:      r.Repository,
		Number:          r.Number,
		Title:           r.Title,
		Author:          r.Author,
		Labels:          decodeList(r.Labels),
		RemoteState:     types.RemoteState(r.RemoteState),
		RemoteUpdatedAt: r.RemoteUpdatedAt.UTC(),
		Status:          types.Status(r.Status),
		Disposition:     types.Disposition(r.Disposition),
		ProposedBy:      r.ProposedBy,
		FcpProposedAt:   utcPtr(r.FcpProposedAt),
		FcpStartedAt:    utcPtr(r.FcpStartedAt),
		NeedsAttention:  r.NeedsAttention,
		AttentionReason: r.AttentionReason,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func (r *signOffRow) toSignOff() *types.SignOff {
	return &types.SignOff{
		ProposalID: r.ProposalID,
		Login:      r.Login,
		Checked:    r.Checked,
		ChangedAt:  r.ChangedAt.UTC(),
	}
}

func (r *concernRow) toConcern() *types.Concern {
	return &types.Concern{
		ProposalID: r.ProposalID,
		RaisedBy:   r.RaisedBy,
		Name:       r.Name,
		Resolved:   r.Resolved,
		RaisedAt:   r.RaisedAt.UTC(),
		ResolvedAt: utcPtr(r.ResolvedAt),
	}
}

func (r *markerRow) toMarker() *types.Marker {
	return &types.Marker{
		ID:          r.ID,
		ProposalID:  r.ProposalID,
		Repository:  r.Repository,
		CommentID:   r.CommentID,
		Line:        r.Line,
		Kind:        types.MarkerKind(r.Kind),
		Disposition: types.Disposition(r.Disposition),
		Author:      r.Author,
		PostedAt:    r.PostedAt.UTC(),
		Processed:   r.Processed,
	}
}

func (r *notificationRow) toNotification() *types.Notification {
	return &types.Notification{
		ID:           r.ID,
		ProposalID:   r.ProposalID,
		Repository:   r.Repository,
		Number:       r.Number,
		Kind:         types.NotificationKind(r.Kind),
		Body:         r.Body,
		AddLabels:    decodeList(r.AddLabels),
		RemoveLabels: decodeList(r.RemoveLabels),
		Attempts:     r.Attempts,
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt.UTC(),
		ClaimedAt:    utcPtr(r.ClaimedAt),
		DeliveredAt:  utcPtr(r.DeliveredAt),
	}
}

func (r *watermarkRow) toWatermark() *types.Watermark {
	return &types.Watermark{
		Repository:    r.Repository,
		SyncedAt:      utcPtr(r.SyncedAt),
		LastAttemptAt: utcPtr(r.LastAttemptAt),
		LastError:     r.LastError,
	}
}
