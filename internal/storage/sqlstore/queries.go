package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/types"
)

// queries implements every read and idempotent write against a gorm handle.
// The handle is either the pool (Store) or an open transaction (txn).
type queries struct {
	db *gorm.DB
}

func (q queries) conn(ctx context.Context) *gorm.DB {
	return q.db.WithContext(ctx)
}

func doNothingOn(columns ...string) clause.OnConflict {
	cols := make([]clause.Column, len(columns))
	for i, c := range columns {
		cols[i] = clause.Column{Name: c}
	}
	return clause.OnConflict{Columns: cols, DoNothing: true}
}

// GetProposal returns the proposal for repo#number
func (q queries) GetProposal(ctx context.Context, repo string, number int) (*types.Proposal, error) {
	var row proposalRow
	err := q.conn(ctx).Where("repository = ? AND number = ?", repo, number).Take(&row).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "get proposal %s#%d", repo, number)
	}
	return row.toProposal(), nil
}

// GetProposalByID returns the proposal with the given internal id
func (q queries) GetProposalByID(ctx context.Context, id int64) (*types.Proposal, error) {
	var row proposalRow
	if err := q.conn(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, wrapDBErrorf(err, "get proposal %d", id)
	}
	return row.toProposal(), nil
}

// ListProposals returns proposals matching filter ordered by repository and number
func (q queries) ListProposals(ctx context.Context, filter storage.ProposalFilter) ([]*types.Proposal, error) {
	tx := q.conn(ctx).Model(&proposalRow{})
	if filter.Repository != "" {
		tx = tx.Where("repository = ?", filter.Repository)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		tx = tx.Where("status IN ?", statuses)
	}
	if len(filter.IDs) > 0 {
		tx = tx.Where("id IN ?", filter.IDs)
	}
	if filter.Attention != nil {
		tx = tx.Where("needs_attention = ?", *filter.Attention)
	}
	if filter.Unsettled {
		tx = tx.Where(
			"(status IN ? OR (status NOT IN ? AND remote_state <> ?) OR EXISTS (?))",
			[]string{string(types.StatusFcpProposed), string(types.StatusFcpActive)},
			[]string{string(types.StatusClosed), string(types.StatusMerged)},
			string(types.RemoteOpen),
			q.db.Session(&gorm.Session{NewDB: true}).Model(&markerRow{}).Select("1").
				Where("markers.proposal_id = proposals.id AND markers.processed = ?", false),
		)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var rows []proposalRow
	if err := tx.Order("repository, number").Find(&rows).Error; err != nil {
		return nil, wrapDBError("list proposals", err)
	}
	out := make([]*types.Proposal, len(rows))
	for i := range rows {
		out[i] = rows[i].toProposal()
	}
	return out, nil
}

// ListSignOffs returns all sign-off rows of a proposal, ordered by login
func (q queries) ListSignOffs(ctx context.Context, proposalID int64) ([]*types.SignOff, error) {
	var rows []signOffRow
	if err := q.conn(ctx).Where("proposal_id = ?", proposalID).Order("login").Find(&rows).Error; err != nil {
		return nil, wrapDBErrorf(err, "list sign-offs of %d", proposalID)
	}
	out := make([]*types.SignOff, len(rows))
	for i := range rows {
		out[i] = rows[i].toSignOff()
	}
	return out, nil
}

// ListConcerns returns every concern of a proposal in the order they were raised
func (q queries) ListConcerns(ctx context.Context, proposalID int64) ([]*types.Concern, error) {
	var rows []concernRow
	if err := q.conn(ctx).Where("proposal_id = ?", proposalID).Order("raised_at, id").Find(&rows).Error; err != nil {
		return nil, wrapDBErrorf(err, "list concerns of %d", proposalID)
	}
	out := make([]*types.Concern, len(rows))
	for i := range rows {
		out[i] = rows[i].toConcern()
	}
	return out, nil
}

// GetWatermark returns the sync watermark of repo
func (q queries) GetWatermark(ctx context.Context, repo string) (*types.Watermark, error) {
	var row watermarkRow
	if err := q.conn(ctx).Where("repository = ?", repo).Take(&row).Error; err != nil {
		return nil, wrapDBErrorf(err, "get watermark %s", repo)
	}
	return row.toWatermark(), nil
}

// EnsureIdentity inserts login if absent and records githubID when it was unknown
func (q queries) EnsureIdentity(ctx context.Context, login string, githubID int64) error {
	login = strings.ToLower(login)
	row := identityRow{Login: login, GitHubID: githubID, CreatedAt: ts(time.Now())}
	res := q.conn(ctx).Clauses(doNothingOn("login")).Create(&row)
	if res.Error != nil {
		return wrapDBErrorf(res.Error, "ensure identity %s", login)
	}
	if res.RowsAffected == 0 && githubID != 0 {
		err := q.conn(ctx).Model(&identityRow{}).
			Where("login = ? AND github_id = 0", login).
			Update("github_id", githubID).Error
		return wrapDBErrorf(err, "record github id of %s", login)
	}
	return nil
}

// UpsertProposal inserts p or refreshes its remote fields (last-write-wins
// on RemoteUpdatedAt). Lifecycle fields are never touched here.
func (q queries) UpsertProposal(ctx context.Context, p *types.Proposal) (int64, bool, error) {
	now := ts(time.Now())
	row := proposalRow{
		Repository:      p.Repository,
		Number:          p.Number,
		Title:           p.Title,
		Author:          strings.ToLower(p.Author),
		Labels:          encodeList(p.Labels),
		RemoteState:     string(p.RemoteState),
		RemoteUpdatedAt: ts(p.RemoteUpdatedAt),
		Status:          string(types.StatusOpen),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	res := q.conn(ctx).Clauses(doNothingOn("repository", "number")).Create(&row)
	if res.Error != nil {
		return 0, false, wrapDBErrorf(res.Error, "insert proposal %s#%d", p.Repository, p.Number)
	}
	if res.RowsAffected > 0 && row.ID != 0 {
		p.ID = row.ID
		p.Status = types.StatusOpen
		return row.ID, true, nil
	}

	err := q.conn(ctx).Model(&proposalRow{}).
		Where("repository = ? AND number = ? AND remote_updated_at < ?", p.Repository, p.Number, row.RemoteUpdatedAt).
		Updates(map[string]any{
			"title":             row.Title,
			"author":            row.Author,
			"labels":            row.Labels,
			"remote_state":      row.RemoteState,
			"remote_updated_at": row.RemoteUpdatedAt,
			"updated_at":        now,
		}).Error
	if err != nil {
		return 0, false, wrapDBErrorf(err, "update proposal %s#%d", p.Repository, p.Number)
	}

	var existing proposalRow
	err = q.conn(ctx).Select("id", "status").
		Where("repository = ? AND number = ?", p.Repository, p.Number).
		Take(&existing).Error
	if err != nil {
		return 0, false, wrapDBErrorf(err, "get proposal %s#%d", p.Repository, p.Number)
	}
	p.ID = existing.ID
	p.Status = types.Status(existing.Status)
	return existing.ID, false, nil
}

// TransitionProposal writes p's lifecycle fields if the stored status is still from
func (q queries) TransitionProposal(ctx context.Context, p *types.Proposal, from types.Status) error {
	res := q.conn(ctx).Model(&proposalRow{}).
		Where("id = ? AND status = ?", p.ID, string(from)).
		Updates(map[string]any{
			"status":           string(p.Status),
			"disposition":      string(p.Disposition),
			"proposed_by":      p.ProposedBy,
			"fcp_proposed_at":  tsPtr(p.FcpProposedAt),
			"fcp_started_at":   tsPtr(p.FcpStartedAt),
			"needs_attention":  p.NeedsAttention,
			"attention_reason": p.AttentionReason,
			"updated_at":       ts(time.Now()),
		})
	if res.Error != nil {
		return wrapDBErrorf(res.Error, "transition proposal %d", p.ID)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transition proposal %d from %s to %s: %w", p.ID, from, p.Status, storage.ErrConflict)
	}
	return nil
}

// SetAttention sets or clears the human-action flag of a proposal
func (q queries) SetAttention(ctx context.Context, id int64, needs bool, reason string) error {
	err := q.conn(ctx).Model(&proposalRow{}).Where("id = ?", id).Updates(map[string]any{
		"needs_attention":  needs,
		"attention_reason": reason,
		"updated_at":       ts(time.Now()),
	}).Error
	return wrapDBErrorf(err, "set attention on %d", id)
}

// EnsureSignOff creates an unchecked sign-off row if none exists
func (q queries) EnsureSignOff(ctx context.Context, proposalID int64, login string, at time.Time) error {
	row := signOffRow{ProposalID: proposalID, Login: strings.ToLower(login), ChangedAt: ts(at)}
	err := q.conn(ctx).Clauses(doNothingOn("proposal_id", "login")).Create(&row).Error
	return wrapDBErrorf(err, "ensure sign-off %d/%s", proposalID, login)
}

// SetSignOff records a checkbox state, last-write-wins on at
func (q queries) SetSignOff(ctx context.Context, proposalID int64, login string, checked bool, at time.Time) error {
	row := signOffRow{ProposalID: proposalID, Login: strings.ToLower(login), Checked: checked, ChangedAt: ts(at)}
	res := q.conn(ctx).Clauses(doNothingOn("proposal_id", "login")).Create(&row)
	if res.Error != nil {
		return wrapDBErrorf(res.Error, "insert sign-off %d/%s", proposalID, login)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	err := q.conn(ctx).Model(&signOffRow{}).
		Where("proposal_id = ? AND login = ? AND changed_at < ?", proposalID, row.Login, row.ChangedAt).
		Updates(map[string]any{"checked": checked, "changed_at": row.ChangedAt}).Error
	return wrapDBErrorf(err, "update sign-off %d/%s", proposalID, login)
}

// ResetSignOffs unchecks every sign-off of a proposal older than at
func (q queries) ResetSignOffs(ctx context.Context, proposalID int64, at time.Time) error {
	err := q.conn(ctx).Model(&signOffRow{}).
		Where("proposal_id = ? AND changed_at < ?", proposalID, ts(at)).
		Updates(map[string]any{"checked": false, "changed_at": ts(at)}).Error
	return wrapDBErrorf(err, "reset sign-offs of %d", proposalID)
}

// RaiseConcern opens a concern. A resolved concern is reopened only when
// the raise is newer than its resolution, so replaying old comments never
// undoes a later resolve.
func (q queries) RaiseConcern(ctx context.Context, proposalID int64, raisedBy, name string, at time.Time) error {
	row := concernRow{ProposalID: proposalID, RaisedBy: strings.ToLower(raisedBy), Name: name, RaisedAt: ts(at)}
	res := q.conn(ctx).Clauses(doNothingOn("proposal_id", "raised_by", "name")).Create(&row)
	if res.Error != nil {
		return wrapDBErrorf(res.Error, "insert concern %q on %d", name, proposalID)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	err := q.conn(ctx).Model(&concernRow{}).
		Where("proposal_id = ? AND raised_by = ? AND name = ? AND resolved = ? AND resolved_at < ?",
			proposalID, row.RaisedBy, name, true, row.RaisedAt).
		Updates(map[string]any{"resolved": false, "raised_at": row.RaisedAt, "resolved_at": nil}).Error
	return wrapDBErrorf(err, "reopen concern %q on %d", name, proposalID)
}

// ResolveConcern resolves every open concern called name that was raised
// no later than at. Returns the number of concerns resolved.
func (q queries) ResolveConcern(ctx context.Context, proposalID int64, name string, at time.Time) (int, error) {
	resolvedAt := ts(at)
	res := q.conn(ctx).Model(&concernRow{}).
		Where("proposal_id = ? AND name = ? AND resolved = ? AND raised_at <= ?", proposalID, name, false, resolvedAt).
		Updates(map[string]any{"resolved": true, "resolved_at": resolvedAt})
	if res.Error != nil {
		return 0, wrapDBErrorf(res.Error, "resolve concern %q on %d", name, proposalID)
	}
	return int(res.RowsAffected), nil
}

// AddMarker stores a parsed FCP command once per comment line
func (q queries) AddMarker(ctx context.Context, m *types.Marker) (bool, error) {
	row := markerRow{
		ProposalID:  m.ProposalID,
		Repository:  m.Repository,
		CommentID:   m.CommentID,
		Line:        m.Line,
		Kind:        string(m.Kind),
		Disposition: string(m.Disposition),
		Author:      strings.ToLower(m.Author),
		PostedAt:    ts(m.PostedAt),
	}
	res := q.conn(ctx).Clauses(doNothingOn("repository", "comment_id", "line")).Create(&row)
	if res.Error != nil {
		return false, wrapDBErrorf(res.Error, "add marker %s/%d:%d", m.Repository, m.CommentID, m.Line)
	}
	if res.RowsAffected > 0 {
		m.ID = row.ID
		return true, nil
	}
	return false, nil
}

// PendingMarkers returns unprocessed markers of a proposal in posting order
func (q queries) PendingMarkers(ctx context.Context, proposalID int64) ([]*types.Marker, error) {
	var rows []markerRow
	err := q.conn(ctx).
		Where("proposal_id = ? AND processed = ?", proposalID, false).
		Order("posted_at, comment_id, line").
		Find(&rows).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "pending markers of %d", proposalID)
	}
	out := make([]*types.Marker, len(rows))
	for i := range rows {
		out[i] = rows[i].toMarker()
	}
	return out, nil
}

// MarkMarkersProcessed flags markers as consumed by the state machine
func (q queries) MarkMarkersProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.conn(ctx).Model(&markerRow{}).Where("id IN ?", ids).Update("processed", true).Error
	return wrapDBError("mark markers processed", err)
}

// EnqueueNotification adds an outbox entry and sets n.ID
func (q queries) EnqueueNotification(ctx context.Context, n *types.Notification) error {
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	row := notificationRow{
		ProposalID:   n.ProposalID,
		Repository:   n.Repository,
		Number:       n.Number,
		Kind:         string(n.Kind),
		Body:         n.Body,
		AddLabels:    encodeList(n.AddLabels),
		RemoveLabels: encodeList(n.RemoveLabels),
		CreatedAt:    ts(created),
	}
	if err := q.conn(ctx).Create(&row).Error; err != nil {
		return wrapDBErrorf(err, "enqueue %s notification for %s#%d", n.Kind, n.Repository, n.Number)
	}
	n.ID = row.ID
	n.CreatedAt = row.CreatedAt
	return nil
}

// AdvanceWatermark moves the watermark of repo forward to `to`
func (q queries) AdvanceWatermark(ctx context.Context, repo string, to time.Time) error {
	to = ts(to)
	row := watermarkRow{Repository: repo, SyncedAt: &to, LastAttemptAt: &to}
	res := q.conn(ctx).Clauses(doNothingOn("repository")).Create(&row)
	if res.Error != nil {
		return wrapDBErrorf(res.Error, "insert watermark %s", repo)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	err := q.conn(ctx).Model(&watermarkRow{}).
		Where("repository = ? AND (synced_at IS NULL OR synced_at < ?)", repo, to).
		Updates(map[string]any{"synced_at": to, "last_attempt_at": to, "last_error": ""}).Error
	return wrapDBErrorf(err, "advance watermark %s", repo)
}
