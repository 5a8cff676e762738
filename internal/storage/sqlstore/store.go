// Package sqlstore implements storage.Storage on top of gorm. SQLite is the
// default engine; Postgres and MySQL are selected by DSN scheme.
package sqlstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/types"
)

// Store is the gorm-backed storage.Storage
type Store struct {
	queries
	dialect Dialect
	logger  *slog.Logger
}

var _ storage.Storage = (*Store)(nil)

type options struct {
	logger  *slog.Logger
	tracing bool
}

// Option configures Open
type Option func(*options)

// WithLogger sets the logger used for store lifecycle messages
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracing enables or disables OpenTelemetry spans for every query
func WithTracing(enabled bool) Option {
	return func(o *options) { o.tracing = enabled }
}

const (
	openRetryMaxElapsed = 30 * time.Second
	txRetryInitial      = 50 * time.Millisecond
	txRetryMax          = time.Second
	txMaxRetries        = 5
)

// Open connects to dsn, waits for the database to answer and migrates the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{tracing: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dialector, dialect, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return ts(time.Now()) },
	})
	if err != nil {
		return nil, fault.Config("open database", fmt.Errorf("%s: %w", redact(dsn), err))
	}
	if o.tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fault.Internal("configure tracing", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fault.Internal("open database", err)
	}
	if dialect == DialectSQLite {
		// A single writer connection keeps SQLite from returning SQLITE_BUSY
		// between our own goroutines.
		sqlDB.SetMaxOpenConns(1)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openRetryMaxElapsed
	err = backoff.Retry(func() error {
		if err := sqlDB.PingContext(ctx); err != nil {
			if isRetryableError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = sqlDB.Close()
		return nil, fault.Transient("connect database", fmt.Errorf("%s: %w", redact(dsn), err))
	}

	if err := db.WithContext(ctx).AutoMigrate(migrateModels...); err != nil {
		_ = sqlDB.Close()
		return nil, fault.Internal("migrate schema", err)
	}

	o.logger.Debug("store opened", "dialect", dialect, "dsn", redact(dsn))
	return &Store{queries: queries{db: db}, dialect: dialect, logger: o.logger}, nil
}

// Dialect reports the SQL engine in use
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks that the database still answers
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fault.Internal("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fault.Internal("ping", err)
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry executes an operation with retry for transient errors.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = txRetryInitial
	bo.MaxInterval = txRetryMax
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, txMaxRetries), ctx))
}

// RunInTransaction executes fn inside a single database transaction. A
// returned error rolls back every write; transient lock failures re-run fn.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			return fn(&txn{queries{db: gtx}})
		})
	})
}

// txn is the storage.Transaction handed to RunInTransaction callbacks
type txn struct {
	queries
}

var _ storage.Transaction = (*txn)(nil)

// MissingIdentities returns the logins that have no identity row
func (s *Store) MissingIdentities(ctx context.Context, logins []string) ([]string, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	lower := make([]string, len(logins))
	for i, l := range logins {
		lower[i] = strings.ToLower(l)
	}
	var known []string
	err := s.conn(ctx).Model(&identityRow{}).Where("login IN ?", lower).Pluck("login", &known).Error
	if err != nil {
		return nil, wrapDBError("lookup identities", err)
	}
	seen := make(map[string]bool, len(known))
	for _, k := range known {
		seen[k] = true
	}
	var missing []string
	for _, l := range lower {
		if !seen[l] {
			missing = append(missing, l)
			seen[l] = true
		}
	}
	return missing, nil
}

// EnsureIdentities inserts every missing login and returns how many were created
func (s *Store) EnsureIdentities(ctx context.Context, logins []string) (int, error) {
	created := 0
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		created = 0
		t := tx.(*txn)
		for _, login := range logins {
			row := identityRow{Login: strings.ToLower(login), CreatedAt: ts(time.Now())}
			res := t.conn(ctx).Clauses(doNothingOn("login")).Create(&row)
			if res.Error != nil {
				return wrapDBErrorf(res.Error, "create identity %s", login)
			}
			created += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// GetIdentity returns the identity row for login
func (s *Store) GetIdentity(ctx context.Context, login string) (*types.Identity, error) {
	var row identityRow
	if err := s.conn(ctx).Where("login = ?", strings.ToLower(login)).Take(&row).Error; err != nil {
		return nil, wrapDBErrorf(err, "get identity %s", login)
	}
	return row.toIdentity(), nil
}

// ListWatermarks returns every repository watermark ordered by repository
func (s *Store) ListWatermarks(ctx context.Context) ([]*types.Watermark, error) {
	var rows []watermarkRow
	if err := s.conn(ctx).Order("repository").Find(&rows).Error; err != nil {
		return nil, wrapDBError("list watermarks", err)
	}
	out := make([]*types.Watermark, len(rows))
	for i := range rows {
		out[i] = rows[i].toWatermark()
	}
	return out, nil
}

// RecordSyncFailure notes a failed sweep without moving the watermark
func (s *Store) RecordSyncFailure(ctx context.Context, repo string, at time.Time, cause string) error {
	at = ts(at)
	return s.withRetry(ctx, func() error {
		row := watermarkRow{Repository: repo, LastAttemptAt: &at, LastError: cause}
		res := s.conn(ctx).Clauses(doNothingOn("repository")).Create(&row)
		if res.Error != nil {
			return wrapDBErrorf(res.Error, "record sync failure %s", repo)
		}
		if res.RowsAffected > 0 {
			return nil
		}
		err := s.conn(ctx).Model(&watermarkRow{}).Where("repository = ?", repo).
			Updates(map[string]any{"last_attempt_at": at, "last_error": cause}).Error
		return wrapDBErrorf(err, "record sync failure %s", repo)
	})
}

// PendingNotifications returns undelivered outbox rows in enqueue order.
// An empty repo means every repository.
func (s *Store) PendingNotifications(ctx context.Context, repo string, limit int) ([]*types.Notification, error) {
	tx := s.conn(ctx).Where("delivered_at IS NULL")
	if repo != "" {
		tx = tx.Where("repository = ?", repo)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []notificationRow
	if err := tx.Order("id").Find(&rows).Error; err != nil {
		return nil, wrapDBError("pending notifications", err)
	}
	out := make([]*types.Notification, len(rows))
	for i := range rows {
		out[i] = rows[i].toNotification()
	}
	return out, nil
}

// ClaimNotification leases row id to the caller. The conditional update is
// the lease: exactly one concurrent claimant sees a row affected.
func (s *Store) ClaimNotification(ctx context.Context, id int64, at time.Time, lease time.Duration) (bool, error) {
	var claimed bool
	err := s.withRetry(ctx, func() error {
		res := s.conn(ctx).Model(&notificationRow{}).
			Where("id = ? AND delivered_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?)", id, ts(at.Add(-lease))).
			Update("claimed_at", ts(at))
		if res.Error != nil {
			return wrapDBErrorf(res.Error, "claim notification %d", id)
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	return claimed, err
}

// MarkNotificationDelivered records a successful delivery. Delivering twice is a no-op.
func (s *Store) MarkNotificationDelivered(ctx context.Context, id int64, at time.Time) error {
	return s.withRetry(ctx, func() error {
		err := s.conn(ctx).Model(&notificationRow{}).
			Where("id = ? AND delivered_at IS NULL", id).
			Updates(map[string]any{"delivered_at": ts(at), "last_error": ""}).Error
		return wrapDBErrorf(err, "mark notification %d delivered", id)
	})
}

// MarkNotificationFailed counts a failed attempt and releases the claim;
// the row stays pending
func (s *Store) MarkNotificationFailed(ctx context.Context, id int64, cause string) error {
	return s.withRetry(ctx, func() error {
		err := s.conn(ctx).Model(&notificationRow{}).
			Where("id = ? AND delivered_at IS NULL", id).
			Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": cause, "claimed_at": nil}).Error
		return wrapDBErrorf(err, "mark notification %d failed", id)
	})
}
