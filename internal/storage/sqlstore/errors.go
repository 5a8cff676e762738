package sqlstore

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/storage"
)

// MySQL server error numbers worth a retry
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// wrapDBError wraps a database error with operation context.
// It converts missing rows to storage.ErrNotFound and tags connection-level
// failures as transient faults.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if fault.KindOf(err) != "" || errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isRetryableError(err) {
		return fault.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapDBErrorf wraps a database error with formatted operation context
func wrapDBErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return wrapDBError(fmt.Sprintf(format, args...), err)
}

// isRetryableError returns true if the error is a transient lock or
// connection error that should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock:
			return true
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, transient := range []string{
		"database is locked", // SQLITE_BUSY past busy_timeout
		"sqlite_busy",
		"deadlock detected",          // postgres 40P01
		"could not serialize access", // postgres 40001
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection", // MySQL 2013
		"gone away",       // MySQL 2006
		"i/o timeout",
	} {
		if strings.Contains(errStr, transient) {
			return true
		}
	}
	return false
}
