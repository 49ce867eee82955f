package dbconn

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
	errQueryKilled     = 1836
)

// canRetryError decides whether a MySQL error is transient: safe to
// rollback and retry the whole transaction from scratch.
func canRetryError(err error) bool {
	var errNumber uint16
	if val, ok := err.(*mysql.MySQLError); ok {
		errNumber = val.Number
	}
	switch errNumber {
	case errLockWaitTimeout, errDeadlock, errCannotConnect,
		errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

// RetryableExec runs stmts (empty ones skipped) inside one transaction,
// retrying the whole transaction up to config.MaxRetries times on a
// transient error. Kept for a future source-side write path -- today
// every mutation the replicator performs targets the ClickHouse target
// client, not this source *sql.DB, so this function is exercised only
// by dbconn_test.go.
func RetryableExec(ctx context.Context, db *sql.DB, config *Config, stmts ...string) (rowsAffected int64, err error) {
RETRYLOOP:
	for i := 0; i < config.MaxRetries; i++ {
		var trx *sql.Tx
		if trx, err = db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}); err != nil {
			backoff(i)
			continue RETRYLOOP
		}
		var affected int64
		for _, stmt := range stmts {
			if stmt == "" {
				continue
			}
			res, execErr := trx.ExecContext(ctx, stmt)
			if execErr != nil {
				_ = trx.Rollback()
				if canRetryError(execErr) {
					err = execErr
					backoff(i)
					continue RETRYLOOP
				}
				return affected, execErr
			}
			if n, rerr := res.RowsAffected(); rerr == nil {
				affected += n
			}
		}
		if commitErr := trx.Commit(); commitErr != nil {
			_ = trx.Rollback()
			err = commitErr
			backoff(i)
			continue RETRYLOOP
		}
		return affected, nil
	}
	return 0, err
}

// Retryable runs fn, retrying up to config.MaxRetries times if fn
// returns a transient MySQL error. Unlike RetryableExec it has no
// transaction of its own to roll back -- it exists for read-only calls
// (the Initial Snapshotter's paged scans and schema introspection) that
// can hit the same transient errors a write transaction can but don't
// need BeginTx/Commit bookkeeping.
func Retryable(config *Config, fn func() error) error {
	var err error
	for i := 0; i < config.MaxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !canRetryError(err) {
			return err
		}
		backoff(i)
	}
	return err
}

func backoff(attempt int) {
	jitter := time.Duration(attempt) * time.Duration(rand.Intn(10)) * time.Millisecond
	time.Sleep(jitter)
}
