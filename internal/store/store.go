// Package store wraps the relational connection backing the persisted
// ClientRow table: connection handling, transactional retry on a
// serialization conflict, and the upsert-increment used by the mutation
// processor to advance a client's lastMutationID.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/syncbridge/mutsync/internal/debug"
	"github.com/syncbridge/mutsync/internal/wire"
)

// mysqlDeadlock and mysqlLockWaitTimeout are the server error numbers that
// indicate a transaction lost a serialization race and should be retried.
const (
	mysqlDeadlock        = 1213
	mysqlLockWaitTimeout = 1205
)

// Store owns the *sql.DB connection to the relational backend (Dolt in
// embedded or server mode, or plain MySQL) and the schema it was created
// against.
type Store struct {
	db     *sql.DB
	Schema string
}

// Open wraps an already-connected *sql.DB. The caller is responsible for
// driver selection (dolthub/driver for embedded Dolt, go-sql-driver/mysql
// for server mode) and for calling EnsureSchema once at startup.
func Open(db *sql.DB, schema string) *Store {
	return &Store{db: db, Schema: schema}
}

// Row is the result of a single-row query, satisfied by *sql.Row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Tx is the subset of *sql.Tx a transactional operation needs; narrowed to
// an interface so callers can be tested against a fake.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) Row
}

// sqlTx adapts *sql.Tx to the Tx interface: its QueryRowContext returns the
// concrete *sql.Row widened to Row.
type sqlTx struct{ tx *sql.Tx }

func (s sqlTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s sqlTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) Row {
	return s.tx.QueryRowContext(ctx, query, args...)
}

// RunInTransaction runs fn inside a new transaction, retrying the whole
// attempt with exponential backoff if it fails on a serialization conflict
// (deadlock or lock-wait timeout). Any other error, or running out of the
// backoff's elapsed-time budget, is returned immediately.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	attempts := 0

	return backoff.Retry(func() error {
		attempts++
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if isSerializationConflict(err) {
			debug.Logf("store: retrying transaction after serialization conflict (attempt %d): %v", attempts, err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTxRaw, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = sqlTxRaw.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, sqlTx{tx: sqlTxRaw}); err != nil {
		_ = sqlTxRaw.Rollback()
		return err
	}
	return sqlTxRaw.Commit()
}

func isSerializationConflict(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDeadlock || mysqlErr.Number == mysqlLockWaitTimeout
	}
	return false
}

// Ping verifies the connection is live with a trivial round trip (the same
// SELECT 1 the doctor wizard's store-connectivity check issues itself).
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// UpsertIncrementLMID inserts a fresh (clientGroupID, clientID) row at
// lastMutationID=1, or if one already exists, increments its
// lastMutationID by one. It returns the row's lastMutationID after the
// operation, which is what the caller compares against the incoming
// mutation's ID to classify it as a duplicate, out-of-order, or the
// expected next mutation.
func UpsertIncrementLMID(ctx context.Context, tx Tx, schema, clientGroupID, clientID string) (int64, error) {
	upsert := fmt.Sprintf(`INSERT INTO %s.clients (clientGroupID, clientID, lastMutationID)
		VALUES (?, ?, 1)
		ON DUPLICATE KEY UPDATE lastMutationID = lastMutationID + 1`, schema)
	if _, err := tx.ExecContext(ctx, upsert, clientGroupID, clientID); err != nil {
		return 0, fmt.Errorf("upsert client row: %w", err)
	}

	var lmid int64
	selectStmt := fmt.Sprintf(`SELECT lastMutationID FROM %s.clients WHERE clientGroupID = ? AND clientID = ?`, schema)
	if err := tx.QueryRowContext(ctx, selectStmt, clientGroupID, clientID).Scan(&lmid); err != nil {
		return 0, fmt.Errorf("read incremented lastMutationID: %w", err)
	}
	return lmid, nil
}

// GetClientRow reads the current row for (clientGroupID, clientID), if any.
func GetClientRow(ctx context.Context, tx Tx, schema, clientGroupID, clientID string) (*wire.ClientRow, bool, error) {
	stmt := fmt.Sprintf(`SELECT clientGroupID, clientID, lastMutationID, COALESCE(userID, '') FROM %s.clients WHERE clientGroupID = ? AND clientID = ?`, schema)
	row := tx.QueryRowContext(ctx, stmt, clientGroupID, clientID)

	var out wire.ClientRow
	if err := row.Scan(&out.ClientGroupID, &out.ClientID, &out.LastMutationID, &out.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read client row: %w", err)
	}
	return &out, true, nil
}
