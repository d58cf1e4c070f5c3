package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Query is the read-only facade a mutator uses to look up rows it needs to
// decide how to apply itself. It shares the mutation's transaction, so
// reads see that transaction's own uncommitted writes.
type Query struct {
	schema string
	tx     Tx
}

// NewQuery returns a read-only facade over tx scoped to schema, for use by
// the processor when dispatching a custom mutator.
func NewQuery(schema string, tx Tx) *Query {
	return &Query{schema: schema, tx: tx}
}

// Row fetches a single row's named columns by primary key, scanning them
// into dest in order. Returns false if no row matches.
func (q *Query) Row(ctx context.Context, table string, pkCols []string, pkArgs []interface{}, cols []string, dest ...interface{}) (bool, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s.%s WHERE %s`,
		strings.Join(cols, ", "), q.schema, table, whereClause(pkCols))

	row := q.tx.QueryRowContext(ctx, stmt, pkArgs...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query %s: %w", table, err)
	}
	return true, nil
}
