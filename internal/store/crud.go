package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrRowExists is returned by Insert when the row's primary key already exists.
var ErrRowExists = fmt.Errorf("row already exists")

// CRUD is the per-table facade a custom mutator uses to modify application
// tables inside its mutation's transaction. Table and column names are
// trusted (supplied by the application's mutator code, never by the wire
// request), so they are interpolated directly into the generated SQL.
type CRUD struct {
	schema string
	tx     Tx
}

// NewCRUD returns a facade over tx scoped to schema, for use by the
// processor when dispatching a custom mutator.
func NewCRUD(schema string, tx Tx) *CRUD {
	return &CRUD{schema: schema, tx: tx}
}

// Insert adds row to table, failing with ErrRowExists if pkCols already
// identify a row. Columns not present in row are omitted from the INSERT
// (left to their column default).
func (c *CRUD) Insert(ctx context.Context, table string, pkCols []string, row map[string]interface{}) error {
	cols, args := sortedColumns(row)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf(`INSERT INTO %s.%s (%s) VALUES (%s)`,
		c.schema, table, strings.Join(cols, ", "), placeholders)

	_, err := c.tx.ExecContext(ctx, stmt, args...)
	if isDuplicateKey(err) {
		return ErrRowExists
	}
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// Upsert inserts row, or overwrites every present non-primary-key column on
// a primary-key conflict.
func (c *CRUD) Upsert(ctx context.Context, table string, pkCols []string, row map[string]interface{}) error {
	cols, args := sortedColumns(row)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	pkSet := make(map[string]bool, len(pkCols))
	for _, pk := range pkCols {
		pkSet[pk] = true
	}
	var updates []string
	for _, col := range cols {
		if pkSet[col] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
	}

	stmt := fmt.Sprintf(`INSERT INTO %s.%s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s`,
		c.schema, table, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))
	if _, err := c.tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

// Update applies partial to an existing row identified by pkCols/pkArgs.
// Columns absent from partial are left unchanged. A no-op if the row is
// absent (matches zero rows).
func (c *CRUD) Update(ctx context.Context, table string, pkCols []string, pkArgs []interface{}, partial map[string]interface{}) error {
	if len(partial) == 0 {
		return nil
	}
	cols, args := sortedColumns(partial)
	var sets []string
	for _, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = ?", col))
	}

	where := whereClause(pkCols)
	stmt := fmt.Sprintf(`UPDATE %s.%s SET %s WHERE %s`, c.schema, table, strings.Join(sets, ", "), where)
	args = append(args, pkArgs...)

	if _, err := c.tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// Delete removes the row identified by pkCols/pkArgs, a no-op if absent.
func (c *CRUD) Delete(ctx context.Context, table string, pkCols []string, pkArgs []interface{}) error {
	stmt := fmt.Sprintf(`DELETE FROM %s.%s WHERE %s`, c.schema, table, whereClause(pkCols))
	if _, err := c.tx.ExecContext(ctx, stmt, pkArgs...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

func whereClause(pkCols []string) string {
	parts := make([]string, len(pkCols))
	for i, col := range pkCols {
		parts[i] = col + " = ?"
	}
	return strings.Join(parts, " AND ")
}

// sortedColumns returns row's keys in deterministic order alongside their
// values, so generated SQL is stable and easy to test.
func sortedColumns(row map[string]interface{}) ([]string, []interface{}) {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		args[i] = row[col]
	}
	return cols, args
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
