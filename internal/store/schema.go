package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates <schema>.clients if it does not already exist. It is
// safe to call on every process startup.
func EnsureSchema(ctx context.Context, db *sql.DB, schema string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.clients (
		clientGroupID   VARCHAR(191) NOT NULL,
		clientID        VARCHAR(191) NOT NULL,
		lastMutationID  BIGINT NOT NULL DEFAULT 0,
		userID          VARCHAR(191),
		PRIMARY KEY (clientGroupID, clientID)
	)`, schema)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure clients schema: %w", err)
	}
	return nil
}
