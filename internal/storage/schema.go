package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/rs/zerolog/log"
)

const createResultsTableSQL = `CREATE TABLE RESULTS (
	REQUEST_ID VARCHAR(100) NOT NULL PRIMARY KEY,
	REQUEST_DATE TIMESTAMP,
	RESPONSE_TYPE VARCHAR(100),
	RESPONSE TEXT,
	RESPONSE_MIMETYPE VARCHAR(100))`

const resultsTableExistsSQL = `SELECT EXISTS (
	SELECT 1 FROM information_schema.tables WHERE lower(table_name) = 'results')`

// EnsureSchema creates the results table when it does not exist yet.
// Safe to run on every startup; also tolerates a concurrent creator.
func EnsureSchema(ctx context.Context, conn Conn) error {
	var exists bool
	if err := conn.QueryRow(ctx, resultsTableExistsSQL).Scan(&exists); err != nil {
		return fmt.Errorf("%w: checking for results table: %v", ErrSchema, err)
	}
	if exists {
		return nil
	}

	log.Info().Msg("results table does not yet exist, creating it")

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrSchema, err)
	}
	if _, err := tx.Exec(ctx, createResultsTableSQL); err != nil {
		_ = tx.Rollback(ctx)
		if isPgErr(err, pgerrcode.DuplicateTable) {
			return nil
		}
		return fmt.Errorf("%w: creating results table: %v", ErrSchema, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing results table: %v", ErrSchema, err)
	}

	log.Info().Msg("created results table")
	return nil
}
