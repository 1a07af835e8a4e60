package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	connectAttempts = 3
	connectBackoff  = 500 * time.Millisecond
)

// Open returns a bounded connection pool shared for the life of the
// process. Transient connect failures are retried with a short backoff so
// the service survives the database coming up slightly after it.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	var pingErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				_ = db.Close()
				return nil, fmt.Errorf("ping db: %w", ctx.Err())
			case <-time.After(connectBackoff * time.Duration(attempt)):
			}
		}
		if pingErr = db.PingContext(ctx); pingErr == nil {
			return db, nil
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("ping db: %w", pingErr)
}
