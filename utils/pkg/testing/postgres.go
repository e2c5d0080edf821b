package vftesting

import (
	"context"
	"fmt"
	"strings"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresDB is a throwaway PostgreSQL container for integration tests.
type PostgresDB struct {
	connStr   string
	container *tcpostgres.PostgresContainer
}

// ConnStr returns the container's connection string.
func (db *PostgresDB) ConnStr() string { return db.connStr }

// Close terminates the container.
func (db *PostgresDB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = db.container.Terminate(ctx)
}

// NewPostgresDB starts a PostgreSQL container, retrying transient startup
// failures a few times before giving up.
func NewPostgresDB(ctx context.Context) (*PostgresDB, error) {
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("voteflow_test"),
			tcpostgres.WithUsername("voteflow"),
			tcpostgres.WithPassword("voteflow"),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err == nil {
			break
		}
		lastErr = err
		if !isRetryableStartErr(err) || attempt == 3 {
			return nil, fmt.Errorf("failed to start postgres container: %w", lastErr)
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get postgres connection string: %w", err)
	}
	return &PostgresDB{connStr: connStr, container: container}, nil
}

func isRetryableStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
