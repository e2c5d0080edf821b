package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/signalworks/voteflow/utils/pkg/retry"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type PostgresConfig struct {
	Logger  *slog.Logger
	ConnStr string
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ConnStr == "" {
		return errors.New("connection string is required")
	}
	return nil
}

// Postgres is the pgx-backed recorder. Migrations run on construction.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The database may still be coming up when we start; retry transient
	// connection failures before giving up.
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return migrate(cfg.ConnStr)
	}); err != nil {
		return nil, fmt.Errorf("failed to run journal migrations: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 5
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Info("journal: postgres recorder ready")
	return &Postgres{log: cfg.Logger, pool: pool}, nil
}

func migrate(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, ev Event) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal event detail: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO events (id, occurred_at, kind, account, strategy, asset, amount, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.OccurredAt, ev.Kind, ev.Account, ev.Strategy, ev.Asset, ev.Amount, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Events returns the most recent events, newest first, optionally filtered
// by kind.
func (p *Postgres) Events(ctx context.Context, kind string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, occurred_at, kind, account, strategy, asset, amount, detail
	          FROM events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, kind)
	}
	query += fmt.Sprintf(` ORDER BY occurred_at DESC LIMIT %d`, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var occurredAt time.Time
		var detail []byte
		if err := rows.Scan(&ev.ID, &occurredAt, &ev.Kind, &ev.Account, &ev.Strategy, &ev.Asset, &ev.Amount, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.OccurredAt = occurredAt.UTC()
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event detail: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
