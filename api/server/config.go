package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/signalworks/voteflow/engine/pkg/core"
	"github.com/signalworks/voteflow/engine/pkg/journal"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger *slog.Logger
	Engine *core.Engine
	// Journal serves the read-only event feed. Optional; the feed returns
	// 404 when no persistent journal is configured.
	Journal *journal.Postgres

	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	// AdminToken gates the admin endpoints. Empty disables them entirely.
	AdminToken string

	// MutationRate caps mutating requests per caller per second.
	// MutationBurst allows short spikes above it.
	MutationRate  float64
	MutationBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MutationRate <= 0 {
		cfg.MutationRate = 5
	}
	if cfg.MutationBurst <= 0 {
		cfg.MutationBurst = 10
	}
	return nil
}
