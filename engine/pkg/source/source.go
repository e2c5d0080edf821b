// Package source implements the revenue forwarding buffer: external revenue
// accumulates on the source account and is forwarded in full on demand.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/signalworks/voteflow/engine/pkg/token"
)

// ErrNothingToForward is returned by Flush when no revenue is pending.
var ErrNothingToForward = errors.New("nothing to forward")

type Config struct {
	Logger *slog.Logger
	Ledger *token.Ledger
	Asset  token.Asset
	// Account receives inbound revenue. Defaults to "source:pot".
	Account token.Account
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Asset == "" {
		return errors.New("revenue asset is required")
	}
	if cfg.Account == "" {
		cfg.Account = "source:pot"
	}
	return nil
}

type Source struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{log: cfg.Logger, cfg: cfg}, nil
}

// Account returns the ledger account that collects inbound revenue.
func (s *Source) Account() token.Account {
	return s.cfg.Account
}

// SetAccount redirects revenue collection to a different ledger account.
// Any balance still sitting on the old account stays there; only revenue
// arriving after the swap is forwarded.
func (s *Source) SetAccount(acct token.Account) error {
	if acct == "" {
		return errors.New("source account is required")
	}
	old := s.cfg.Account
	s.cfg.Account = acct
	s.log.Info("source: account changed", "from", old, "to", acct)
	return nil
}

// Pending returns the revenue awaiting forwarding.
func (s *Source) Pending() *big.Int {
	return s.cfg.Ledger.BalanceOf(s.cfg.Asset, s.cfg.Account)
}

// Flush forwards the full pending balance to the given account. It fails
// when nothing is pending.
func (s *Source) Flush(to token.Account) (*big.Int, error) {
	pending := s.Pending()
	if pending.Sign() == 0 {
		return nil, ErrNothingToForward
	}
	if err := s.cfg.Ledger.Transfer(s.cfg.Asset, s.cfg.Account, to, pending); err != nil {
		return nil, fmt.Errorf("failed to forward revenue: %w", err)
	}
	s.log.Debug("source: flushed", "to", to, "amount", pending.String())
	return pending, nil
}

// FlushIfAvailable forwards the pending balance if there is any. It never
// fails on an empty source and returns the amount moved.
func (s *Source) FlushIfAvailable(to token.Account) (*big.Int, error) {
	pending := s.Pending()
	if pending.Sign() == 0 {
		return new(big.Int), nil
	}
	if err := s.cfg.Ledger.Transfer(s.cfg.Asset, s.cfg.Account, to, pending); err != nil {
		return nil, fmt.Errorf("failed to forward revenue: %w", err)
	}
	s.log.Debug("source: flushed", "to", to, "amount", pending.String())
	return pending, nil
}
