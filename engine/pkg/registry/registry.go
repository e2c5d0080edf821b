// Package registry implements the staking weight registry: locked base
// asset is mirrored 1:1 by non-transferable voting weight.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/signalworks/voteflow/engine/pkg/token"
)

var (
	// ErrZeroAmount is returned for zero-amount stake or unstake calls.
	ErrZeroAmount = errors.New("stake amount must be positive")

	// ErrWeightLocked is returned when an unstake would remove weight that
	// the controller reports as still allocated.
	ErrWeightLocked = errors.New("weight is allocated; reset votes before unstaking")
)

// Controller reports how much of an account's weight is currently allocated.
// The allocator implements this; when no controller is set, unstaking is
// always permitted.
type Controller interface {
	UsedWeight(acct token.Account) *big.Int
}

type Config struct {
	Logger    *slog.Logger
	Ledger    *token.Ledger
	BaseAsset token.Asset
	// PotAccount holds the locked base asset. Defaults to "registry:pot".
	PotAccount token.Account
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.BaseAsset == "" {
		return errors.New("base asset is required")
	}
	if cfg.PotAccount == "" {
		cfg.PotAccount = "registry:pot"
	}
	return nil
}

// Registry tracks staked weight per account. Weight is not a ledger asset:
// it is non-transferable by construction, so it lives in a plain map.
type Registry struct {
	log *slog.Logger
	cfg Config

	controller Controller
	weights    map[token.Account]*big.Int
	total      *big.Int
}

func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		log:     cfg.Logger,
		cfg:     cfg,
		weights: make(map[token.Account]*big.Int),
		total:   new(big.Int),
	}, nil
}

// SetController installs or clears (nil) the allocator lock on unstaking.
func (r *Registry) SetController(c Controller) {
	r.controller = c
}

// Stake locks amount of the base asset and mints the same amount of weight.
func (r *Registry) Stake(acct token.Account, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err := r.cfg.Ledger.Transfer(r.cfg.BaseAsset, acct, r.cfg.PotAccount, amount); err != nil {
		return fmt.Errorf("failed to lock base asset: %w", err)
	}
	w, ok := r.weights[acct]
	if !ok {
		w = new(big.Int)
		r.weights[acct] = w
	}
	w.Add(w, amount)
	r.total.Add(r.total, amount)
	r.log.Debug("registry: staked", "account", acct, "amount", amount.String(), "weight", w.String())
	return nil
}

// Unstake burns amount of weight and returns the base asset. When a
// controller is set, the account must have no allocated weight.
func (r *Registry) Unstake(acct token.Account, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	w, ok := r.weights[acct]
	if !ok || w.Cmp(amount) < 0 {
		return fmt.Errorf("unstake %s: %w", acct, token.ErrInsufficientBalance)
	}
	if r.controller != nil {
		if used := r.controller.UsedWeight(acct); used.Sign() > 0 {
			return fmt.Errorf("unstake %s: %w", acct, ErrWeightLocked)
		}
	}
	if err := r.cfg.Ledger.Transfer(r.cfg.BaseAsset, r.cfg.PotAccount, acct, amount); err != nil {
		return fmt.Errorf("failed to release base asset: %w", err)
	}
	w.Sub(w, amount)
	r.total.Sub(r.total, amount)
	r.log.Debug("registry: unstaked", "account", acct, "amount", amount.String(), "weight", w.String())
	return nil
}

// WeightOf returns a copy of the account's current weight.
func (r *Registry) WeightOf(acct token.Account) *big.Int {
	if w, ok := r.weights[acct]; ok {
		return new(big.Int).Set(w)
	}
	return new(big.Int)
}

// TotalWeight returns a copy of the total staked weight.
func (r *Registry) TotalWeight() *big.Int {
	return new(big.Int).Set(r.total)
}
