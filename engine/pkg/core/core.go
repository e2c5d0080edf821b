// Package core wires the accounting components into a single engine with a
// serial, single-writer execution model: every operation runs to completion
// under one lock against the shared ledger, so no two operations ever
// interleave and a failed operation leaves no partial effect. The
// components themselves carry no locks; they are only ever mutated through
// this facade.
package core

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/signalworks/voteflow/engine/pkg/allocator"
	"github.com/signalworks/voteflow/engine/pkg/auction"
	"github.com/signalworks/voteflow/engine/pkg/journal"
	"github.com/signalworks/voteflow/engine/pkg/metrics"
	"github.com/signalworks/voteflow/engine/pkg/registry"
	"github.com/signalworks/voteflow/engine/pkg/rewards"
	"github.com/signalworks/voteflow/engine/pkg/source"
	"github.com/signalworks/voteflow/engine/pkg/token"
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Recorder journal.Recorder

	BaseAsset    token.Asset
	RevenueAsset token.Asset
	Treasury     token.Account
	// BribeSplitBps is the initial voter share of auction proceeds.
	BribeSplitBps int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseAsset == "" {
		return errors.New("base asset is required")
	}
	if cfg.RevenueAsset == "" {
		return errors.New("revenue asset is required")
	}
	if cfg.Treasury == "" {
		return errors.New("treasury account is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = journal.NewNoop()
	}
	return nil
}

type Engine struct {
	mu  sync.Mutex
	log *slog.Logger
	cfg Config

	ledger   *token.Ledger
	registry *registry.Registry
	source   *source.Source
	alloc    *allocator.Allocator
	rec      journal.Recorder
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ledger := token.NewLedger()

	reg, err := registry.New(registry.Config{
		Logger:    cfg.Logger,
		Ledger:    ledger,
		BaseAsset: cfg.BaseAsset,
	})
	if err != nil {
		return nil, err
	}

	src, err := source.New(source.Config{
		Logger: cfg.Logger,
		Ledger: ledger,
		Asset:  cfg.RevenueAsset,
	})
	if err != nil {
		return nil, err
	}

	alloc, err := allocator.New(allocator.Config{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		Ledger:        ledger,
		Registry:      reg,
		Source:        src,
		RevenueAsset:  cfg.RevenueAsset,
		Treasury:      cfg.Treasury,
		BribeSplitBps: cfg.BribeSplitBps,
	})
	if err != nil {
		return nil, err
	}
	reg.SetController(alloc)

	return &Engine{
		log:      cfg.Logger,
		cfg:      cfg,
		ledger:   ledger,
		registry: reg,
		source:   src,
		alloc:    alloc,
		rec:      cfg.Recorder,
	}, nil
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.cfg.Clock.Now() }

// record journals a completed operation. Journal failures are logged and
// swallowed; accounting never depends on the journal.
func (e *Engine) record(ctx context.Context, ev journal.Event) {
	ev.ID = uuid.New()
	ev.OccurredAt = e.cfg.Clock.Now().UTC()
	if err := e.rec.Record(ctx, ev); err != nil {
		e.log.Warn("engine: failed to journal event", "kind", ev.Kind, "error", err)
	}
}

// Deposit credits an external asset transfer into an account. This is the
// boundary where value enters the system.
func (e *Engine) Deposit(asset token.Asset, acct token.Account, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Mint(asset, acct, amount)
}

// CreditRevenue credits external revenue onto the revenue source, where it
// waits for the next distribution pull.
func (e *Engine) CreditRevenue(amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Mint(e.cfg.RevenueAsset, e.source.Account(), amount)
}

// Stake locks base asset into voting weight.
func (e *Engine) Stake(ctx context.Context, acct token.Account, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.Stake(acct, amount); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("stake").Inc()
		return err
	}
	metrics.StakeOpsTotal.WithLabelValues("stake").Inc()
	e.record(ctx, journal.Event{Kind: journal.KindStake, Account: string(acct), Asset: string(e.cfg.BaseAsset), Amount: amount.String()})
	return nil
}

// Unstake releases weight back into base asset. Fails while the account
// still has votes allocated.
func (e *Engine) Unstake(ctx context.Context, acct token.Account, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.Unstake(acct, amount); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("unstake").Inc()
		return err
	}
	metrics.StakeOpsTotal.WithLabelValues("unstake").Inc()
	e.record(ctx, journal.Event{Kind: journal.KindUnstake, Account: string(acct), Asset: string(e.cfg.BaseAsset), Amount: amount.String()})
	return nil
}

// Vote replaces the account's strategy allocation.
func (e *Engine) Vote(ctx context.Context, acct token.Account, ids []allocator.StrategyID, weights []*big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.alloc.Vote(acct, ids, weights); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("vote").Inc()
		return err
	}
	metrics.VotesTotal.WithLabelValues("vote").Inc()
	e.record(ctx, journal.Event{Kind: journal.KindVote, Account: string(acct), Detail: map[string]any{"strategies": len(ids)}})
	return nil
}

// Reset withdraws the account's entire allocation.
func (e *Engine) Reset(ctx context.Context, acct token.Account) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alloc.Reset(acct)
	metrics.VotesTotal.WithLabelValues("reset").Inc()
	e.record(ctx, journal.Event{Kind: journal.KindReset, Account: string(acct)})
}

// Distribute pulls pending revenue and settles one strategy's share into
// its auction lot.
func (e *Engine) Distribute(ctx context.Context, id allocator.StrategyID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.alloc.Distribute(id); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("distribute").Inc()
		return err
	}
	metrics.DistributionsTotal.Inc()
	e.record(ctx, journal.Event{Kind: journal.KindDistribute, Strategy: id.String()})
	return nil
}

// DistributeAll pulls pending revenue once and settles every live strategy.
func (e *Engine) DistributeAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.alloc.DistributeAll(); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("distribute").Inc()
		return err
	}
	metrics.DistributionsTotal.Inc()
	e.record(ctx, journal.Event{Kind: journal.KindDistribute})
	return nil
}

// Buy settles pending distribution into the strategy's lot, then executes
// the auction purchase.
func (e *Engine) Buy(ctx context.Context, id allocator.StrategyID, buyer, recipient token.Account, expectedEpochID uint64, deadline int64, maxPayment *big.Int) (*auction.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	receipt, err := e.alloc.Buy(id, buyer, recipient, expectedEpochID, deadline, maxPayment)
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("buy").Inc()
		return nil, err
	}
	metrics.PurchasesTotal.WithLabelValues(id.String()).Inc()
	e.record(ctx, journal.Event{
		Kind:     journal.KindPurchase,
		Account:  string(buyer),
		Strategy: id.String(),
		Amount:   receipt.Price.String(),
		Detail: map[string]any{
			"epoch":     receipt.EpochID,
			"lot":       receipt.LotAmount.String(),
			"bribe":     receipt.BribeAmount.String(),
			"fee":       receipt.FeeAmount.String(),
			"recipient": string(recipient),
		},
	})
	return receipt, nil
}

// FlushBuffer runs the strategy's reward buffer threshold gate.
func (e *Engine) FlushBuffer(ctx context.Context, id allocator.StrategyID) ([]rewards.Flush, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	flushed, err := e.alloc.FlushBuffer(id)
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("buffer_flush").Inc()
		return nil, err
	}
	for _, f := range flushed {
		metrics.BufferFlushesTotal.WithLabelValues(id.String()).Inc()
		e.record(ctx, journal.Event{
			Kind:     journal.KindBufferFlush,
			Strategy: id.String(),
			Asset:    string(f.Asset),
			Amount:   f.Amount.String(),
		})
	}
	return flushed, nil
}

// ClaimRewards pays out the account's accrued rewards across all strategies.
func (e *Engine) ClaimRewards(ctx context.Context, acct token.Account) (map[allocator.StrategyID][]rewards.Payout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	claimed, err := e.alloc.ClaimRewards(acct)
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("claim").Inc()
		return nil, err
	}
	metrics.RewardClaimsTotal.Inc()
	for id, payouts := range claimed {
		for _, p := range payouts {
			e.record(ctx, journal.Event{
				Kind:     journal.KindRewardClaim,
				Account:  string(acct),
				Strategy: id.String(),
				Asset:    string(p.Asset),
				Amount:   p.Amount.String(),
			})
		}
	}
	return claimed, nil
}

// AddStrategy registers a strategy with its auction, stream and buffer.
func (e *Engine) AddStrategy(params allocator.StrategyParams) (allocator.StrategyID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.alloc.AddStrategy(params)
	if err != nil {
		return uuid.Nil, err
	}
	return s.ID(), nil
}

// SetBribeSplit updates the voter share of auction proceeds.
func (e *Engine) SetBribeSplit(bps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alloc.SetBribeSplit(bps)
}

// SetTreasury updates the zero-weight fallback account.
func (e *Engine) SetTreasury(acct token.Account) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alloc.SetTreasury(acct)
}

// SetRevenueSource redirects revenue collection to a different ledger
// account. Revenue still pending on the old account is no longer pulled.
func (e *Engine) SetRevenueSource(acct token.Account) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source.SetAccount(acct)
}

// AddRewardAsset registers an extra reward asset on a strategy's stream.
func (e *Engine) AddRewardAsset(id allocator.StrategyID, asset token.Asset) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alloc.AddRewardAsset(id, asset)
}

// RetireStrategy toggles a strategy dead.
func (e *Engine) RetireStrategy(id allocator.StrategyID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alloc.RetireStrategy(id)
}

// ReviveStrategy toggles a retired strategy live again.
func (e *Engine) ReviveStrategy(id allocator.StrategyID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alloc.ReviveStrategy(id)
}
