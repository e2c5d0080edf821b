// Package allocator implements the global vote ledger: accounts direct
// their staked weight toward strategies, and externally arriving revenue is
// split across strategies in proportion to the weight they attract. The
// split uses a lazily evaluated fixed-point index, checkpointed on every
// weight change, so a strategy's historical share is always exact without
// rescanning history.
package allocator

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/signalworks/voteflow/engine/pkg/auction"
	"github.com/signalworks/voteflow/engine/pkg/registry"
	"github.com/signalworks/voteflow/engine/pkg/rewards"
	"github.com/signalworks/voteflow/engine/pkg/source"
	"github.com/signalworks/voteflow/engine/pkg/token"
	"github.com/signalworks/voteflow/engine/pkg/wad"
)

// StrategyID identifies a registered strategy.
type StrategyID = uuid.UUID

var (
	// ErrArrayMismatch is returned when vote strategy and weight slices
	// differ in length or are empty.
	ErrArrayMismatch = errors.New("strategy and weight arrays must match and be non-empty")

	// ErrInvalidWeights is returned when vote weights are negative or sum
	// to zero.
	ErrInvalidWeights = errors.New("vote weights must be non-negative with a positive sum")

	// ErrUnknownStrategy is returned for references to unregistered
	// strategies.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrDeadStrategy is returned when voting for a retired strategy.
	ErrDeadStrategy = errors.New("strategy is retired")

	// ErrNoVotingWeight is returned when the voting account has no staked
	// weight.
	ErrNoVotingWeight = errors.New("account has no voting weight")

	// ErrInvalidBribeSplit is returned for bribe splits outside [0, 10000]
	// basis points.
	ErrInvalidBribeSplit = errors.New("bribe split must be between 0 and 10000 basis points")
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Ledger   *token.Ledger
	Registry *registry.Registry
	Source   *source.Source

	RevenueAsset token.Asset
	// Treasury receives pulled revenue while no weight is allocated.
	Treasury token.Account
	// PotAccount holds pulled-but-unclaimed revenue. Defaults to
	// "allocator:pot".
	PotAccount token.Account
	// BribeSplitBps is the initial fraction of auction proceeds routed to
	// voters, in basis points.
	BribeSplitBps int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Source == nil {
		return errors.New("revenue source is required")
	}
	if cfg.RevenueAsset == "" {
		return errors.New("revenue asset is required")
	}
	if cfg.Treasury == "" {
		return errors.New("treasury account is required")
	}
	if cfg.PotAccount == "" {
		cfg.PotAccount = "allocator:pot"
	}
	if cfg.BribeSplitBps < 0 || cfg.BribeSplitBps > 10_000 {
		return ErrInvalidBribeSplit
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Allocator owns the vote registry, the per-strategy weight totals and the
// global distribution index. It is not safe for concurrent use; the engine
// serializes all calls.
type Allocator struct {
	log *slog.Logger
	cfg Config

	bribeSplit      int64
	treasury        token.Account
	cumulativeIndex *big.Int // 1e18 scale, monotonically non-decreasing
	totalWeight     *big.Int

	strategies map[StrategyID]*Strategy
	order      []StrategyID

	votes map[token.Account]map[StrategyID]*big.Int
	used  map[token.Account]*big.Int
}

func New(cfg Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{
		log:             cfg.Logger,
		cfg:             cfg,
		bribeSplit:      cfg.BribeSplitBps,
		treasury:        cfg.Treasury,
		cumulativeIndex: new(big.Int),
		totalWeight:     new(big.Int),
		strategies:      make(map[StrategyID]*Strategy),
		votes:           make(map[token.Account]map[StrategyID]*big.Int),
		used:            make(map[token.Account]*big.Int),
	}, nil
}

var _ registry.Controller = (*Allocator)(nil)

// UsedWeight returns the account's weight currently allocated across all
// strategies. Implements registry.Controller: the registry refuses direct
// unstaking while this is non-zero.
func (a *Allocator) UsedWeight(acct token.Account) *big.Int {
	if u, ok := a.used[acct]; ok {
		return new(big.Int).Set(u)
	}
	return new(big.Int)
}

// Votes returns a copy of the account's current per-strategy allocation.
func (a *Allocator) Votes(acct token.Account) map[StrategyID]*big.Int {
	out := make(map[StrategyID]*big.Int)
	for id, w := range a.votes[acct] {
		out[id] = new(big.Int).Set(w)
	}
	return out
}

// TotalWeight returns a copy of the sum of all strategies' vote weight.
func (a *Allocator) TotalWeight() *big.Int { return new(big.Int).Set(a.totalWeight) }

// CumulativeIndex returns a copy of the 1e18-scaled distribution index.
func (a *Allocator) CumulativeIndex() *big.Int { return new(big.Int).Set(a.cumulativeIndex) }

// BribeSplit returns the current bribe split in basis points.
func (a *Allocator) BribeSplit() int64 { return a.bribeSplit }

// SetBribeSplit updates the fraction of auction proceeds routed to voters.
func (a *Allocator) SetBribeSplit(bps int64) error {
	if bps < 0 || bps > 10_000 {
		return ErrInvalidBribeSplit
	}
	a.bribeSplit = bps
	a.log.Info("allocator: bribe split updated", "bps", bps)
	return nil
}

// SetTreasury updates the fallback account for zero-weight distributions.
func (a *Allocator) SetTreasury(acct token.Account) error {
	if acct == "" {
		return errors.New("treasury account is required")
	}
	a.treasury = acct
	return nil
}

// Vote replaces the account's entire allocation: the prior allocation is
// fully reversed, then the given weights are normalized against their own
// sum and scaled by the account's full staked weight. Integer remainders
// are dropped, never rounded up. Every touched strategy is checkpointed
// against the distribution index before its weight changes.
func (a *Allocator) Vote(acct token.Account, ids []StrategyID, weights []*big.Int) error {
	if len(ids) == 0 || len(ids) != len(weights) {
		return ErrArrayMismatch
	}
	sum := new(big.Int)
	for _, w := range weights {
		if w == nil || w.Sign() < 0 {
			return ErrInvalidWeights
		}
		sum.Add(sum, w)
	}
	if sum.Sign() == 0 {
		return ErrInvalidWeights
	}
	for _, id := range ids {
		s, ok := a.strategies[id]
		if !ok {
			return fmt.Errorf("strategy %s: %w", id, ErrUnknownStrategy)
		}
		if !s.alive {
			return fmt.Errorf("strategy %s: %w", id, ErrDeadStrategy)
		}
	}
	full := a.cfg.Registry.WeightOf(acct)
	if full.Sign() == 0 {
		return fmt.Errorf("account %s: %w", acct, ErrNoVotingWeight)
	}

	// All guards passed; from here on nothing can fail.
	a.resetVotes(acct)

	acctVotes := make(map[StrategyID]*big.Int)
	a.votes[acct] = acctVotes
	usedTotal := new(big.Int)
	for i, id := range ids {
		allocated := wad.MulDiv(full, weights[i], sum)
		if allocated.Sign() == 0 {
			continue
		}
		s := a.strategies[id]
		a.checkpointStrategy(s)
		s.totalWeight.Add(s.totalWeight, allocated)
		a.totalWeight.Add(a.totalWeight, allocated)
		if prev, ok := acctVotes[id]; ok {
			prev.Add(prev, allocated)
		} else {
			acctVotes[id] = new(big.Int).Set(allocated)
		}
		usedTotal.Add(usedTotal, allocated)
		if err := s.stream.Deposit(acct, allocated); err != nil {
			// Deposit only fails on non-positive weight, excluded above.
			panic(fmt.Sprintf("stream deposit failed invariantly: %v", err))
		}
	}
	a.used[acct] = usedTotal

	a.log.Debug("allocator: vote applied",
		"account", acct,
		"strategies", len(ids),
		"used_weight", usedTotal.String(),
		"full_weight", full.String(),
	)
	return nil
}

// Reset reverses the account's entire allocation: every backed strategy is
// checkpointed, the account's weight is withdrawn from its stream, and all
// counters drop back to zero.
func (a *Allocator) Reset(acct token.Account) {
	a.resetVotes(acct)
	a.log.Debug("allocator: votes reset", "account", acct)
}

func (a *Allocator) resetVotes(acct token.Account) {
	acctVotes, ok := a.votes[acct]
	if !ok {
		return
	}
	for _, id := range a.order {
		v, ok := acctVotes[id]
		if !ok {
			continue
		}
		s := a.strategies[id]
		a.checkpointStrategy(s)
		s.totalWeight.Sub(s.totalWeight, v)
		a.totalWeight.Sub(a.totalWeight, v)
		if err := s.stream.Withdraw(acct, v); err != nil {
			panic(fmt.Sprintf("stream withdraw failed invariantly: %v", err))
		}
	}
	delete(a.votes, acct)
	delete(a.used, acct)
}

// checkpointStrategy folds the index delta accrued since the strategy's
// last checkpoint into its claimable balance. Retired strategies stop
// accruing but keep their checkpoint current.
func (a *Allocator) checkpointStrategy(s *Strategy) {
	if s.alive {
		delta := new(big.Int).Sub(a.cumulativeIndex, s.indexCheckpoint)
		if delta.Sign() > 0 {
			s.claimable.Add(s.claimable, wad.MulWad(s.totalWeight, delta))
		}
	}
	s.indexCheckpoint.Set(a.cumulativeIndex)
}

// pull drains the revenue source once and folds the pulled amount into the
// index. With no weight allocated anywhere the whole pull routes to the
// treasury instead.
func (a *Allocator) pull() error {
	amount, err := a.cfg.Source.FlushIfAvailable(a.cfg.PotAccount)
	if err != nil {
		return fmt.Errorf("failed to pull revenue: %w", err)
	}
	if amount.Sign() == 0 {
		return nil
	}
	if a.totalWeight.Sign() == 0 {
		if err := a.cfg.Ledger.Transfer(a.cfg.RevenueAsset, a.cfg.PotAccount, a.treasury, amount); err != nil {
			return fmt.Errorf("failed to route revenue to treasury: %w", err)
		}
		a.log.Debug("allocator: revenue routed to treasury", "amount", amount.String())
		return nil
	}
	a.cumulativeIndex.Add(a.cumulativeIndex, wad.DivWad(amount, a.totalWeight))
	a.log.Debug("allocator: revenue pulled", "amount", amount.String(), "index", a.cumulativeIndex.String())
	return nil
}

// Distribute pulls pending revenue and credits the given strategy's share
// into its auction lot.
func (a *Allocator) Distribute(id StrategyID) error {
	s, ok := a.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s: %w", id, ErrUnknownStrategy)
	}
	if err := a.pull(); err != nil {
		return err
	}
	return a.settle(s)
}

// DistributeAll pulls pending revenue once and credits every live
// strategy's share into its auction lot.
func (a *Allocator) DistributeAll() error {
	if err := a.pull(); err != nil {
		return err
	}
	for _, id := range a.order {
		s := a.strategies[id]
		if !s.alive {
			continue
		}
		if err := a.settle(s); err != nil {
			return err
		}
	}
	return nil
}

// settle moves the strategy's accrued claimable balance into its auction
// lot. Retired strategies still settle whatever they accrued before
// retirement.
func (a *Allocator) settle(s *Strategy) error {
	a.checkpointStrategy(s)
	if s.claimable.Sign() == 0 {
		return nil
	}
	amount := new(big.Int).Set(s.claimable)
	if err := a.cfg.Ledger.Transfer(a.cfg.RevenueAsset, a.cfg.PotAccount, s.auction.Account(), amount); err != nil {
		return fmt.Errorf("failed to credit auction lot for %s: %w", s.id, err)
	}
	s.claimable.SetInt64(0)
	a.log.Debug("allocator: strategy settled", "strategy", s.id, "amount", amount.String())
	return nil
}

// Buy settles the strategy's pending distribution into the lot, then runs
// the purchase against its auction.
func (a *Allocator) Buy(id StrategyID, buyer, recipient token.Account, expectedEpochID uint64, deadline int64, maxPayment *big.Int) (*auction.Receipt, error) {
	s, ok := a.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", id, ErrUnknownStrategy)
	}
	if err := a.pull(); err != nil {
		return nil, err
	}
	if err := a.settle(s); err != nil {
		return nil, err
	}
	return s.auction.Buy(buyer, recipient, expectedEpochID, deadline, maxPayment)
}

// FlushBuffer runs the threshold gate forwarding buffered auction proceeds
// into the strategy's reward stream.
func (a *Allocator) FlushBuffer(id StrategyID) ([]rewards.Flush, error) {
	s, ok := a.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", id, ErrUnknownStrategy)
	}
	return s.buffer.Distribute()
}

// ClaimRewards pays out the account's accrued streaming rewards across all
// strategies.
func (a *Allocator) ClaimRewards(acct token.Account) (map[StrategyID][]rewards.Payout, error) {
	out := make(map[StrategyID][]rewards.Payout)
	for _, id := range a.order {
		s := a.strategies[id]
		payouts, err := s.stream.GetReward(acct)
		if err != nil {
			return nil, fmt.Errorf("failed to claim rewards for %s: %w", id, err)
		}
		if len(payouts) > 0 {
			out[id] = payouts
		}
	}
	return out, nil
}
