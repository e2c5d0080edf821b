package allocator

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/signalworks/voteflow/engine/pkg/auction"
	"github.com/signalworks/voteflow/engine/pkg/rewards"
	"github.com/signalworks/voteflow/engine/pkg/token"
)

// StrategyParams configures a new strategy and its auction.
type StrategyParams struct {
	Name            string
	PaymentAsset    token.Asset
	FeeReceiver     token.Account
	InitPrice       *big.Int
	EpochPeriod     time.Duration
	PriceMultiplier *big.Int // 1e18 scale
	MinInitPrice    *big.Int
}

// Strategy bundles one competing revenue destination: its vote weight, its
// distribution checkpoint, and the auction/stream/buffer triple created
// atomically with it. The stream and buffer handles stay private so weight
// mutations can only come through the allocator.
type Strategy struct {
	id           StrategyID
	name         string
	paymentAsset token.Asset
	feeReceiver  token.Account
	alive        bool

	totalWeight     *big.Int
	indexCheckpoint *big.Int
	claimable       *big.Int

	auction *auction.Auction
	stream  *rewards.Stream
	buffer  *rewards.Buffer
}

func (s *Strategy) ID() StrategyID              { return s.id }
func (s *Strategy) Name() string                { return s.name }
func (s *Strategy) PaymentAsset() token.Asset   { return s.paymentAsset }
func (s *Strategy) FeeReceiver() token.Account  { return s.feeReceiver }
func (s *Strategy) Alive() bool                 { return s.alive }
func (s *Strategy) TotalWeight() *big.Int       { return new(big.Int).Set(s.totalWeight) }
func (s *Strategy) Claimable() *big.Int         { return new(big.Int).Set(s.claimable) }
func (s *Strategy) Price() *big.Int             { return s.auction.Price() }
func (s *Strategy) EpochID() uint64             { return s.auction.EpochID() }
func (s *Strategy) EpochStart() int64           { return s.auction.EpochStart() }
func (s *Strategy) InitPrice() *big.Int         { return s.auction.InitPrice() }
func (s *Strategy) LotBalance() *big.Int        { return s.auction.LotBalance() }
func (s *Strategy) RewardAssets() []token.Asset { return s.stream.Assets() }

// StreamSupply returns the stream's total weighted balance. It equals
// TotalWeight at every observation point.
func (s *Strategy) StreamSupply() *big.Int { return s.stream.TotalSupply() }

// StreamBalance returns the account's weighted balance in the stream.
func (s *Strategy) StreamBalance(acct token.Account) *big.Int { return s.stream.BalanceOf(acct) }

// Earned returns the account's claimable amount of a reward asset.
func (s *Strategy) Earned(acct token.Account, asset token.Asset) (*big.Int, error) {
	return s.stream.Earned(acct, asset)
}

// StreamLeft returns the asset amount not yet streamed this period.
func (s *Strategy) StreamLeft(asset token.Asset) (*big.Int, error) {
	return s.stream.Left(asset)
}

// BufferHeld returns the buffered balance awaiting the threshold gate.
func (s *Strategy) BufferHeld(asset token.Asset) *big.Int { return s.buffer.Held(asset) }

// AddStrategy registers a strategy and atomically creates its auction,
// reward stream and reward buffer. The payment asset is registered as the
// stream's first reward asset, since auction proceeds arrive in it.
func (a *Allocator) AddStrategy(params StrategyParams) (*Strategy, error) {
	if params.Name == "" {
		return nil, errors.New("strategy name is required")
	}
	if params.PaymentAsset == "" {
		return nil, errors.New("payment asset is required")
	}
	if params.FeeReceiver == "" {
		return nil, errors.New("fee receiver is required")
	}

	id := uuid.New()
	streamAcct := token.Account("stream:" + id.String())
	bufferAcct := token.Account("buffer:" + id.String())
	auctionAcct := token.Account("auction:" + id.String())

	stream, err := rewards.NewStream(rewards.StreamConfig{
		Logger:  a.log,
		Clock:   a.cfg.Clock,
		Ledger:  a.cfg.Ledger,
		Account: streamAcct,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reward stream: %w", err)
	}
	if err := stream.AddAsset(params.PaymentAsset); err != nil {
		return nil, fmt.Errorf("failed to register payment asset: %w", err)
	}

	buffer, err := rewards.NewBuffer(rewards.BufferConfig{
		Logger:  a.log,
		Ledger:  a.cfg.Ledger,
		Account: bufferAcct,
		Stream:  stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reward buffer: %w", err)
	}

	auc, err := auction.New(auction.Config{
		Logger:          a.log,
		Clock:           a.cfg.Clock,
		Ledger:          a.cfg.Ledger,
		PaymentAsset:    params.PaymentAsset,
		RevenueAsset:    a.cfg.RevenueAsset,
		Account:         auctionAcct,
		FeeReceiver:     params.FeeReceiver,
		BribeAccount:    bufferAcct,
		BribeSplit:      func() int64 { return a.bribeSplit },
		EpochPeriod:     params.EpochPeriod,
		InitPrice:       params.InitPrice,
		PriceMultiplier: params.PriceMultiplier,
		MinInitPrice:    params.MinInitPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}

	s := &Strategy{
		id:              id,
		name:            params.Name,
		paymentAsset:    params.PaymentAsset,
		feeReceiver:     params.FeeReceiver,
		alive:           true,
		totalWeight:     new(big.Int),
		indexCheckpoint: new(big.Int).Set(a.cumulativeIndex),
		claimable:       new(big.Int),
		auction:         auc,
		stream:          stream,
		buffer:          buffer,
	}
	a.strategies[id] = s
	a.order = append(a.order, id)

	a.log.Info("allocator: strategy registered",
		"strategy", id,
		"name", params.Name,
		"payment_asset", params.PaymentAsset,
		"epoch_period", params.EpochPeriod,
	)
	return s, nil
}

// Strategy returns the registered strategy for id.
func (a *Allocator) Strategy(id StrategyID) (*Strategy, error) {
	s, ok := a.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", id, ErrUnknownStrategy)
	}
	return s, nil
}

// Strategies returns all registered strategies in registration order.
func (a *Allocator) Strategies() []*Strategy {
	out := make([]*Strategy, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.strategies[id])
	}
	return out
}

// AddRewardAsset registers an additional reward asset on the strategy's
// stream. Fails on duplicates.
func (a *Allocator) AddRewardAsset(id StrategyID, asset token.Asset) error {
	s, ok := a.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s: %w", id, ErrUnknownStrategy)
	}
	return s.stream.AddAsset(asset)
}

// RetireStrategy marks the strategy dead: it is checkpointed one last time,
// stops accruing new distribution, and is skipped by DistributeAll. Its
// auction and reward stream keep resolving.
func (a *Allocator) RetireStrategy(id StrategyID) error {
	s, ok := a.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s: %w", id, ErrUnknownStrategy)
	}
	if !s.alive {
		return nil
	}
	a.checkpointStrategy(s)
	s.alive = false
	a.log.Info("allocator: strategy retired", "strategy", id, "name", s.name)
	return nil
}

// ReviveStrategy brings a retired strategy back. Its checkpoint is re-based
// to the current index so no distribution from the retired interval is
// credited retroactively.
func (a *Allocator) ReviveStrategy(id StrategyID) error {
	s, ok := a.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s: %w", id, ErrUnknownStrategy)
	}
	if s.alive {
		return nil
	}
	s.indexCheckpoint.Set(a.cumulativeIndex)
	s.alive = true
	a.log.Info("allocator: strategy revived", "strategy", id, "name", s.name)
	return nil
}
