package core

import (
	"fmt"
	"math/big"

	"github.com/signalworks/voteflow/engine/pkg/allocator"
	"github.com/signalworks/voteflow/engine/pkg/token"
)

// RewardAssetView reports one reward asset's streaming state.
type RewardAssetView struct {
	Asset      token.Asset
	StreamLeft *big.Int
	BufferHeld *big.Int
}

// StrategyView is a read-only snapshot of one strategy.
type StrategyView struct {
	ID           allocator.StrategyID
	Name         string
	PaymentAsset token.Asset
	FeeReceiver  token.Account
	Alive        bool
	TotalWeight  *big.Int
	// VoteShareBps is the strategy's share of global vote weight in basis
	// points, zero when nothing is allocated anywhere.
	VoteShareBps int64
	Price        *big.Int
	EpochID      uint64
	EpochStart   int64
	InitPrice    *big.Int
	LotBalance   *big.Int
	Claimable    *big.Int
	RewardAssets []RewardAssetView
}

// VoteView is one entry of an account's allocation.
type VoteView struct {
	Strategy allocator.StrategyID
	Weight   *big.Int
}

// EarnedView is one claimable reward amount.
type EarnedView struct {
	Strategy allocator.StrategyID
	Asset    token.Asset
	Amount   *big.Int
}

// AccountView is a read-only snapshot of one account.
type AccountView struct {
	Account    token.Account
	Weight     *big.Int
	UsedWeight *big.Int
	Votes      []VoteView
	Rewards    []EarnedView
}

// Overview is a read-only snapshot of the global ledger state.
type Overview struct {
	TotalStaked     *big.Int
	TotalVoteWeight *big.Int
	CumulativeIndex *big.Int
	PendingRevenue  *big.Int
	BribeSplitBps   int64
	Strategies      int
}

func (e *Engine) Overview() Overview {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Overview{
		TotalStaked:     e.registry.TotalWeight(),
		TotalVoteWeight: e.alloc.TotalWeight(),
		CumulativeIndex: e.alloc.CumulativeIndex(),
		PendingRevenue:  e.source.Pending(),
		BribeSplitBps:   e.alloc.BribeSplit(),
		Strategies:      len(e.alloc.Strategies()),
	}
}

func (e *Engine) strategyView(s *allocator.Strategy, globalWeight *big.Int) (StrategyView, error) {
	view := StrategyView{
		ID:           s.ID(),
		Name:         s.Name(),
		PaymentAsset: s.PaymentAsset(),
		FeeReceiver:  s.FeeReceiver(),
		Alive:        s.Alive(),
		TotalWeight:  s.TotalWeight(),
		Price:        s.Price(),
		EpochID:      s.EpochID(),
		EpochStart:   s.EpochStart(),
		InitPrice:    s.InitPrice(),
		LotBalance:   s.LotBalance(),
		Claimable:    s.Claimable(),
	}
	if globalWeight.Sign() > 0 {
		share := new(big.Int).Mul(view.TotalWeight, big.NewInt(10_000))
		view.VoteShareBps = share.Quo(share, globalWeight).Int64()
	}
	for _, asset := range s.RewardAssets() {
		left, err := s.StreamLeft(asset)
		if err != nil {
			return StrategyView{}, fmt.Errorf("failed to read stream remainder: %w", err)
		}
		view.RewardAssets = append(view.RewardAssets, RewardAssetView{
			Asset:      asset,
			StreamLeft: left,
			BufferHeld: s.BufferHeld(asset),
		})
	}
	return view, nil
}

// StrategyViews returns snapshots of all strategies in registration order.
func (e *Engine) StrategyViews() ([]StrategyView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	globalWeight := e.alloc.TotalWeight()
	var views []StrategyView
	for _, s := range e.alloc.Strategies() {
		view, err := e.strategyView(s, globalWeight)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// StrategyView returns a snapshot of one strategy.
func (e *Engine) StrategyView(id allocator.StrategyID) (StrategyView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.alloc.Strategy(id)
	if err != nil {
		return StrategyView{}, err
	}
	return e.strategyView(s, e.alloc.TotalWeight())
}

// AccountView returns a snapshot of one account's weight, allocation and
// claimable rewards.
func (e *Engine) AccountView(acct token.Account) (AccountView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := AccountView{
		Account:    acct,
		Weight:     e.registry.WeightOf(acct),
		UsedWeight: e.alloc.UsedWeight(acct),
	}
	votes := e.alloc.Votes(acct)
	for _, s := range e.alloc.Strategies() {
		if w, ok := votes[s.ID()]; ok {
			view.Votes = append(view.Votes, VoteView{Strategy: s.ID(), Weight: w})
		}
		for _, asset := range s.RewardAssets() {
			earned, err := s.Earned(acct, asset)
			if err != nil {
				return AccountView{}, fmt.Errorf("failed to read earned rewards: %w", err)
			}
			if earned.Sign() > 0 {
				view.Rewards = append(view.Rewards, EarnedView{Strategy: s.ID(), Asset: asset, Amount: earned})
			}
		}
	}
	return view, nil
}

// BalanceOf returns an account's ledger balance of an asset.
func (e *Engine) BalanceOf(asset token.Asset, acct token.Account) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.BalanceOf(asset, acct)
}
