// Package rewards implements the per-strategy streaming reward accumulator
// and the threshold buffer that feeds it. A notified reward amount streams
// out linearly over a fixed duration to the weighted balances backing the
// strategy; accounting is lazily checkpointed so no operation ever rescans
// history.
package rewards

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/signalworks/voteflow/engine/pkg/token"
	"github.com/signalworks/voteflow/engine/pkg/wad"
)

// Duration is the fixed streaming period. Every notified amount, including
// any unstreamed leftover it absorbs, pays out over a fresh full period.
const Duration = 7 * 24 * time.Hour

var durationSeconds = big.NewInt(int64(Duration / time.Second))

var (
	// ErrAssetRegistered is returned when adding a reward asset twice.
	ErrAssetRegistered = errors.New("reward asset already registered")

	// ErrUnknownAsset is returned for operations on an unregistered asset.
	ErrUnknownAsset = errors.New("reward asset not registered")

	// ErrRewardTooSmall is returned when a notified amount is below the
	// streaming duration, which would truncate the per-second rate to zero.
	ErrRewardTooSmall = errors.New("reward amount below streaming duration")

	// ErrZeroWeight is returned for zero-amount deposits or withdrawals.
	ErrZeroWeight = errors.New("weight amount must be positive")
)

type StreamConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Ledger *token.Ledger
	// Account holds undistributed reward balances awaiting claims.
	Account token.Account
}

func (cfg *StreamConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Account == "" {
		return errors.New("stream account is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// assetState is one streaming accumulator. rewardPerWeightStored carries the
// 1e18-scaled cumulative reward per unit of weight.
type assetState struct {
	rewardRate            *big.Int // asset units per second
	periodFinish          int64
	lastUpdate            int64
	rewardPerWeightStored *big.Int
}

// Stream is the multi-asset streaming accumulator for one strategy. Deposit
// and Withdraw are reachable only through the allocator, which holds the
// sole *Stream handle; everything else is read-only or self-crediting.
type Stream struct {
	log *slog.Logger
	cfg StreamConfig

	totalSupply *big.Int
	balances    map[token.Account]*big.Int

	assetOrder []token.Asset
	assets     map[token.Asset]*assetState

	paid    map[token.Account]map[token.Asset]*big.Int
	accrued map[token.Account]map[token.Asset]*big.Int
}

func NewStream(cfg StreamConfig) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Stream{
		log:         cfg.Logger,
		cfg:         cfg,
		totalSupply: new(big.Int),
		balances:    make(map[token.Account]*big.Int),
		assets:      make(map[token.Asset]*assetState),
		paid:        make(map[token.Account]map[token.Asset]*big.Int),
		accrued:     make(map[token.Account]map[token.Asset]*big.Int),
	}, nil
}

// Account returns the ledger account holding unclaimed rewards.
func (s *Stream) Account() token.Account { return s.cfg.Account }

// TotalSupply returns a copy of the total weighted balance.
func (s *Stream) TotalSupply() *big.Int { return new(big.Int).Set(s.totalSupply) }

// BalanceOf returns a copy of the account's weighted balance.
func (s *Stream) BalanceOf(acct token.Account) *big.Int {
	if b, ok := s.balances[acct]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Assets returns the registered reward assets in registration order.
func (s *Stream) Assets() []token.Asset {
	out := make([]token.Asset, len(s.assetOrder))
	copy(out, s.assetOrder)
	return out
}

// AddAsset registers a reward asset. Assets can be added but never removed;
// duplicate registration fails.
func (s *Stream) AddAsset(asset token.Asset) error {
	if _, ok := s.assets[asset]; ok {
		return fmt.Errorf("asset %s: %w", asset, ErrAssetRegistered)
	}
	s.assets[asset] = &assetState{
		rewardRate:            new(big.Int),
		rewardPerWeightStored: new(big.Int),
	}
	s.assetOrder = append(s.assetOrder, asset)
	s.log.Debug("stream: reward asset registered", "asset", asset)
	return nil
}

// rewardPerWeight extends the stored accumulator to now. With no weighted
// supply there is no accrual and the accumulator stands still.
func (s *Stream) rewardPerWeight(st *assetState, now int64) *big.Int {
	if s.totalSupply.Sign() == 0 {
		return new(big.Int).Set(st.rewardPerWeightStored)
	}
	applicable := now
	if applicable > st.periodFinish {
		applicable = st.periodFinish
	}
	delta := applicable - st.lastUpdate
	if delta <= 0 {
		return new(big.Int).Set(st.rewardPerWeightStored)
	}
	streamed := new(big.Int).Mul(st.rewardRate, big.NewInt(delta))
	out := wad.DivWad(streamed, s.totalSupply)
	return out.Add(out, st.rewardPerWeightStored)
}

func (s *Stream) checkpointAsset(st *assetState, now int64) {
	st.rewardPerWeightStored = s.rewardPerWeight(st, now)
	if now < st.periodFinish {
		st.lastUpdate = now
	} else {
		st.lastUpdate = st.periodFinish
	}
}

// checkpointAccount folds the account's pending earnings into its accrued
// balance and re-bases its paid marker. Must run before any change to the
// account's weighted balance.
func (s *Stream) checkpointAccount(acct token.Account, asset token.Asset, st *assetState) {
	s.accruedFor(acct)[asset] = s.earned(acct, asset, st, st.rewardPerWeightStored)
	s.paidFor(acct)[asset] = new(big.Int).Set(st.rewardPerWeightStored)
}

func (s *Stream) checkpointAll(acct token.Account) {
	now := s.cfg.Clock.Now().Unix()
	for _, asset := range s.assetOrder {
		st := s.assets[asset]
		s.checkpointAsset(st, now)
		if acct != "" {
			s.checkpointAccount(acct, asset, st)
		}
	}
}

func (s *Stream) earned(acct token.Account, asset token.Asset, st *assetState, rpw *big.Int) *big.Int {
	bal, ok := s.balances[acct]
	if !ok {
		bal = new(big.Int)
	}
	paid, ok := s.paidFor(acct)[asset]
	if !ok {
		paid = new(big.Int)
	}
	delta := new(big.Int).Sub(rpw, paid)
	out := wad.MulWad(bal, delta)
	if acc, ok := s.accruedFor(acct)[asset]; ok {
		out.Add(out, acc)
	}
	return out
}

// Earned returns the account's claimable amount of the given asset as of now.
func (s *Stream) Earned(acct token.Account, asset token.Asset) (*big.Int, error) {
	st, ok := s.assets[asset]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", asset, ErrUnknownAsset)
	}
	return s.earned(acct, asset, st, s.rewardPerWeight(st, s.cfg.Clock.Now().Unix())), nil
}

// Left returns the amount of the asset not yet streamed out of the current
// period, zero once the period has finished.
func (s *Stream) Left(asset token.Asset) (*big.Int, error) {
	st, ok := s.assets[asset]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", asset, ErrUnknownAsset)
	}
	now := s.cfg.Clock.Now().Unix()
	if now >= st.periodFinish {
		return new(big.Int), nil
	}
	return new(big.Int).Mul(st.rewardRate, big.NewInt(st.periodFinish-now)), nil
}

// Deposit credits weight to the account after checkpointing every asset.
// Callable only through the allocator.
func (s *Stream) Deposit(acct token.Account, weight *big.Int) error {
	if weight == nil || weight.Sign() <= 0 {
		return fmt.Errorf("deposit for %s: %w", acct, ErrZeroWeight)
	}
	s.checkpointAll(acct)
	bal, ok := s.balances[acct]
	if !ok {
		bal = new(big.Int)
		s.balances[acct] = bal
	}
	bal.Add(bal, weight)
	s.totalSupply.Add(s.totalSupply, weight)
	return nil
}

// Withdraw removes weight from the account after checkpointing every asset.
// Callable only through the allocator.
func (s *Stream) Withdraw(acct token.Account, weight *big.Int) error {
	if weight == nil || weight.Sign() <= 0 {
		return fmt.Errorf("withdraw for %s: %w", acct, ErrZeroWeight)
	}
	bal, ok := s.balances[acct]
	if !ok || bal.Cmp(weight) < 0 {
		return fmt.Errorf("withdraw %s for %s: %w", weight, acct, token.ErrInsufficientBalance)
	}
	s.checkpointAll(acct)
	bal.Sub(bal, weight)
	s.totalSupply.Sub(s.totalSupply, weight)
	return nil
}

// NotifyRewardAmount opens or extends a streaming period for the asset. Any
// unstreamed leftover from an active period blends into the new rate over a
// fresh full duration, so an active stream is never shortened and no funds
// are lost. The amount must already sit on the stream account.
func (s *Stream) NotifyRewardAmount(asset token.Asset, amount *big.Int) error {
	st, ok := s.assets[asset]
	if !ok {
		return fmt.Errorf("asset %s: %w", asset, ErrUnknownAsset)
	}
	if amount == nil || amount.Cmp(durationSeconds) < 0 {
		return fmt.Errorf("asset %s amount %s: %w", asset, amount, ErrRewardTooSmall)
	}
	now := s.cfg.Clock.Now().Unix()
	s.checkpointAsset(st, now)

	total := new(big.Int).Set(amount)
	if now < st.periodFinish {
		leftover := new(big.Int).Mul(st.rewardRate, big.NewInt(st.periodFinish-now))
		total.Add(total, leftover)
	}
	st.rewardRate = total.Quo(total, durationSeconds)
	st.lastUpdate = now
	st.periodFinish = now + int64(Duration/time.Second)

	s.log.Debug("stream: reward notified",
		"asset", asset,
		"amount", amount.String(),
		"rate", st.rewardRate.String(),
		"period_finish", st.periodFinish,
	)
	return nil
}

// Payout is one asset's claim settlement.
type Payout struct {
	Asset  token.Asset
	Amount *big.Int
}

// GetReward pays the account's full accrued balance of every registered
// asset and zeroes it. Claiming twice in the same instant pays nothing the
// second time.
func (s *Stream) GetReward(acct token.Account) ([]Payout, error) {
	s.checkpointAll(acct)
	var payouts []Payout
	for _, asset := range s.assetOrder {
		amount, ok := s.accruedFor(acct)[asset]
		if !ok || amount.Sign() == 0 {
			continue
		}
		if err := s.cfg.Ledger.Transfer(asset, s.cfg.Account, acct, amount); err != nil {
			return nil, fmt.Errorf("failed to pay %s reward: %w", asset, err)
		}
		s.accruedFor(acct)[asset] = new(big.Int)
		payouts = append(payouts, Payout{Asset: asset, Amount: amount})
		s.log.Debug("stream: reward claimed", "account", acct, "asset", asset, "amount", amount.String())
	}
	return payouts, nil
}

func (s *Stream) paidFor(acct token.Account) map[token.Asset]*big.Int {
	m, ok := s.paid[acct]
	if !ok {
		m = make(map[token.Asset]*big.Int)
		s.paid[acct] = m
	}
	return m
}

func (s *Stream) accruedFor(acct token.Account) map[token.Asset]*big.Int {
	m, ok := s.accrued[acct]
	if !ok {
		m = make(map[token.Asset]*big.Int)
		s.accrued[acct] = m
	}
	return m
}
