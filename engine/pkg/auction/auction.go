// Package auction implements the per-strategy decaying-price auction. Each
// epoch the price decays linearly from its initial price to zero over the
// epoch period; a purchase takes the whole lot, ratchets the next initial
// price off the paid price and starts a new epoch.
package auction

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

var (
	// ErrDeadlineExpired is returned when a buy arrives after its deadline.
	ErrDeadlineExpired = errors.New("buy deadline expired")

	// ErrEpochMismatch is returned when another purchase already advanced
	// the epoch the caller quoted against.
	ErrEpochMismatch = errors.New("auction epoch mismatch")

	// ErrMaxPaymentExceeded is returned when the current price is above
	// the caller's payment ceiling.
	ErrMaxPaymentExceeded = errors.New("current price exceeds max payment")

	// ErrNothingToSell is returned when the lot is empty.
	ErrNothingToSell = errors.New("auction lot is empty")
)

// BribeSplit reports the globally configured basis-point fraction of sale
// proceeds routed to the strategy's reward buffer. The allocator owns the
// value; the auction reads it at purchase time.
type BribeSplit func() int64

type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Ledger       *token.Ledger
	PaymentAsset token.Asset
	RevenueAsset token.Asset
	// Account holds the lot of revenue asset currently for sale.
	Account token.Account
	// FeeReceiver receives the non-bribe share of sale proceeds.
	FeeReceiver token.Account
	// BribeAccount receives the bribe share of sale proceeds.
	BribeAccount token.Account
	BribeSplit   BribeSplit

	EpochPeriod     time.Duration
	InitPrice       *big.Int
	PriceMultiplier *big.Int // 1e18 scale
	MinInitPrice    *big.Int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.PaymentAsset == "" || cfg.RevenueAsset == "" {
		return errors.New("payment and revenue assets are required")
	}
	if cfg.Account == "" || cfg.FeeReceiver == "" || cfg.BribeAccount == "" {
		return errors.New("lot, fee receiver and bribe accounts are required")
	}
	if cfg.BribeSplit == nil {
		return errors.New("bribe split is required")
	}
	if cfg.EpochPeriod <= 0 {
		return errors.New("epoch period must be positive")
	}
	if wad.IsZero(cfg.MinInitPrice) || cfg.MinInitPrice.Sign() < 0 {
		return errors.New("min init price must be positive")
	}
	if cfg.InitPrice == nil || cfg.InitPrice.Cmp(cfg.MinInitPrice) < 0 {
		return errors.New("init price must be at least the min init price")
	}
	if wad.IsZero(cfg.PriceMultiplier) {
		return errors.New("price multiplier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Receipt describes a completed purchase.
type Receipt struct {
	EpochID     uint64
	Price       *big.Int
	LotAmount   *big.Int
	BribeAmount *big.Int
	FeeAmount   *big.Int
}

// Auction holds the mutable epoch state for one strategy. It is only ever
// mutated by its own Buy method, called under the engine's writer lock.
type Auction struct {
	log *slog.Logger
	cfg Config

	epochID   uint64
	startTime int64 // unix seconds
	initPrice *big.Int
}

func New(cfg Config) (*Auction, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Auction{
		log:       cfg.Logger,
		cfg:       cfg,
		startTime: cfg.Clock.Now().Unix(),
		initPrice: new(big.Int).Set(cfg.InitPrice),
	}, nil
}

// EpochID returns the current epoch identifier. It increments only on a
// successful purchase.
func (a *Auction) EpochID() uint64 { return a.epochID }

// EpochStart returns the unix time the current epoch began.
func (a *Auction) EpochStart() int64 { return a.startTime }

// InitPrice returns a copy of the current epoch's initial price.
func (a *Auction) InitPrice() *big.Int { return new(big.Int).Set(a.initPrice) }

// LotBalance returns the revenue asset currently for sale.
func (a *Auction) LotBalance() *big.Int {
	return a.cfg.Ledger.BalanceOf(a.cfg.RevenueAsset, a.cfg.Account)
}

// Account returns the ledger account holding the lot.
func (a *Auction) Account() token.Account { return a.cfg.Account }

// Price returns the current decayed price: linear from the initial price at
// epoch start down to zero at the end of the epoch period, zero thereafter.
func (a *Auction) Price() *big.Int {
	return a.priceAt(a.cfg.Clock.Now().Unix())
}

func (a *Auction) priceAt(now int64) *big.Int {
	period := int64(a.cfg.EpochPeriod / time.Second)
	elapsed := now - a.startTime
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= period {
		return new(big.Int)
	}
	remaining := big.NewInt(period - elapsed)
	return wad.MulDiv(a.initPrice, remaining, big.NewInt(period))
}

// Buy charges the buyer the current price, splits the proceeds between the
// bribe account and the fee receiver, hands the entire lot to the recipient
// and opens a new epoch. Every guard is checked before the first ledger
// mutation, so a failed buy leaves no partial state.
func (a *Auction) Buy(buyer, recipient token.Account, expectedEpochID uint64, deadline int64, maxPayment *big.Int) (*Receipt, error) {
	now := a.cfg.Clock.Now().Unix()
	if now > deadline {
		return nil, fmt.Errorf("buy in epoch %d: %w", a.epochID, ErrDeadlineExpired)
	}
	if expectedEpochID != a.epochID {
		return nil, fmt.Errorf("expected epoch %d, current %d: %w", expectedEpochID, a.epochID, ErrEpochMismatch)
	}
	price := a.priceAt(now)
	if maxPayment == nil || price.Cmp(maxPayment) > 0 {
		return nil, fmt.Errorf("price %s in epoch %d: %w", price, a.epochID, ErrMaxPaymentExceeded)
	}
	lot := a.LotBalance()
	if lot.Sign() == 0 {
		return nil, fmt.Errorf("buy in epoch %d: %w", a.epochID, ErrNothingToSell)
	}
	if a.cfg.Ledger.BalanceOf(a.cfg.PaymentAsset, buyer).Cmp(price) < 0 {
		return nil, fmt.Errorf("buyer %s cannot cover price %s: %w", buyer, price, token.ErrInsufficientBalance)
	}

	bribe := new(big.Int)
	fee := new(big.Int)
	if price.Sign() > 0 {
		bribe = wad.Bps(price, a.cfg.BribeSplit())
		fee = new(big.Int).Sub(price, bribe)
		if bribe.Sign() > 0 {
			if err := a.cfg.Ledger.Transfer(a.cfg.PaymentAsset, buyer, a.cfg.BribeAccount, bribe); err != nil {
				return nil, fmt.Errorf("failed to pay bribe share: %w", err)
			}
		}
		if fee.Sign() > 0 {
			if err := a.cfg.Ledger.Transfer(a.cfg.PaymentAsset, buyer, a.cfg.FeeReceiver, fee); err != nil {
				return nil, fmt.Errorf("failed to pay fee share: %w", err)
			}
		}
	}
	if err := a.cfg.Ledger.Transfer(a.cfg.RevenueAsset, a.cfg.Account, recipient, lot); err != nil {
		return nil, fmt.Errorf("failed to transfer lot: %w", err)
	}

	receipt := &Receipt{
		EpochID:     a.epochID,
		Price:       price,
		LotAmount:   lot,
		BribeAmount: bribe,
		FeeAmount:   fee,
	}

	// Ratchet: next epoch opens at the paid price scaled by the
	// multiplier, floored at the configured minimum. A free purchase
	// resets to the minimum.
	a.epochID++
	a.startTime = now
	a.initPrice = wad.Max(a.cfg.MinInitPrice, wad.MulWad(price, a.cfg.PriceMultiplier))

	a.log.Debug("auction: lot sold",
		"epoch", receipt.EpochID,
		"price", price.String(),
		"lot", lot.String(),
		"buyer", buyer,
		"recipient", recipient,
		"next_init_price", a.initPrice.String(),
	)
	return receipt, nil
}
