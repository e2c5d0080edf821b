package rewards

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/signalworks/voteflow/engine/pkg/token"
)

type BufferConfig struct {
	Logger *slog.Logger
	Ledger *token.Ledger
	// Account accumulates auction proceeds and external top-ups.
	Account token.Account
	Stream  *Stream
}

func (cfg *BufferConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Account == "" {
		return errors.New("buffer account is required")
	}
	if cfg.Stream == nil {
		return errors.New("stream is required")
	}
	return nil
}

// Buffer gates forwarding of accumulated proceeds into the stream: a held
// balance only opens a new streaming period once it exceeds what the stream
// still owes from the current one. A smaller deposit would lower the rate
// while resetting the duration, which is strictly worse for recipients.
type Buffer struct {
	log *slog.Logger
	cfg BufferConfig
}

func NewBuffer(cfg BufferConfig) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{log: cfg.Logger, cfg: cfg}, nil
}

// Account returns the ledger account holding buffered proceeds.
func (b *Buffer) Account() token.Account { return b.cfg.Account }

// Held returns the buffered balance of the given asset.
func (b *Buffer) Held(asset token.Asset) *big.Int {
	return b.cfg.Ledger.BalanceOf(asset, b.cfg.Account)
}

// Flush is one asset's forwarded amount.
type Flush struct {
	Asset  token.Asset
	Amount *big.Int
}

// Distribute forwards, per registered reward asset, the entire held balance
// into the stream when it exceeds the stream's unstreamed remainder.
// Balances below the streaming duration stay buffered as well, since the
// stream would reject them as rate-truncating. Repeated calls below the
// threshold are no-ops.
func (b *Buffer) Distribute() ([]Flush, error) {
	var flushed []Flush
	for _, asset := range b.cfg.Stream.Assets() {
		held := b.Held(asset)
		if held.Sign() == 0 || held.Cmp(durationSeconds) < 0 {
			continue
		}
		left, err := b.cfg.Stream.Left(asset)
		if err != nil {
			return nil, err
		}
		if held.Cmp(left) <= 0 {
			continue
		}
		if err := b.cfg.Ledger.Transfer(asset, b.cfg.Account, b.cfg.Stream.Account(), held); err != nil {
			return nil, fmt.Errorf("failed to forward %s to stream: %w", asset, err)
		}
		if err := b.cfg.Stream.NotifyRewardAmount(asset, held); err != nil {
			return nil, fmt.Errorf("failed to notify %s reward: %w", asset, err)
		}
		flushed = append(flushed, Flush{Asset: asset, Amount: held})
		b.log.Debug("buffer: forwarded to stream", "asset", asset, "amount", held.String())
	}
	return flushed, nil
}
