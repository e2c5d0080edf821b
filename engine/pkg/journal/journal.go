// Package journal records completed engine operations to an append-only
// store for dashboards and audits. Recording is best-effort: the engine
// logs and continues when a recorder fails, so accounting never depends on
// journal availability.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindStake       = "stake"
	KindUnstake     = "unstake"
	KindVote        = "vote"
	KindReset       = "reset"
	KindDistribute  = "distribute"
	KindPurchase    = "purchase"
	KindBufferFlush = "buffer_flush"
	KindRewardClaim = "reward_claim"
)

// Event is one completed engine operation. Amount carries the operation's
// principal value as a decimal string (stake amount, price paid, claimed
// amount); Detail holds kind-specific extras.
type Event struct {
	ID         uuid.UUID
	OccurredAt time.Time
	Kind       string
	Account    string
	Strategy   string
	Asset      string
	Amount     string
	Detail     map[string]any
}

// Recorder persists engine events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards all events. Used when no journal store is configured.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (*Noop) Record(context.Context, Event) error { return nil }
func (*Noop) Close() error                        { return nil }
