package auction_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalworks/voteflow/engine/pkg/auction"
	"github.com/signalworks/voteflow/engine/pkg/token"
	"github.com/signalworks/voteflow/engine/pkg/wad"
	vftesting "github.com/signalworks/voteflow/utils/pkg/testing"
)

const (
	payment token.Asset = "payment"
	revenue token.Asset = "revenue"

	lotAcct   token.Account = "auction:lot"
	feeAcct   token.Account = "strategy:fees"
	bribeAcct token.Account = "buffer:bribes"
)

type fixture struct {
	clock  *clockwork.FakeClock
	ledger *token.Ledger
	auc    *auction.Auction
	split  int64
}

func newFixture(t *testing.T, initPrice int64) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clockwork.NewFakeClock(),
		ledger: token.NewLedger(),
		split:  4000,
	}
	mult := new(big.Int).Add(wad.Scale, new(big.Int).Quo(wad.Scale, big.NewInt(2))) // 1.5e18
	auc, err := auction.New(auction.Config{
		Logger:          vftesting.NewLogger(),
		Clock:           f.clock,
		Ledger:          f.ledger,
		PaymentAsset:    payment,
		RevenueAsset:    revenue,
		Account:         lotAcct,
		FeeReceiver:     feeAcct,
		BribeAccount:    bribeAcct,
		BribeSplit:      func() int64 { return f.split },
		EpochPeriod:     time.Hour,
		InitPrice:       big.NewInt(initPrice),
		PriceMultiplier: mult,
		MinInitPrice:    big.NewInt(1),
	})
	require.NoError(t, err)
	f.auc = auc
	return f
}

func (f *fixture) fund(t *testing.T, lot, buyerBalance int64) {
	t.Helper()
	if lot > 0 {
		require.NoError(t, f.ledger.Mint(revenue, lotAcct, big.NewInt(lot)))
	}
	if buyerBalance > 0 {
		require.NoError(t, f.ledger.Mint(payment, "buyer", big.NewInt(buyerBalance)))
	}
}

func TestAuction_PriceDecaysLinearly(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    int64
	}{
		{0, 100},
		{15 * time.Minute, 75},
		{30 * time.Minute, 50},
		{45 * time.Minute, 25},
		{time.Hour, 0},
		{2 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.elapsed.String(), func(t *testing.T) {
			f := newFixture(t, 100)
			f.clock.Advance(tt.elapsed)
			assert.Equal(t, tt.want, f.auc.Price().Int64())
		})
	}
}

func TestAuction_BuyMidEpoch(t *testing.T) {
	f := newFixture(t, 100)
	f.fund(t, 1000, 100)
	start := f.auc.EpochStart()

	f.clock.Advance(15 * time.Minute)
	receipt, err := f.auc.Buy("buyer", "recipient", 0, f.clock.Now().Unix(), big.NewInt(100))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), receipt.EpochID)
	assert.Equal(t, int64(75), receipt.Price.Int64())
	assert.Equal(t, int64(1000), receipt.LotAmount.Int64())

	// Whole lot moved, payment split 40/60 between bribes and fees.
	assert.Equal(t, int64(1000), f.ledger.BalanceOf(revenue, "recipient").Int64())
	assert.Equal(t, int64(0), f.auc.LotBalance().Int64())
	assert.Equal(t, int64(30), f.ledger.BalanceOf(payment, bribeAcct).Int64())
	assert.Equal(t, int64(45), f.ledger.BalanceOf(payment, feeAcct).Int64())
	assert.Equal(t, int64(25), f.ledger.BalanceOf(payment, "buyer").Int64())

	// New epoch starts now with the ratcheted price: max(1, 75*1.5) = 112.
	assert.Equal(t, uint64(1), f.auc.EpochID())
	assert.Equal(t, start+900, f.auc.EpochStart())
	assert.Equal(t, int64(112), f.auc.InitPrice().Int64())
	assert.Equal(t, int64(112), f.auc.Price().Int64())
}

func TestAuction_FreePurchaseResetsToMinInitPrice(t *testing.T) {
	f := newFixture(t, 100)
	f.fund(t, 500, 0)

	f.clock.Advance(2 * time.Hour)
	require.Equal(t, int64(0), f.auc.Price().Int64())

	receipt, err := f.auc.Buy("buyer", "buyer", 0, f.clock.Now().Unix(), big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), receipt.Price.Int64())
	assert.Equal(t, int64(500), f.ledger.BalanceOf(revenue, "buyer").Int64())
	assert.Equal(t, int64(1), f.auc.InitPrice().Int64())
}

func TestAuction_BuyGuards(t *testing.T) {
	t.Run("expired deadline", func(t *testing.T) {
		f := newFixture(t, 100)
		f.fund(t, 100, 100)
		deadline := f.clock.Now().Unix()
		f.clock.Advance(time.Minute)
		_, err := f.auc.Buy("buyer", "buyer", 0, deadline, big.NewInt(100))
		require.ErrorIs(t, err, auction.ErrDeadlineExpired)
	})

	t.Run("epoch mismatch", func(t *testing.T) {
		f := newFixture(t, 100)
		f.fund(t, 100, 200)
		_, err := f.auc.Buy("buyer", "buyer", 0, f.clock.Now().Unix(), big.NewInt(100))
		require.NoError(t, err)

		require.NoError(t, f.ledger.Mint(revenue, lotAcct, big.NewInt(100)))
		_, err = f.auc.Buy("buyer", "buyer", 0, f.clock.Now().Unix(), big.NewInt(200))
		require.ErrorIs(t, err, auction.ErrEpochMismatch)
	})

	t.Run("slippage", func(t *testing.T) {
		f := newFixture(t, 100)
		f.fund(t, 100, 100)
		_, err := f.auc.Buy("buyer", "buyer", 0, f.clock.Now().Unix(), big.NewInt(99))
		require.ErrorIs(t, err, auction.ErrMaxPaymentExceeded)
	})

	t.Run("empty lot", func(t *testing.T) {
		f := newFixture(t, 100)
		f.fund(t, 0, 100)
		_, err := f.auc.Buy("buyer", "buyer", 0, f.clock.Now().Unix(), big.NewInt(100))
		require.ErrorIs(t, err, auction.ErrNothingToSell)
	})

	t.Run("buyer cannot pay", func(t *testing.T) {
		f := newFixture(t, 100)
		f.fund(t, 100, 50)
		_, err := f.auc.Buy("buyer", "buyer", 0, f.clock.Now().Unix(), big.NewInt(100))
		require.ErrorIs(t, err, token.ErrInsufficientBalance)

		// Guard failure left no partial state.
		assert.Equal(t, int64(50), f.ledger.BalanceOf(payment, "buyer").Int64())
		assert.Equal(t, int64(100), f.auc.LotBalance().Int64())
		assert.Equal(t, uint64(0), f.auc.EpochID())
	})
}

func TestAuction_EpochIDOnlyAdvancesOnPurchase(t *testing.T) {
	f := newFixture(t, 100)
	f.fund(t, 100, 1000)

	f.clock.Advance(10 * time.Hour)
	assert.Equal(t, uint64(0), f.auc.EpochID())

	_, err := f.auc.Buy("buyer", "buyer", 0, f.clock.Now().Unix(), big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.auc.EpochID())
}
