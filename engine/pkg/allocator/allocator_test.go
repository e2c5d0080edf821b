package allocator_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalworks/voteflow/engine/pkg/allocator"
	"github.com/signalworks/voteflow/engine/pkg/registry"
	"github.com/signalworks/voteflow/engine/pkg/source"
	"github.com/signalworks/voteflow/engine/pkg/token"
	"github.com/signalworks/voteflow/engine/pkg/wad"
	vftesting "github.com/signalworks/voteflow/utils/pkg/testing"
)

const (
	baseAsset    token.Asset = "base"
	revenueAsset token.Asset = "revenue"
	paymentAsset token.Asset = "payment"

	treasury token.Account = "treasury"
)

type fixture struct {
	clock  *clockwork.FakeClock
	ledger *token.Ledger
	reg    *registry.Registry
	src    *source.Source
	alloc  *allocator.Allocator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := vftesting.NewLogger()
	clock := clockwork.NewFakeClock()
	ledger := token.NewLedger()

	reg, err := registry.New(registry.Config{Logger: log, Ledger: ledger, BaseAsset: baseAsset})
	require.NoError(t, err)
	src, err := source.New(source.Config{Logger: log, Ledger: ledger, Asset: revenueAsset})
	require.NoError(t, err)
	alloc, err := allocator.New(allocator.Config{
		Logger:        log,
		Clock:         clock,
		Ledger:        ledger,
		Registry:      reg,
		Source:        src,
		RevenueAsset:  revenueAsset,
		Treasury:      treasury,
		BribeSplitBps: 4000,
	})
	require.NoError(t, err)
	reg.SetController(alloc)

	return &fixture{clock: clock, ledger: ledger, reg: reg, src: src, alloc: alloc}
}

func (f *fixture) addStrategy(t *testing.T, name string) *allocator.Strategy {
	t.Helper()
	s, err := f.alloc.AddStrategy(allocator.StrategyParams{
		Name:            name,
		PaymentAsset:    paymentAsset,
		FeeReceiver:     token.Account("fees:" + name),
		InitPrice:       big.NewInt(1000),
		EpochPeriod:     time.Hour,
		PriceMultiplier: new(big.Int).Mul(big.NewInt(2), wad.Scale),
		MinInitPrice:    big.NewInt(1),
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) stake(t *testing.T, acct token.Account, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Mint(baseAsset, acct, big.NewInt(amount)))
	require.NoError(t, f.reg.Stake(acct, big.NewInt(amount)))
}

func (f *fixture) creditRevenue(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Mint(revenueAsset, f.src.Account(), big.NewInt(amount)))
}

// checkInvariants asserts the weight bookkeeping identities that must hold
// at every observation point.
func checkInvariants(t *testing.T, f *fixture, accounts ...token.Account) {
	t.Helper()
	sumStrategies := new(big.Int)
	for _, s := range f.alloc.Strategies() {
		sumStrategies.Add(sumStrategies, s.TotalWeight())
		assert.Equal(t, s.TotalWeight(), s.StreamSupply(), "strategy weight must equal stream supply")
	}
	assert.Equal(t, sumStrategies, f.alloc.TotalWeight(), "global weight must equal strategy sum")

	sumUsed := new(big.Int)
	for _, acct := range accounts {
		used := f.alloc.UsedWeight(acct)
		sumUsed.Add(sumUsed, used)
		votes := new(big.Int)
		for _, w := range f.alloc.Votes(acct) {
			votes.Add(votes, w)
		}
		assert.Equal(t, votes, used, "used weight must equal vote sum for %s", acct)
		assert.LessOrEqual(t, used.Cmp(f.reg.WeightOf(acct)), 0, "used weight must not exceed staked weight for %s", acct)
	}
	assert.Equal(t, sumUsed, f.alloc.TotalWeight(), "global weight must equal used sum")
}

func TestAllocator_VoteSplitsWeightProportionally(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	s2 := f.addStrategy(t, "beta")
	f.stake(t, "alice", 100)

	err := f.alloc.Vote("alice",
		[]allocator.StrategyID{s1.ID(), s2.ID()},
		[]*big.Int{big.NewInt(1), big.NewInt(3)},
	)
	require.NoError(t, err)

	assert.Equal(t, int64(25), s1.TotalWeight().Int64())
	assert.Equal(t, int64(75), s2.TotalWeight().Int64())
	assert.Equal(t, int64(100), f.alloc.UsedWeight("alice").Int64())
	checkInvariants(t, f, "alice")
}

func TestAllocator_VoteDropsNormalizationDust(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	s2 := f.addStrategy(t, "beta")
	s3 := f.addStrategy(t, "gamma")
	f.stake(t, "alice", 100)

	err := f.alloc.Vote("alice",
		[]allocator.StrategyID{s1.ID(), s2.ID(), s3.ID()},
		[]*big.Int{big.NewInt(1), big.NewInt(1), big.NewInt(1)},
	)
	require.NoError(t, err)

	// 100/3 truncates to 33 per strategy; the remainder stays unallocated.
	assert.Equal(t, int64(33), s1.TotalWeight().Int64())
	assert.Equal(t, int64(33), s2.TotalWeight().Int64())
	assert.Equal(t, int64(33), s3.TotalWeight().Int64())
	assert.Equal(t, int64(99), f.alloc.UsedWeight("alice").Int64())
	checkInvariants(t, f, "alice")
}

func TestAllocator_RevoteSupersedesPriorAllocation(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	s2 := f.addStrategy(t, "beta")
	f.stake(t, "alice", 100)

	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))
	assert.Equal(t, int64(100), s1.TotalWeight().Int64())

	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s2.ID()}, []*big.Int{big.NewInt(1)}))
	assert.Equal(t, int64(0), s1.TotalWeight().Int64())
	assert.Equal(t, int64(100), s2.TotalWeight().Int64())
	checkInvariants(t, f, "alice")
}

func TestAllocator_ResetClearsEverything(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	f.stake(t, "alice", 100)
	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))

	f.alloc.Reset("alice")

	assert.Equal(t, int64(0), s1.TotalWeight().Int64())
	assert.Equal(t, int64(0), f.alloc.UsedWeight("alice").Int64())
	assert.Empty(t, f.alloc.Votes("alice"))
	checkInvariants(t, f, "alice")

	// With no votes the registry releases the stake.
	require.NoError(t, f.reg.Unstake("alice", big.NewInt(100)))
}

func TestAllocator_VoteGuards(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	f.stake(t, "alice", 100)

	t.Run("array mismatch", func(t *testing.T) {
		err := f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, nil)
		require.ErrorIs(t, err, allocator.ErrArrayMismatch)
		err = f.alloc.Vote("alice", nil, nil)
		require.ErrorIs(t, err, allocator.ErrArrayMismatch)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		err := f.alloc.Vote("alice", []allocator.StrategyID{allocator.StrategyID{}}, []*big.Int{big.NewInt(1)})
		require.ErrorIs(t, err, allocator.ErrUnknownStrategy)
	})

	t.Run("zero weight sum", func(t *testing.T) {
		err := f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(0)})
		require.ErrorIs(t, err, allocator.ErrInvalidWeights)
	})

	t.Run("negative weight", func(t *testing.T) {
		err := f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(-1)})
		require.ErrorIs(t, err, allocator.ErrInvalidWeights)
	})

	t.Run("no staked weight", func(t *testing.T) {
		err := f.alloc.Vote("bob", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)})
		require.ErrorIs(t, err, allocator.ErrNoVotingWeight)
	})

	t.Run("dead strategy", func(t *testing.T) {
		require.NoError(t, f.alloc.RetireStrategy(s1.ID()))
		err := f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)})
		require.ErrorIs(t, err, allocator.ErrDeadStrategy)
	})

	t.Run("guard failure leaves prior votes intact", func(t *testing.T) {
		require.NoError(t, f.alloc.ReviveStrategy(s1.ID()))
		require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))

		err := f.alloc.Vote("alice", []allocator.StrategyID{s1.ID(), allocator.StrategyID{}}, []*big.Int{big.NewInt(1), big.NewInt(1)})
		require.ErrorIs(t, err, allocator.ErrUnknownStrategy)
		assert.Equal(t, int64(100), s1.TotalWeight().Int64())
	})
}

func TestAllocator_DistributeSplitsByWeight(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	s2 := f.addStrategy(t, "beta")
	f.stake(t, "alice", 100)
	f.stake(t, "bob", 300)
	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))
	require.NoError(t, f.alloc.Vote("bob", []allocator.StrategyID{s2.ID()}, []*big.Int{big.NewInt(1)}))

	f.creditRevenue(t, 1000)
	require.NoError(t, f.alloc.DistributeAll())

	assert.Equal(t, int64(250), s1.LotBalance().Int64())
	assert.Equal(t, int64(750), s2.LotBalance().Int64())
	assert.Equal(t, int64(0), f.src.Pending().Int64())
}

func TestAllocator_DistributeSingleStillPullsGlobally(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	s2 := f.addStrategy(t, "beta")
	f.stake(t, "alice", 100)
	f.stake(t, "bob", 100)
	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))
	require.NoError(t, f.alloc.Vote("bob", []allocator.StrategyID{s2.ID()}, []*big.Int{big.NewInt(1)}))

	f.creditRevenue(t, 200)
	require.NoError(t, f.alloc.Distribute(s1.ID()))

	// Only s1 settled into its lot, but the pull covered both: s2's
	// share is checkpointed as claimable, not lost.
	assert.Equal(t, int64(100), s1.LotBalance().Int64())
	assert.Equal(t, int64(0), s2.LotBalance().Int64())

	require.NoError(t, f.alloc.Distribute(s2.ID()))
	assert.Equal(t, int64(100), s2.LotBalance().Int64())
}

func TestAllocator_IndexSurvivesWeightChanges(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	s2 := f.addStrategy(t, "beta")
	f.stake(t, "alice", 100)
	f.stake(t, "bob", 100)
	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))
	require.NoError(t, f.alloc.Vote("bob", []allocator.StrategyID{s2.ID()}, []*big.Int{big.NewInt(1)}))

	f.creditRevenue(t, 200)
	require.NoError(t, f.alloc.DistributeAll())
	assert.Equal(t, int64(100), s1.LotBalance().Int64())
	assert.Equal(t, int64(100), s2.LotBalance().Int64())

	// Alice leaves; later revenue belongs entirely to s2.
	f.alloc.Reset("alice")
	f.creditRevenue(t, 200)
	require.NoError(t, f.alloc.DistributeAll())

	assert.Equal(t, int64(100), s1.LotBalance().Int64())
	assert.Equal(t, int64(300), s2.LotBalance().Int64())
}

func TestAllocator_ZeroWeightRoutesToTreasury(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "alpha")

	f.creditRevenue(t, 500)
	require.NoError(t, f.alloc.DistributeAll())

	assert.Equal(t, int64(500), f.ledger.BalanceOf(revenueAsset, treasury).Int64())
	assert.Equal(t, int64(0), f.alloc.CumulativeIndex().Int64())
}

func TestAllocator_DistributionDustIsBounded(t *testing.T) {
	f := newFixture(t)
	strategies := []*allocator.Strategy{
		f.addStrategy(t, "alpha"),
		f.addStrategy(t, "beta"),
		f.addStrategy(t, "gamma"),
	}
	voters := []token.Account{"alice", "bob", "carol"}
	for i, acct := range voters {
		f.stake(t, acct, 7)
		require.NoError(t, f.alloc.Vote(acct, []allocator.StrategyID{strategies[i].ID()}, []*big.Int{big.NewInt(1)}))
	}

	pulled := int64(1000)
	f.creditRevenue(t, pulled)
	require.NoError(t, f.alloc.DistributeAll())

	credited := new(big.Int)
	for _, s := range strategies {
		credited.Add(credited, s.LotBalance())
	}
	dust := pulled - credited.Int64()
	assert.GreaterOrEqual(t, dust, int64(0))
	assert.Less(t, dust, int64(len(strategies)), "dust must stay below the number of credited strategies")
}

func TestAllocator_RetiredStrategyStopsAccruing(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	s2 := f.addStrategy(t, "beta")
	f.stake(t, "alice", 100)
	f.stake(t, "bob", 100)
	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))
	require.NoError(t, f.alloc.Vote("bob", []allocator.StrategyID{s2.ID()}, []*big.Int{big.NewInt(1)}))

	require.NoError(t, f.alloc.RetireStrategy(s1.ID()))

	f.creditRevenue(t, 400)
	require.NoError(t, f.alloc.DistributeAll())

	// The retired strategy is skipped; its index share goes nowhere.
	assert.Equal(t, int64(0), s1.LotBalance().Int64())
	assert.Equal(t, int64(200), s2.LotBalance().Int64())

	// Settling it explicitly credits nothing accrued after retirement.
	require.NoError(t, f.alloc.Distribute(s1.ID()))
	assert.Equal(t, int64(0), s1.LotBalance().Int64())
}

func TestAllocator_RetireSettlesPriorAccrual(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	f.stake(t, "alice", 100)
	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))

	f.creditRevenue(t, 300)
	require.NoError(t, f.alloc.DistributeAll())
	require.NoError(t, f.alloc.RetireStrategy(s1.ID()))

	// Revenue distributed before retirement already reached the lot and
	// the auction keeps resolving it.
	assert.Equal(t, int64(300), s1.LotBalance().Int64())
}

func TestAllocator_BuySettlesPendingDistributionFirst(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	f.stake(t, "alice", 100)
	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))

	// Revenue waits on the source; no explicit distribute has run.
	f.creditRevenue(t, 900)
	require.NoError(t, f.ledger.Mint(paymentAsset, "buyer", big.NewInt(10_000)))

	receipt, err := f.alloc.Buy(s1.ID(), "buyer", "buyer", 0, f.clock.Now().Unix(), big.NewInt(10_000))
	require.NoError(t, err)

	// The lot sold includes the just-settled distribution.
	assert.Equal(t, int64(900), receipt.LotAmount.Int64())
	assert.Equal(t, int64(900), f.ledger.BalanceOf(revenueAsset, "buyer").Int64())
	assert.Equal(t, int64(1000), receipt.Price.Int64())

	// 40% of the charge routed to the reward buffer.
	assert.Equal(t, int64(400), s1.BufferHeld(paymentAsset).Int64())
}

func TestAllocator_ClaimRewardsAfterBufferFlush(t *testing.T) {
	f := newFixture(t)
	s1 := f.addStrategy(t, "alpha")
	f.stake(t, "alice", 100)
	require.NoError(t, f.alloc.Vote("alice", []allocator.StrategyID{s1.ID()}, []*big.Int{big.NewInt(1)}))

	// Auction proceeds land in the buffer via a direct top-up large
	// enough to open a stream.
	week := int64(7 * 24 * 3600)
	topUp := big.NewInt(week * 1000)
	require.NoError(t, f.ledger.Mint(paymentAsset, token.Account("buffer:"+s1.ID().String()), topUp))

	flushed, err := f.alloc.FlushBuffer(s1.ID())
	require.NoError(t, err)
	require.Len(t, flushed, 1)

	f.clock.Advance(7 * 24 * time.Hour)
	claimed, err := f.alloc.ClaimRewards("alice")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Len(t, claimed[s1.ID()], 1)
	assert.Equal(t, topUp, claimed[s1.ID()][0].Amount)
	assert.Equal(t, topUp, f.ledger.BalanceOf(paymentAsset, "alice"))
}
