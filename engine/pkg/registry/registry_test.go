package registry_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalworks/voteflow/engine/pkg/registry"
	"github.com/signalworks/voteflow/engine/pkg/token"
	vftesting "github.com/signalworks/voteflow/utils/pkg/testing"
)

const base token.Asset = "base"

func newRegistry(t *testing.T) (*registry.Registry, *token.Ledger) {
	t.Helper()
	ledger := token.NewLedger()
	reg, err := registry.New(registry.Config{
		Logger:    vftesting.NewLogger(),
		Ledger:    ledger,
		BaseAsset: base,
	})
	require.NoError(t, err)
	return reg, ledger
}

// fixedController reports the same used weight for every account.
type fixedController struct{ used *big.Int }

func (c *fixedController) UsedWeight(token.Account) *big.Int { return new(big.Int).Set(c.used) }

func TestRegistry_StakeMintsWeight(t *testing.T) {
	reg, ledger := newRegistry(t)
	require.NoError(t, ledger.Mint(base, "alice", big.NewInt(1000)))

	require.NoError(t, reg.Stake("alice", big.NewInt(400)))

	assert.Equal(t, int64(400), reg.WeightOf("alice").Int64())
	assert.Equal(t, int64(400), reg.TotalWeight().Int64())
	assert.Equal(t, int64(600), ledger.BalanceOf(base, "alice").Int64())
}

func TestRegistry_StakeRequiresBalance(t *testing.T) {
	reg, _ := newRegistry(t)
	err := reg.Stake("alice", big.NewInt(1))
	require.ErrorIs(t, err, token.ErrInsufficientBalance)
	assert.Equal(t, int64(0), reg.WeightOf("alice").Int64())
}

func TestRegistry_UnstakeReturnsBaseAsset(t *testing.T) {
	reg, ledger := newRegistry(t)
	require.NoError(t, ledger.Mint(base, "alice", big.NewInt(1000)))
	require.NoError(t, reg.Stake("alice", big.NewInt(400)))

	require.NoError(t, reg.Unstake("alice", big.NewInt(150)))

	assert.Equal(t, int64(250), reg.WeightOf("alice").Int64())
	assert.Equal(t, int64(250), reg.TotalWeight().Int64())
	assert.Equal(t, int64(750), ledger.BalanceOf(base, "alice").Int64())
}

func TestRegistry_UnstakeMoreThanStaked(t *testing.T) {
	reg, ledger := newRegistry(t)
	require.NoError(t, ledger.Mint(base, "alice", big.NewInt(100)))
	require.NoError(t, reg.Stake("alice", big.NewInt(100)))

	err := reg.Unstake("alice", big.NewInt(101))
	require.ErrorIs(t, err, token.ErrInsufficientBalance)
}

func TestRegistry_ZeroAmounts(t *testing.T) {
	reg, _ := newRegistry(t)
	assert.ErrorIs(t, reg.Stake("alice", big.NewInt(0)), registry.ErrZeroAmount)
	assert.ErrorIs(t, reg.Stake("alice", nil), registry.ErrZeroAmount)
	assert.ErrorIs(t, reg.Unstake("alice", big.NewInt(0)), registry.ErrZeroAmount)
}

func TestRegistry_ControllerLocksUnstake(t *testing.T) {
	reg, ledger := newRegistry(t)
	require.NoError(t, ledger.Mint(base, "alice", big.NewInt(100)))
	require.NoError(t, reg.Stake("alice", big.NewInt(100)))

	reg.SetController(&fixedController{used: big.NewInt(100)})
	err := reg.Unstake("alice", big.NewInt(100))
	require.ErrorIs(t, err, registry.ErrWeightLocked)
	assert.Equal(t, int64(100), reg.WeightOf("alice").Int64())

	// Once the allocation is gone, unstaking works again.
	reg.SetController(&fixedController{used: big.NewInt(0)})
	require.NoError(t, reg.Unstake("alice", big.NewInt(100)))
	assert.Equal(t, int64(100), ledger.BalanceOf(base, "alice").Int64())
}

func TestRegistry_NoControllerAlwaysPermitsUnstake(t *testing.T) {
	reg, ledger := newRegistry(t)
	require.NoError(t, ledger.Mint(base, "alice", big.NewInt(100)))
	require.NoError(t, reg.Stake("alice", big.NewInt(100)))

	require.NoError(t, reg.Unstake("alice", big.NewInt(100)))
}
