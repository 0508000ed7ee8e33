package solvency_test

import (
	"testing"

	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/solvency"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func rate(t *testing.T, num, den uint64) *uint256.Int {
	t.Helper()
	r, err := fpmath.MulDiv(fpmath.Ray(), u(num), u(den), fpmath.RoundDown)
	require.NoError(t, err)
	return r
}

func TestGuard_NoDebtIsSolvent(t *testing.T) {
	g := solvency.NewGuard(18)
	insolvent, err := g.IsInsolvent(u(0), rate(t, 1, 1))
	require.NoError(t, err)
	assert.False(t, insolvent)
}

func TestGuard_DetectsShortfall(t *testing.T) {
	g := solvency.NewGuard(18)
	require.NoError(t, g.AddUserDebt(u(1_000)))
	require.NoError(t, g.AddDragonDebt(u(100)))

	// 1_000 assets at 1.1 = 1_100 value: exactly covered
	insolvent, err := g.IsInsolvent(u(1_000), rate(t, 11, 10))
	require.NoError(t, err)
	assert.False(t, insolvent)

	// rate drops to 1.05: 1_050 < 1_100
	insolvent, err = g.IsInsolvent(u(1_000), rate(t, 105, 100))
	require.NoError(t, err)
	assert.True(t, insolvent)
}

func TestGuard_CheckBeneficiaryOnlyBlocksBeneficiary(t *testing.T) {
	g := solvency.NewGuard(18)
	require.NoError(t, g.AddUserDebt(u(1_000)))
	r := rate(t, 9, 10)

	assert.NoError(t, g.CheckBeneficiary(false, u(1_000), r))
	assert.ErrorIs(t, g.CheckBeneficiary(true, u(1_000), r), solvency.ErrInsolvent)
}

func TestGuard_MoveDebt(t *testing.T) {
	g := solvency.NewGuard(18)
	require.NoError(t, g.AddDragonDebt(u(300)))

	require.NoError(t, g.MoveDebt(true, u(100)))
	s := g.State()
	assert.Equal(t, uint64(200), s.DragonDebt.Uint64())
	assert.Equal(t, uint64(100), s.UserDebt.Uint64())

	require.NoError(t, g.MoveDebt(false, u(50)))
	s = g.State()
	assert.Equal(t, uint64(250), s.DragonDebt.Uint64())
	assert.Equal(t, uint64(50), s.UserDebt.Uint64())
}

func TestGuard_ReductionsSaturate(t *testing.T) {
	g := solvency.NewGuard(18)
	require.NoError(t, g.AddUserDebt(u(10)))
	g.ReduceUserDebt(u(25))
	g.ReduceDragonDebt(u(1))
	assert.True(t, g.TotalDebt().IsZero())
}

func TestGuard_CurrentValueNormalisesDecimals(t *testing.T) {
	g := solvency.NewGuard(6)
	value, err := g.CurrentValue(u(2_000_000), rate(t, 3, 2))
	require.NoError(t, err)

	want, err := uint256.FromDecimal("3000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, want, value)
}
