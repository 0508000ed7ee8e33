// Package solvency tracks what an exchange-rate vault owes its depositors
// and its yield beneficiary, and gates the beneficiary while the pool cannot
// cover those debts.
package solvency

import (
	"errors"
	"fmt"

	fpmath "VaultLedger/internal/math"

	"github.com/holiman/uint256"
)

var ErrInsolvent = errors.New("vault insolvent")

// State is the debt book. Debts are value amounts at share precision: one
// unit of debt is one share's worth of underlying value at par.
type State struct {
	UserDebt         uint256.Int
	DragonDebt       uint256.Int
	LastReportedRate uint256.Int // RAY
}

// Guard owns the debt book.
type Guard struct {
	state         State
	assetDecimals uint8
}

func NewGuard(assetDecimals uint8) *Guard {
	return &Guard{assetDecimals: assetDecimals}
}

func (g *Guard) State() State {
	return g.state
}

func (g *Guard) Restore(s State) {
	g.state = s
}

// TotalDebt returns UserDebt + DragonDebt.
func (g *Guard) TotalDebt() *uint256.Int {
	return new(uint256.Int).Add(&g.state.UserDebt, &g.state.DragonDebt)
}

// CurrentValue prices totalAssets at rate and normalises to share precision.
func (g *Guard) CurrentValue(totalAssets, rate *uint256.Int) (*uint256.Int, error) {
	value, err := fpmath.RayMul(totalAssets, rate, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("price assets: %w", err)
	}
	return fpmath.NormalizeToShares(value, g.assetDecimals, fpmath.RoundDown)
}

// IsInsolvent reports whether outstanding debt exceeds the pool's value.
func (g *Guard) IsInsolvent(totalAssets, rate *uint256.Int) (bool, error) {
	debt := g.TotalDebt()
	if debt.IsZero() {
		return false, nil
	}
	value, err := g.CurrentValue(totalAssets, rate)
	if err != nil {
		return false, err
	}
	return value.Lt(debt), nil
}

// CheckBeneficiary fails with ErrInsolvent when the beneficiary takes part in
// an operation while the pool is insolvent. Depositors are never blocked.
func (g *Guard) CheckBeneficiary(involved bool, totalAssets, rate *uint256.Int) error {
	if !involved {
		return nil
	}
	insolvent, err := g.IsInsolvent(totalAssets, rate)
	if err != nil {
		return err
	}
	if insolvent {
		return fmt.Errorf("%w: beneficiary operation blocked", ErrInsolvent)
	}
	return nil
}

func (g *Guard) AddUserDebt(v *uint256.Int) error {
	sum, err := fpmath.Add(&g.state.UserDebt, v)
	if err != nil {
		return err
	}
	g.state.UserDebt = *sum
	return nil
}

func (g *Guard) AddDragonDebt(v *uint256.Int) error {
	sum, err := fpmath.Add(&g.state.DragonDebt, v)
	if err != nil {
		return err
	}
	g.state.DragonDebt = *sum
	return nil
}

// ReduceUserDebt saturates at zero.
func (g *Guard) ReduceUserDebt(v *uint256.Int) {
	g.state.UserDebt = *fpmath.SubFloor(&g.state.UserDebt, v)
}

// ReduceDragonDebt saturates at zero.
func (g *Guard) ReduceDragonDebt(v *uint256.Int) {
	g.state.DragonDebt = *fpmath.SubFloor(&g.state.DragonDebt, v)
}

// MoveDebt shifts v between the user and beneficiary buckets when shares
// change hands across that boundary.
func (g *Guard) MoveDebt(fromDragon bool, v *uint256.Int) error {
	if fromDragon {
		g.ReduceDragonDebt(v)
		return g.AddUserDebt(v)
	}
	g.ReduceUserDebt(v)
	return g.AddDragonDebt(v)
}

func (g *Guard) SetLastReportedRate(rate *uint256.Int) {
	g.state.LastReportedRate = *rate
}
