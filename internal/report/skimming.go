package report

import (
	"context"
	"errors"
	"fmt"

	"VaultLedger/internal/adapter"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/solvency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrNoRate = errors.New("exchange rate unavailable")

// Stateful is implemented by policies that carry state beyond the share
// ledger, so snapshots can capture and restore it.
type Stateful interface {
	SolvencyState() solvency.State
	RestoreSolvency(s solvency.State)
}

// Skimming tracks an appreciating asset through an external exchange rate.
// One share is one unit of value at share precision; appreciation above
// the outstanding debt is skimmed to the beneficiary on report.
type Skimming struct {
	oracle adapter.RateOracle
	guard  *solvency.Guard
}

func NewSkimming(oracle adapter.RateOracle, assetDecimals uint8) *Skimming {
	return &Skimming{
		oracle: oracle,
		guard:  solvency.NewGuard(assetDecimals),
	}
}

func (s *Skimming) Mode() Mode { return ModeSkimming }

func (s *Skimming) Guard() *solvency.Guard { return s.guard }

func (s *Skimming) SolvencyState() solvency.State { return s.guard.State() }

func (s *Skimming) RestoreSolvency(st solvency.State) { s.guard.Restore(st) }

func (s *Skimming) Checkpoint() func() {
	saved := s.guard.State()
	return func() { s.guard.Restore(saved) }
}

// Quote reads the oracle once and normalises the rate to RAY.
func (s *Skimming) Quote(ctx context.Context) (Quote, error) {
	raw, err := s.oracle.GetCurrentExchangeRate(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrNoRate, err)
	}
	rate, err := fpmath.ToRay(raw, s.oracle.DecimalsOfExchangeRate())
	if err != nil {
		return Quote{}, fmt.Errorf("normalise rate: %w", err)
	}
	return Quote{Rate: rate}, nil
}

func (s *Skimming) rate(q Quote) (*uint256.Int, error) {
	if q.Rate == nil {
		return nil, ErrNoRate
	}
	return q.Rate, nil
}

func (s *Skimming) IsInsolvent(p Pool, q Quote) (bool, error) {
	rate, err := s.rate(q)
	if err != nil {
		return false, err
	}
	return s.guard.IsInsolvent(p.TotalAssets(), rate)
}

// ToShares prices assets at the rate while solvent. While insolvent the
// pool is shared pro rata instead.
func (s *Skimming) ToShares(p Pool, q Quote, assets *uint256.Int, r fpmath.RoundingMode) (*uint256.Int, error) {
	insolvent, err := s.IsInsolvent(p, q)
	if err != nil {
		return nil, err
	}
	if insolvent {
		return converter(p).ToShares(assets, r)
	}
	value, err := fpmath.RayMul(assets, q.Rate, r)
	if err != nil {
		return nil, err
	}
	return fpmath.NormalizeToShares(value, p.AssetDecimals(), r)
}

func (s *Skimming) ToAssets(p Pool, q Quote, shares *uint256.Int, r fpmath.RoundingMode) (*uint256.Int, error) {
	insolvent, err := s.IsInsolvent(p, q)
	if err != nil {
		return nil, err
	}
	if insolvent {
		return converter(p).ToAssets(shares, r)
	}
	value, err := fpmath.NormalizeToAssets(shares, p.AssetDecimals(), r)
	if err != nil {
		return nil, err
	}
	return fpmath.RayDiv(value, q.Rate, r)
}

func (s *Skimming) CheckDeposit(p Pool, q Quote) error {
	insolvent, err := s.IsInsolvent(p, q)
	if err != nil {
		return err
	}
	if insolvent {
		return fmt.Errorf("%w: deposits halted", solvency.ErrInsolvent)
	}
	return nil
}

func (s *Skimming) CheckBeneficiary(p Pool, q Quote, parties ...common.Address) error {
	rate, err := s.rate(q)
	if err != nil {
		return err
	}
	return s.guard.CheckBeneficiary(involves(p.Beneficiary(), parties), p.TotalAssets(), rate)
}

func (s *Skimming) OnMint(p Pool, to common.Address, shares *uint256.Int) error {
	if to == p.Beneficiary() {
		return s.guard.AddDragonDebt(shares)
	}
	return s.guard.AddUserDebt(shares)
}

func (s *Skimming) OnBurn(p Pool, from common.Address, shares *uint256.Int) error {
	if from == p.Beneficiary() {
		s.guard.ReduceDragonDebt(shares)
	} else {
		s.guard.ReduceUserDebt(shares)
	}
	return nil
}

func (s *Skimming) OnTransfer(p Pool, from, to common.Address, shares *uint256.Int) error {
	beneficiary := p.Beneficiary()
	switch {
	case from == beneficiary && to != beneficiary:
		return s.guard.MoveDebt(true, shares)
	case to == beneficiary && from != beneficiary:
		return s.guard.MoveDebt(false, shares)
	}
	return nil
}

// Settle books harvested as the new asset total and compares its value at
// the quoted rate with the outstanding debt. A surplus is minted to the
// beneficiary. A shortfall is absorbed by burning the beneficiary's shares;
// what the buffer cannot absorb is returned as Unrecovered and leaves the
// pool insolvent until a later report restores it.
func (s *Skimming) Settle(p Pool, q Quote, harvested *uint256.Int) (Result, error) {
	rate, err := s.rate(q)
	if err != nil {
		return Result{}, err
	}
	res := emptyResult()
	beneficiary := p.Beneficiary()

	p.SetTotalAssets(harvested)
	value, err := s.guard.CurrentValue(harvested, rate)
	if err != nil {
		return Result{}, fmt.Errorf("value pool: %w", err)
	}
	debt := s.guard.TotalDebt()

	switch {
	case value.Gt(debt):
		surplus := new(uint256.Int).Sub(value, debt)
		if err := p.Mint(beneficiary, surplus); err != nil {
			return Result{}, fmt.Errorf("mint surplus shares: %w", err)
		}
		if err := s.guard.AddDragonDebt(surplus); err != nil {
			return Result{}, err
		}
		res.Profit = surplus
		res.SharesMinted = new(uint256.Int).Set(surplus)

	case value.Lt(debt):
		shortfall := new(uint256.Int).Sub(debt, value)
		burn := fpmath.Min(shortfall, p.BalanceOf(beneficiary))
		if err := p.Burn(beneficiary, burn); err != nil {
			return Result{}, fmt.Errorf("burn buffer shares: %w", err)
		}
		s.guard.ReduceDragonDebt(burn)
		res.Loss = shortfall
		res.SharesBurned = burn
		res.Unrecovered = new(uint256.Int).Sub(shortfall, burn)
	}

	s.guard.SetLastReportedRate(rate)
	res.TotalAssets = new(uint256.Int).Set(harvested)
	res.Rate = new(uint256.Int).Set(rate)
	return res, nil
}
