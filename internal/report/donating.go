package report

import (
	"context"
	"fmt"

	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Donating mints all profit to the beneficiary as new shares and burns the
// beneficiary's shares first on loss, so depositor principal stays 1:1.
type Donating struct{}

func NewDonating() *Donating {
	return &Donating{}
}

func (d *Donating) Mode() Mode { return ModeDonating }

func (d *Donating) Quote(context.Context) (Quote, error) { return Quote{}, nil }

// ToShares is one share per asset unit at share precision. Unrecovered loss
// does not move it: the pool can then hold fewer assets than supply, and
// withdrawals are capped by what it holds instead of repriced.
func (d *Donating) ToShares(p Pool, _ Quote, assets *uint256.Int, r fpmath.RoundingMode) (*uint256.Int, error) {
	return fpmath.NormalizeToShares(assets, p.AssetDecimals(), r)
}

func (d *Donating) ToAssets(p Pool, _ Quote, shares *uint256.Int, r fpmath.RoundingMode) (*uint256.Int, error) {
	return fpmath.NormalizeToAssets(shares, p.AssetDecimals(), r)
}

func (d *Donating) CheckDeposit(Pool, Quote) error { return nil }

func (d *Donating) CheckBeneficiary(Pool, Quote, ...common.Address) error { return nil }

func (d *Donating) IsInsolvent(Pool, Quote) (bool, error) { return false, nil }

func (d *Donating) OnMint(Pool, common.Address, *uint256.Int) error { return nil }

func (d *Donating) OnBurn(Pool, common.Address, *uint256.Int) error { return nil }

func (d *Donating) OnTransfer(Pool, common.Address, common.Address, *uint256.Int) error { return nil }

func (d *Donating) Checkpoint() func() { return func() {} }

// Settle compares harvested against the tracked total. It is the only place
// the supply-weighted price applies. Profit is minted to the beneficiary at
// the pre-report share price; loss burns up to the
// beneficiary's balance and anything beyond is returned as Unrecovered.
func (d *Donating) Settle(p Pool, _ Quote, harvested *uint256.Int) (Result, error) {
	res := emptyResult()
	conv := converter(p)
	previous := p.TotalAssets()
	beneficiary := p.Beneficiary()

	switch {
	case harvested.Gt(previous):
		profit := new(uint256.Int).Sub(harvested, previous)
		shares, err := conv.ToShares(profit, fpmath.RoundDown)
		if err != nil {
			return Result{}, fmt.Errorf("convert profit: %w", err)
		}
		if err := p.Mint(beneficiary, shares); err != nil {
			return Result{}, fmt.Errorf("mint profit shares: %w", err)
		}
		res.Profit = profit
		res.SharesMinted = shares

	case harvested.Lt(previous):
		loss := new(uint256.Int).Sub(previous, harvested)
		lossShares, err := conv.ToShares(loss, fpmath.RoundUp)
		if err != nil {
			return Result{}, fmt.Errorf("convert loss: %w", err)
		}
		burn := fpmath.Min(lossShares, p.BalanceOf(beneficiary))

		covered := loss
		if burn.Lt(lossShares) {
			if covered, err = conv.ToAssets(burn, fpmath.RoundDown); err != nil {
				return Result{}, fmt.Errorf("convert burned shares: %w", err)
			}
			covered = fpmath.Min(covered, loss)
		}

		if err := p.Burn(beneficiary, burn); err != nil {
			return Result{}, fmt.Errorf("burn loss shares: %w", err)
		}
		res.Loss = loss
		res.SharesBurned = burn
		res.Unrecovered = new(uint256.Int).Sub(loss, covered)
	}

	p.SetTotalAssets(harvested)
	res.TotalAssets = new(uint256.Int).Set(harvested)
	return res, nil
}
