// Package report implements the settlement policies a vault applies when a
// keeper reports: yield donation (principal-preserving) and yield skimming
// (exchange-rate tracking with a solvency buffer).
package report

import (
	"context"

	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Mode names a settlement policy.
type Mode string

const (
	ModeDonating Mode = "donating"
	ModeSkimming Mode = "skimming"
)

// Pool is the accounting surface a policy reads and mutates. The vault
// engine implements it over the operation in flight, so every mutation is
// journaled and rolled back with the operation.
type Pool interface {
	TotalAssets() *uint256.Int
	TotalSupply() *uint256.Int
	AssetDecimals() uint8
	BalanceOf(holder common.Address) *uint256.Int
	Beneficiary() common.Address

	SetTotalAssets(v *uint256.Int)
	Mint(to common.Address, shares *uint256.Int) error
	Burn(from common.Address, shares *uint256.Int) error
}

// Quote carries the external reads taken once for an operation.
type Quote struct {
	Rate *uint256.Int // RAY; nil for policies without an oracle
}

// Result is the outcome of a settlement. Amounts are asset units for the
// donating policy and share-precision value units for the skimming policy.
type Result struct {
	Profit       *uint256.Int
	Loss         *uint256.Int
	Unrecovered  *uint256.Int
	SharesMinted *uint256.Int
	SharesBurned *uint256.Int
	TotalAssets  *uint256.Int
	Rate         *uint256.Int
}

func emptyResult() Result {
	return Result{
		Profit:       new(uint256.Int),
		Loss:         new(uint256.Int),
		Unrecovered:  new(uint256.Int),
		SharesMinted: new(uint256.Int),
		SharesBurned: new(uint256.Int),
	}
}

// Policy is the pluggable settlement and conversion behaviour of a vault.
type Policy interface {
	Mode() Mode

	// Quote takes this operation's external reads.
	Quote(ctx context.Context) (Quote, error)

	ToShares(p Pool, q Quote, assets *uint256.Int, rounding fpmath.RoundingMode) (*uint256.Int, error)
	ToAssets(p Pool, q Quote, shares *uint256.Int, rounding fpmath.RoundingMode) (*uint256.Int, error)

	// CheckDeposit gates deposits and mints for every caller.
	CheckDeposit(p Pool, q Quote) error
	// CheckBeneficiary gates operations in which the beneficiary takes part.
	CheckBeneficiary(p Pool, q Quote, parties ...common.Address) error
	// IsInsolvent reports whether depositor claims are uncovered.
	IsInsolvent(p Pool, q Quote) (bool, error)

	// Bookkeeping hooks run after the ledger mutation they describe.
	OnMint(p Pool, to common.Address, shares *uint256.Int) error
	OnBurn(p Pool, from common.Address, shares *uint256.Int) error
	OnTransfer(p Pool, from, to common.Address, shares *uint256.Int) error

	// Settle reconciles the pool against the harvested asset total.
	Settle(p Pool, q Quote, harvested *uint256.Int) (Result, error)

	// Checkpoint captures policy state and returns a function restoring it.
	Checkpoint() func()
}

func involves(beneficiary common.Address, parties []common.Address) bool {
	for _, p := range parties {
		if p == beneficiary {
			return true
		}
	}
	return false
}

func converter(p Pool) fpmath.Converter {
	return fpmath.Converter{
		TotalAssets:   p.TotalAssets(),
		TotalSupply:   p.TotalSupply(),
		AssetDecimals: p.AssetDecimals(),
	}
}
