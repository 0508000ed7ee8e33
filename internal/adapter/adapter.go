// Package adapter declares the external collaborators a vault consumes:
// the yield source its assets are deployed into and, for exchange-rate
// vaults, the oracle pricing the wrapped asset.
package adapter

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// YieldAdapter moves assets in and out of a yield source and reports the
// realisable value it currently holds.
type YieldAdapter interface {
	// DeployFunds puts freshly deposited assets to work.
	DeployFunds(ctx context.Context, amount *uint256.Int) error

	// FreeFunds makes amount available for withdrawal and returns what was
	// actually freed. Returning less than amount realises a loss.
	FreeFunds(ctx context.Context, amount *uint256.Int) (*uint256.Int, error)

	// HarvestAndReport returns the total assets under management.
	HarvestAndReport(ctx context.Context) (*uint256.Int, error)
}

// DepositLimiter is optionally implemented by adapters that cap inflows.
type DepositLimiter interface {
	AvailableDepositLimit(ctx context.Context, receiver common.Address) (*uint256.Int, error)
}

// RateOracle prices one unit of an appreciating wrapped asset.
type RateOracle interface {
	GetCurrentExchangeRate(ctx context.Context) (*uint256.Int, error)
	DecimalsOfExchangeRate() uint8
}
