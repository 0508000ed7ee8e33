package math

import "github.com/holiman/uint256"

// Converter translates between asset amounts and share amounts for a pool
// whose totals are tracked, never read from a live token balance.
type Converter struct {
	TotalAssets   *uint256.Int
	TotalSupply   *uint256.Int
	AssetDecimals uint8
}

// ToShares converts assets into shares.
// An empty supply bootstraps at 1:1 after normalising the asset's decimals
// to share precision. A pool holding no assets but outstanding supply is
// fully diluted and converts everything to zero.
func (c Converter) ToShares(assets *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	if c.TotalSupply.IsZero() {
		return NormalizeToShares(assets, c.AssetDecimals, rounding)
	}
	return MulDiv(assets, c.TotalSupply, c.TotalAssets, rounding)
}

// ToAssets converts shares into assets, symmetric to ToShares.
func (c Converter) ToAssets(shares *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	if c.TotalSupply.IsZero() {
		return NormalizeToAssets(shares, c.AssetDecimals, rounding)
	}
	return MulDiv(shares, c.TotalAssets, c.TotalSupply, rounding)
}

// NormalizeToShares rescales an asset-denominated amount to share precision.
func NormalizeToShares(assets *uint256.Int, assetDecimals uint8, rounding RoundingMode) (*uint256.Int, error) {
	return ScaleDecimals(assets, assetDecimals, ShareDecimals, rounding)
}

// NormalizeToAssets rescales a share-precision amount to asset precision.
func NormalizeToAssets(shares *uint256.Int, assetDecimals uint8, rounding RoundingMode) (*uint256.Int, error) {
	return ScaleDecimals(shares, ShareDecimals, assetDecimals, rounding)
}
