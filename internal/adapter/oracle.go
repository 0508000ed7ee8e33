package adapter

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
)

// ManualRateOracle returns whatever rate it was last given.
type ManualRateOracle struct {
	mu       sync.RWMutex
	rate     uint256.Int
	decimals uint8
}

func NewManualRateOracle(rate *uint256.Int, decimals uint8) *ManualRateOracle {
	o := &ManualRateOracle{decimals: decimals}
	o.rate = *rate
	return o
}

func (o *ManualRateOracle) GetCurrentExchangeRate(_ context.Context) (*uint256.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return new(uint256.Int).Set(&o.rate), nil
}

func (o *ManualRateOracle) DecimalsOfExchangeRate() uint8 {
	return o.decimals
}

func (o *ManualRateOracle) SetRate(rate *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rate = *rate
}
