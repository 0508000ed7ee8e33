package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrAdapterUnavailable = errors.New("yield adapter unavailable")

// MemoryAdapter is an in-process yield source. It backs the simulation mode
// of the service and the engine tests.
type MemoryAdapter struct {
	mu                 sync.Mutex
	deployed           uint256.Int
	withdrawHaircutBps uint64
	depositLimit       *uint256.Int
	failing            bool
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{}
}

func (a *MemoryAdapter) DeployFunds(_ context.Context, amount *uint256.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing {
		return ErrAdapterUnavailable
	}
	sum, err := fpmath.Add(&a.deployed, amount)
	if err != nil {
		return err
	}
	a.deployed = *sum
	return nil
}

// FreeFunds releases up to amount. The configured haircut is lost in the
// process, as with an illiquid position unwound at a discount.
func (a *MemoryAdapter) FreeFunds(_ context.Context, amount *uint256.Int) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing {
		return nil, ErrAdapterUnavailable
	}

	taken := fpmath.Min(amount, &a.deployed)
	haircut, err := fpmath.BpsOf(taken, a.withdrawHaircutBps, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	a.deployed.Sub(&a.deployed, taken)
	return fpmath.SubFloor(taken, haircut), nil
}

func (a *MemoryAdapter) HarvestAndReport(_ context.Context) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing {
		return nil, ErrAdapterUnavailable
	}
	return new(uint256.Int).Set(&a.deployed), nil
}

// AvailableDepositLimit returns the remaining capacity, unlimited by default.
func (a *MemoryAdapter) AvailableDepositLimit(_ context.Context, _ common.Address) (*uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.depositLimit == nil {
		return fpmath.MaxUint256(), nil
	}
	return fpmath.SubFloor(a.depositLimit, &a.deployed), nil
}

// Accrue adds yield to the position.
func (a *MemoryAdapter) Accrue(amount *uint256.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sum, err := fpmath.Add(&a.deployed, amount)
	if err != nil {
		return err
	}
	a.deployed = *sum
	return nil
}

// Slash removes value from the position, saturating at zero.
func (a *MemoryAdapter) Slash(amount *uint256.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deployed = *fpmath.SubFloor(&a.deployed, amount)
}

// SetWithdrawHaircut sets the share of each withdrawal lost on unwind.
func (a *MemoryAdapter) SetWithdrawHaircut(bps uint64) error {
	if bps > fpmath.MaxBPS {
		return fmt.Errorf("haircut %d bps exceeds %d", bps, fpmath.MaxBPS)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.withdrawHaircutBps = bps
	return nil
}

// SetDepositLimit caps total deployed assets; nil removes the cap.
func (a *MemoryAdapter) SetDepositLimit(limit *uint256.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit == nil {
		a.depositLimit = nil
		return
	}
	a.depositLimit = new(uint256.Int).Set(limit)
}

// SetFailing makes every call fail with ErrAdapterUnavailable.
func (a *MemoryAdapter) SetFailing(failing bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failing = failing
}

// Deployed returns the assets currently held.
func (a *MemoryAdapter) Deployed() *uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(uint256.Int).Set(&a.deployed)
}
