package core

import (
	"context"
	"time"

	"VaultLedger/internal/lockup"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/report"
	"VaultLedger/internal/solvency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PoolState is a consistent read of the pool-wide fields.
type PoolState struct {
	Address       common.Address
	Beneficiary   common.Address
	Mode          report.Mode
	AssetDecimals uint8
	TotalAssets   *uint256.Int
	TotalSupply   *uint256.Int
	LastReport    time.Time
	Shutdown      bool
	Sequence      int64
	StateHash     common.Hash
	Lockup        lockup.Config
	Solvency      *solvency.State
}

// State reads the pool-wide fields in one consistent pass.
func (v *Vault) State(ctx context.Context) (PoolState, error) {
	var ps PoolState
	err := v.read(ctx, func() {
		ps = PoolState{
			Address:       v.address,
			Beneficiary:   v.beneficiary,
			Mode:          v.policy.Mode(),
			AssetDecimals: v.assetDecimals,
			TotalAssets:   new(uint256.Int).Set(&v.totalAssets),
			TotalSupply:   v.ledger.TotalSupply(),
			LastReport:    v.lastReport,
			Shutdown:      v.shutdown,
			Sequence:      v.sequence,
			StateHash:     common.Hash(v.hasher.GetPrevHash()),
			Lockup:        v.lockups.Config(),
		}
		if st, ok := v.policy.(report.Stateful); ok {
			s := st.SolvencyState()
			ps.Solvency = &s
		}
	})
	return ps, err
}

func (v *Vault) BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func() { out = v.ledger.BalanceOf(holder) })
	return out, err
}

func (v *Vault) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func() { out = v.ledger.TotalSupply() })
	return out, err
}

// TotalAssets is the tracked asset total, updated by operations and reports
// only. It never reads a live balance.
func (v *Vault) TotalAssets(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func() { out = new(uint256.Int).Set(&v.totalAssets) })
	return out, err
}

func (v *Vault) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func() { out = v.ledger.Allowance(owner, spender) })
	return out, err
}

func (v *Vault) IsShutdown(ctx context.Context) (bool, error) {
	var out bool
	err := v.read(ctx, func() { out = v.shutdown })
	return out, err
}

// Holders lists every address with a non-zero balance.
func (v *Vault) Holders(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := v.read(ctx, func() { out = v.ledger.Holders() })
	return out, err
}

// --- lockups ---

// UnlockedShares returns how many of holder's shares may move now.
func (v *Vault) UnlockedShares(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func() {
		out = v.lockups.UnlockedShares(holder, v.ledger.BalanceOf(holder), v.clock())
	})
	return out, err
}

func (v *Vault) GetUserLockupInfo(ctx context.Context, holder common.Address) (lockup.Info, error) {
	var out lockup.Info
	err := v.read(ctx, func() { out = v.lockups.Info(holder) })
	return out, err
}

func (v *Vault) LockupState(ctx context.Context, holder common.Address) (lockup.State, error) {
	var out lockup.State
	err := v.read(ctx, func() { out = v.lockups.State(holder, v.clock()) })
	return out, err
}

func (v *Vault) LockupConfig(ctx context.Context) (lockup.Config, error) {
	var out lockup.Config
	err := v.read(ctx, func() { out = v.lockups.Config() })
	return out, err
}

// --- conversions, previews and limits ---

// withView runs fn under the read lock with this call's quote loaded.
func (v *Vault) withView(ctx context.Context, fn func(ctx context.Context, op *operation) error) error {
	ctx, err := v.rlock(ctx)
	if err != nil {
		return err
	}
	defer v.mu.RUnlock()

	op := v.view()
	if err := op.loadQuote(ctx); err != nil {
		return err
	}
	return fn(ctx, op)
}

func (v *Vault) convert(ctx context.Context, amount *uint256.Int, toShares bool, r fpmath.RoundingMode) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.withView(ctx, func(_ context.Context, op *operation) error {
		var err error
		if toShares {
			out, err = v.policy.ToShares(op, op.quote, amount, r)
		} else {
			out, err = v.policy.ToAssets(op, op.quote, amount, r)
		}
		return err
	})
	return out, err
}

func (v *Vault) ConvertToShares(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	return v.convert(ctx, assets, true, fpmath.RoundDown)
}

func (v *Vault) ConvertToAssets(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	return v.convert(ctx, shares, false, fpmath.RoundDown)
}

// PreviewDeposit returns the shares a deposit of assets would mint now.
func (v *Vault) PreviewDeposit(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	return v.convert(ctx, assets, true, fpmath.RoundDown)
}

// PreviewMint returns the assets a mint of shares would charge now.
func (v *Vault) PreviewMint(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	return v.convert(ctx, shares, false, fpmath.RoundUp)
}

// PreviewWithdraw returns the shares a withdrawal of assets would burn now.
func (v *Vault) PreviewWithdraw(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	return v.convert(ctx, assets, true, fpmath.RoundUp)
}

// PreviewRedeem returns the assets a redemption of shares would be worth now,
// before any withdrawal loss.
func (v *Vault) PreviewRedeem(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	return v.convert(ctx, shares, false, fpmath.RoundDown)
}

func (v *Vault) MaxDeposit(ctx context.Context, receiver common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.withView(ctx, func(ctx context.Context, op *operation) error {
		var err error
		out, err = v.maxDepositView(ctx, op, receiver)
		return err
	})
	return out, err
}

func (v *Vault) maxDepositView(ctx context.Context, op *operation, receiver common.Address) (*uint256.Int, error) {
	if receiver == v.beneficiary {
		if err := v.policy.CheckBeneficiary(op, op.quote, receiver); err != nil {
			return new(uint256.Int), nil
		}
	}
	return v.maxDeposit(ctx, op, receiver)
}

func (v *Vault) MaxMint(ctx context.Context, receiver common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.withView(ctx, func(ctx context.Context, op *operation) error {
		limit, err := v.maxDepositView(ctx, op, receiver)
		if err != nil {
			return err
		}
		if fpmath.IsMax(limit) {
			out = limit
			return nil
		}
		out, err = v.policy.ToShares(op, op.quote, limit, fpmath.RoundDown)
		return err
	})
	return out, err
}

// maxRedeemView is the owner's unlocked balance, or zero for a blocked
// beneficiary.
func (v *Vault) maxRedeemView(op *operation, owner common.Address) *uint256.Int {
	if err := v.policy.CheckBeneficiary(op, op.quote, owner); err != nil {
		return new(uint256.Int)
	}
	return v.lockups.UnlockedShares(owner, v.ledger.BalanceOf(owner), op.now)
}

// MaxRedeem is also bounded by the shares the tracked assets can pay out,
// which binds after an unrecovered loss.
func (v *Vault) MaxRedeem(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.withView(ctx, func(_ context.Context, op *operation) error {
		payable, err := v.policy.ToShares(op, op.quote, &v.totalAssets, fpmath.RoundDown)
		if err != nil {
			return err
		}
		out = fpmath.Min(v.maxRedeemView(op, owner), payable)
		return nil
	})
	return out, err
}

func (v *Vault) MaxWithdraw(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.withView(ctx, func(_ context.Context, op *operation) error {
		assets, err := v.policy.ToAssets(op, op.quote, v.maxRedeemView(op, owner), fpmath.RoundDown)
		if err != nil {
			return err
		}
		out = fpmath.Min(assets, &v.totalAssets)
		return nil
	})
	return out, err
}

// IsInsolvent reports whether the pool's value at the current rate falls
// short of its debts. Always false for the donating policy.
func (v *Vault) IsInsolvent(ctx context.Context) (bool, error) {
	var out bool
	err := v.withView(ctx, func(_ context.Context, op *operation) error {
		var err error
		out, err = v.policy.IsInsolvent(op, op.quote)
		return err
	})
	return out, err
}
