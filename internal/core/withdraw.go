package core

import (
	"context"
	"fmt"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Withdraw burns the owner's shares worth assets (rounding the burn up) and
// pays what the adapter frees to receiver. maxLossBps bounds the shortfall
// the caller accepts between assets and what is actually freed.
func (v *Vault) Withdraw(ctx context.Context, caller common.Address, assets *uint256.Int, receiver, owner common.Address, maxLossBps uint64) (*uint256.Int, error) {
	return v.withdraw(ctx, caller, receiver, owner, assets, maxLossBps, false)
}

// Redeem burns exactly shares and returns the assets paid to receiver.
func (v *Vault) Redeem(ctx context.Context, caller common.Address, shares *uint256.Int, receiver, owner common.Address, maxLossBps uint64) (*uint256.Int, error) {
	return v.withdraw(ctx, caller, receiver, owner, shares, maxLossBps, true)
}

func (v *Vault) withdraw(
	ctx context.Context,
	caller, receiver, owner common.Address,
	amount *uint256.Int,
	maxLossBps uint64,
	byShares bool,
) (*uint256.Int, error) {
	ctx, err := v.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer v.mu.Unlock()

	opType, limitErr := event.OperationTypeWithdraw, ErrWithdrawLimitExceeded
	if byShares {
		opType, limitErr = event.OperationTypeRedeem, ErrRedeemLimitExceeded
	}
	op := v.begin(opType, caller)

	// --- checks ---
	if maxLossBps > fpmath.MaxBPS {
		return nil, op.fail(fmt.Errorf("%w: %d", ErrInvalidMaxLoss, maxLossBps))
	}
	if ledger.IsZeroAddress(receiver) || ledger.IsZeroAddress(owner) {
		return nil, op.fail(fmt.Errorf("%w: zero address", ErrInvalidAccount))
	}
	if err := op.loadQuote(ctx); err != nil {
		return nil, op.fail(err)
	}
	if err := v.policy.CheckBeneficiary(op, op.quote, caller, owner, receiver); err != nil {
		return nil, op.fail(err)
	}

	var assets, shares *uint256.Int
	if byShares {
		shares = amount
		if shares.IsZero() {
			return nil, op.fail(ErrZeroShares)
		}
		if assets, err = v.policy.ToAssets(op, op.quote, shares, fpmath.RoundDown); err != nil {
			return nil, op.fail(err)
		}
		if assets.IsZero() {
			return nil, op.fail(ErrZeroAssets)
		}
	} else {
		assets = amount
		if assets.IsZero() {
			return nil, op.fail(ErrZeroAssets)
		}
		if shares, err = v.policy.ToShares(op, op.quote, assets, fpmath.RoundUp); err != nil {
			return nil, op.fail(err)
		}
		if shares.IsZero() {
			return nil, op.fail(ErrZeroShares)
		}
	}

	balance := v.ledger.BalanceOf(owner)
	if shares.Gt(balance) {
		return nil, op.fail(fmt.Errorf("%w: shares=%s, balance=%s", limitErr, shares.Dec(), balance.Dec()))
	}
	if unlocked := v.lockups.UnlockedShares(owner, balance, op.now); shares.Gt(unlocked) {
		return nil, op.fail(fmt.Errorf("%w: shares=%s, unlocked=%s", ErrSharesStillLocked, shares.Dec(), unlocked.Dec()))
	}
	if assets.Gt(&v.totalAssets) {
		return nil, op.fail(fmt.Errorf("%w: assets=%s, total=%s", limitErr, assets.Dec(), v.totalAssets.Dec()))
	}
	if caller != owner {
		if err := op.spendAllowance(owner, caller, shares); err != nil {
			return nil, op.fail(err)
		}
	}

	// --- effects ---
	freed, err := v.freeFunds(ctx, assets)
	if err != nil {
		return nil, op.fail(fmt.Errorf("free funds: %w", err))
	}
	if freed.Gt(assets) {
		v.redeploy(ctx, new(uint256.Int).Sub(freed, assets))
		freed = new(uint256.Int).Set(assets)
	}

	loss := new(uint256.Int).Sub(assets, freed)
	maxLoss, err := fpmath.BpsOf(assets, maxLossBps, fpmath.RoundDown)
	if err != nil {
		v.redeploy(ctx, freed)
		return nil, op.fail(err)
	}
	if loss.Gt(maxLoss) {
		v.redeploy(ctx, freed)
		return nil, op.fail(fmt.Errorf("%w: loss=%s, max=%s", ErrTooMuchLoss, loss.Dec(), maxLoss.Dec()))
	}

	if err := v.bookWithdrawal(op, owner, assets, shares); err != nil {
		v.redeploy(ctx, freed)
		return nil, op.fail(err)
	}

	// the beneficiary must not drain the buffer into insolvency
	if err := v.policy.CheckBeneficiary(op, op.quote, caller, owner, receiver); err != nil {
		v.redeploy(ctx, freed)
		return nil, op.fail(err)
	}

	payload := &event.WithdrawalApplied{
		Caller:     caller,
		Receiver:   receiver,
		Owner:      owner,
		Assets:     assets,
		Freed:      freed,
		Loss:       loss,
		Shares:     shares,
		MaxLossBps: maxLossBps,
		ByShares:   byShares,
	}
	if err := op.commit(ctx, payload); err != nil {
		v.redeploy(ctx, freed)
		return nil, err
	}

	if !loss.IsZero() {
		v.logger.Info().
			Str("owner", owner.Hex()).
			Str("assets", assets.Dec()).
			Str("loss", loss.Dec()).
			Msg("withdrawal realised loss")
	}

	if byShares {
		return freed, nil
	}
	return shares, nil
}

func (v *Vault) bookWithdrawal(op *operation, owner common.Address, assets, shares *uint256.Int) error {
	if err := op.Burn(owner, shares); err != nil {
		return err
	}
	if err := v.policy.OnBurn(op, owner, shares); err != nil {
		return err
	}
	op.subAssets(assets)
	op.clearLockupIfEmpty(owner)
	return nil
}
