package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"VaultLedger/internal/event"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposit converts assets into shares for receiver, rounding down.
func (v *Vault) Deposit(ctx context.Context, caller common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	return v.deposit(ctx, caller, receiver, assets, 0, false)
}

// DepositWithLockup deposits and locks the receiver's whole balance for
// duration more. Only the holder may lock their own account.
func (v *Vault) DepositWithLockup(ctx context.Context, caller common.Address, assets *uint256.Int, receiver common.Address, duration time.Duration) (*uint256.Int, error) {
	return v.deposit(ctx, caller, receiver, assets, duration, false)
}

// Mint credits exactly shares to receiver and returns the assets charged,
// rounding up.
func (v *Vault) Mint(ctx context.Context, caller common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	return v.deposit(ctx, caller, receiver, shares, 0, true)
}

func (v *Vault) MintWithLockup(ctx context.Context, caller common.Address, shares *uint256.Int, receiver common.Address, duration time.Duration) (*uint256.Int, error) {
	return v.deposit(ctx, caller, receiver, shares, duration, true)
}

func (v *Vault) deposit(
	ctx context.Context,
	caller, receiver common.Address,
	amount *uint256.Int,
	duration time.Duration,
	byShares bool,
) (*uint256.Int, error) {
	ctx, err := v.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer v.mu.Unlock()

	opType, limitErr := event.OperationTypeDeposit, ErrDepositLimitExceeded
	if byShares {
		opType, limitErr = event.OperationTypeMint, ErrMintLimitExceeded
	}
	op := v.begin(opType, caller)

	// --- checks ---
	if v.shutdown {
		return nil, op.fail(ErrShutdown)
	}
	if duration != 0 && receiver != caller {
		return nil, op.fail(fmt.Errorf("%w: %s cannot lock shares of %s", ErrUnauthorized, caller.Hex(), receiver.Hex()))
	}
	if err := op.loadQuote(ctx); err != nil {
		return nil, op.fail(err)
	}
	if err := v.policy.CheckDeposit(op, op.quote); err != nil {
		return nil, op.fail(err)
	}
	if err := v.policy.CheckBeneficiary(op, op.quote, caller, receiver); err != nil {
		return nil, op.fail(err)
	}

	var assets, shares *uint256.Int
	if byShares {
		shares = amount
		if shares.IsZero() {
			return nil, op.fail(ErrZeroShares)
		}
		if assets, err = v.policy.ToAssets(op, op.quote, shares, fpmath.RoundUp); err != nil {
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
		if shares, err = v.policy.ToShares(op, op.quote, assets, fpmath.RoundDown); err != nil {
			return nil, op.fail(err)
		}
		if shares.IsZero() {
			return nil, op.fail(ErrZeroShares)
		}
	}

	limit, err := v.maxDeposit(ctx, op, receiver)
	if err != nil {
		return nil, op.fail(err)
	}
	if assets.Gt(limit) {
		return nil, op.fail(fmt.Errorf("%w: assets=%s, max=%s", limitErr, assets.Dec(), limit.Dec()))
	}

	newBalance, overflow := new(uint256.Int).AddOverflow(v.ledger.BalanceOf(receiver), shares)
	if overflow {
		return nil, op.fail(fmt.Errorf("%w: balance overflow", limitErr))
	}
	plan, err := v.lockups.PlanDeposit(receiver, newBalance, duration, op.now)
	if err != nil {
		return nil, op.fail(err)
	}

	// --- effects ---
	if err := v.deployFunds(ctx, assets); err != nil {
		return nil, op.fail(fmt.Errorf("deploy funds: %w", err))
	}
	if err := v.bookDeposit(op, receiver, assets, shares); err != nil {
		v.recall(ctx, assets)
		return nil, op.fail(err)
	}
	op.setLockup(receiver, plan)

	payload := &event.DepositApplied{
		Caller:         caller,
		Receiver:       receiver,
		Assets:         assets,
		Shares:         shares,
		LockupDuration: int64(duration / time.Second),
		ByShares:       byShares,
	}
	if err := op.commit(ctx, payload); err != nil {
		v.recall(ctx, assets)
		return nil, err
	}

	v.logger.Debug().
		Str("operation", opType.String()).
		Str("receiver", receiver.Hex()).
		Str("assets", assets.Dec()).
		Str("shares", shares.Dec()).
		Msg("deposit applied")

	if byShares {
		return assets, nil
	}
	return shares, nil
}

func (v *Vault) bookDeposit(op *operation, receiver common.Address, assets, shares *uint256.Int) error {
	if err := op.Mint(receiver, shares); err != nil {
		return err
	}
	if err := v.policy.OnMint(op, receiver, shares); err != nil {
		return err
	}
	return op.addAssets(assets)
}

// recall frees assets deployed by an operation that was then rolled back.
func (v *Vault) recall(ctx context.Context, assets *uint256.Int) {
	if _, err := v.freeFunds(ctx, assets); err != nil {
		v.logger.Error().Err(err).Str("assets", assets.Dec()).Msg("failed to recall deployed funds")
	}
}

// redeploy returns freed assets to the adapter after a withdrawal aborts.
func (v *Vault) redeploy(ctx context.Context, assets *uint256.Int) {
	if assets.IsZero() {
		return
	}
	if err := v.deployFunds(ctx, assets); err != nil {
		v.logger.Error().Err(err).Str("assets", assets.Dec()).Msg("failed to redeploy freed funds")
	}
}

// maxDeposit is the asset ceiling for a deposit to receiver.
func (v *Vault) maxDeposit(ctx context.Context, op *operation, receiver common.Address) (*uint256.Int, error) {
	if v.shutdown {
		return new(uint256.Int), nil
	}
	if err := v.policy.CheckDeposit(op, op.quote); err != nil {
		if errors.Is(err, ErrInsolvent) {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	if v.limiter == nil {
		return fpmath.MaxUint256(), nil
	}
	limit, err := v.availableDepositLimit(ctx, receiver)
	if err != nil {
		return nil, fmt.Errorf("deposit limit: %w", err)
	}
	return limit, nil
}
