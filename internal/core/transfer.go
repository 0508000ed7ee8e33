package core

import (
	"context"
	"fmt"

	"VaultLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Transfer moves unlocked shares from caller to to.
func (v *Vault) Transfer(ctx context.Context, caller, to common.Address, shares *uint256.Int) error {
	return v.transfer(ctx, caller, caller, to, shares)
}

// TransferFrom moves unlocked shares of from on caller's allowance.
func (v *Vault) TransferFrom(ctx context.Context, caller, from, to common.Address, shares *uint256.Int) error {
	return v.transfer(ctx, caller, from, to, shares)
}

func (v *Vault) transfer(ctx context.Context, caller, from, to common.Address, shares *uint256.Int) error {
	ctx, err := v.lock(ctx)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()

	op := v.begin(event.OperationTypeTransfer, caller)
	if err := op.loadQuote(ctx); err != nil {
		return op.fail(err)
	}
	if err := v.policy.CheckBeneficiary(op, op.quote, caller, from, to); err != nil {
		return op.fail(err)
	}

	balance := v.ledger.BalanceOf(from)
	if shares.Gt(balance) {
		return op.fail(fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, balance.Dec(), shares.Dec()))
	}
	if unlocked := v.lockups.UnlockedShares(from, balance, op.now); shares.Gt(unlocked) {
		return op.fail(fmt.Errorf("%w: shares=%s, unlocked=%s", ErrSharesStillLocked, shares.Dec(), unlocked.Dec()))
	}
	if caller != from {
		if err := op.spendAllowance(from, caller, shares); err != nil {
			return op.fail(err)
		}
	}

	if err := op.transfer(from, to, shares); err != nil {
		return op.fail(err)
	}
	if err := v.policy.OnTransfer(op, from, to, shares); err != nil {
		return op.fail(err)
	}
	op.clearLockupIfEmpty(from)

	payload := &event.TransferApplied{From: from, To: to, Shares: shares}
	if caller != from {
		spender := caller
		payload.Spender = &spender
	}
	return op.commit(ctx, payload)
}

// Approve sets spender's allowance over caller's shares. An amount of
// 2^256-1 is unlimited.
func (v *Vault) Approve(ctx context.Context, caller, spender common.Address, amount *uint256.Int) error {
	ctx, err := v.lock(ctx)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()

	op := v.begin(event.OperationTypeApprove, caller)
	if err := op.approve(caller, spender, amount); err != nil {
		return op.fail(err)
	}
	return op.commit(ctx, &event.ApprovalApplied{Owner: caller, Spender: spender, Amount: amount})
}
