package core

import (
	"context"
	"fmt"
	"time"

	"VaultLedger/internal/auth"
	"VaultLedger/internal/event"
	"VaultLedger/internal/lockup"
	"VaultLedger/internal/report"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InitiateRageQuit converts caller's active lock into a linear unlock that
// ends at the earlier of the current unlock time and now plus the cooldown.
// The election cannot be undone.
func (v *Vault) InitiateRageQuit(ctx context.Context, caller common.Address) error {
	ctx, err := v.lock(ctx)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()

	op := v.begin(event.OperationTypeRageQuit, caller)
	prev := v.lockups.Info(caller)
	info, err := v.lockups.InitiateRageQuit(caller, v.ledger.BalanceOf(caller), op.now)
	if err != nil {
		return op.fail(err)
	}
	op.undo = append(op.undo, func() { v.lockups.Set(caller, prev) })
	op.touch(caller)

	payload := &event.RageQuitInitiated{
		Holder:       caller,
		LockupStart:  info.LockupStart,
		UnlockTime:   info.UnlockTime,
		LockedShares: new(uint256.Int).Set(&info.LockedShares),
	}
	if err := op.commit(ctx, payload); err != nil {
		return err
	}

	v.logger.Info().
		Str("holder", caller.Hex()).
		Time("unlock_time", info.UnlockTime).
		Str("locked_shares", info.LockedShares.Dec()).
		Msg("rage quit initiated")
	return nil
}

// Report harvests the adapter and settles the result through the policy.
// Unrecovered loss is returned in the result, not as an error.
func (v *Vault) Report(ctx context.Context, caller common.Address) (report.Result, error) {
	if err := v.authorize(caller, auth.RoleKeeper, auth.RoleManagement); err != nil {
		return report.Result{}, err
	}
	ctx, err := v.lock(ctx)
	if err != nil {
		return report.Result{}, err
	}
	defer v.mu.Unlock()

	op := v.begin(event.OperationTypeReport, caller)
	if err := op.loadQuote(ctx); err != nil {
		return report.Result{}, op.fail(err)
	}
	harvested, err := v.harvestAndReport(ctx)
	if err != nil {
		return report.Result{}, op.fail(fmt.Errorf("harvest: %w", err))
	}
	res, err := v.policy.Settle(op, op.quote, harvested)
	if err != nil {
		return report.Result{}, op.fail(fmt.Errorf("settle: %w", err))
	}
	prevReport := v.lastReport
	op.setField(func() { v.lastReport = op.now }, func() { v.lastReport = prevReport })

	insolvent, err := v.policy.IsInsolvent(op, op.quote)
	if err != nil {
		return report.Result{}, op.fail(err)
	}

	payload := &event.ReportSettled{
		Mode:         string(v.policy.Mode()),
		Profit:       res.Profit,
		Loss:         res.Loss,
		Unrecovered:  res.Unrecovered,
		SharesMinted: res.SharesMinted,
		SharesBurned: res.SharesBurned,
		TotalAssets:  res.TotalAssets,
		Rate:         res.Rate,
	}
	if err := op.commit(ctx, payload); err != nil {
		return report.Result{}, err
	}

	v.recordReport(res, insolvent)
	v.logger.Info().
		Str("profit", res.Profit.Dec()).
		Str("loss", res.Loss.Dec()).
		Str("unrecovered", res.Unrecovered.Dec()).
		Str("total_assets", res.TotalAssets.Dec()).
		Bool("insolvent", insolvent).
		Msg("report settled")
	return res, nil
}

func (v *Vault) recordReport(res report.Result, insolvent bool) {
	if v.metrics == nil {
		return
	}
	outcome := "flat"
	switch {
	case !res.Profit.IsZero():
		outcome = "profit"
	case !res.Loss.IsZero():
		outcome = "loss"
	}
	v.metrics.ReportsTotal.WithLabelValues(outcome).Inc()
	v.metrics.ReportProfit.Add(res.Profit.Float64())
	v.metrics.ReportLoss.Add(res.Loss.Float64())
	v.metrics.ReportUnrecoveredLoss.Add(res.Unrecovered.Float64())
	if insolvent {
		v.metrics.Insolvent.Set(1)
	} else {
		v.metrics.Insolvent.Set(0)
	}
}

// Shutdown stops deposits and mints permanently. Withdrawals, transfers and
// reports continue. Shutting down twice is a no-op.
func (v *Vault) Shutdown(ctx context.Context, caller common.Address) error {
	if err := v.authorize(caller, auth.RoleEmergencyAdmin, auth.RoleManagement); err != nil {
		return err
	}
	ctx, err := v.lock(ctx)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()

	if v.shutdown {
		return nil
	}
	op := v.begin(event.OperationTypeShutdown, caller)
	op.setField(func() { v.shutdown = true }, func() { v.shutdown = false })
	if err := op.commit(ctx, &event.ShutdownApplied{By: caller}); err != nil {
		return err
	}
	v.logger.Warn().Str("by", caller.Hex()).Msg("vault shut down")
	return nil
}

// SetMinimumLockupDuration changes the minimum for new and extended locks.
func (v *Vault) SetMinimumLockupDuration(ctx context.Context, caller common.Address, d time.Duration) error {
	return v.setLockupParam(ctx, caller, func(m *lockup.Manager) error {
		return m.SetMinimumLockupDuration(d)
	})
}

// SetRageQuitCooldown changes the window applied by future rage quits.
func (v *Vault) SetRageQuitCooldown(ctx context.Context, caller common.Address, d time.Duration) error {
	return v.setLockupParam(ctx, caller, func(m *lockup.Manager) error {
		return m.SetRageQuitCooldown(d)
	})
}

func (v *Vault) setLockupParam(ctx context.Context, caller common.Address, set func(*lockup.Manager) error) error {
	if err := v.authorize(caller, auth.RoleManagement); err != nil {
		return err
	}
	ctx, err := v.lock(ctx)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()

	op := v.begin(event.OperationTypeLockupParams, caller)
	prev := v.lockups.Config()
	if err := set(v.lockups); err != nil {
		return op.fail(err)
	}
	op.undo = append(op.undo, func() {
		_ = v.lockups.SetMinimumLockupDuration(prev.MinimumLockupDuration)
		_ = v.lockups.SetRageQuitCooldown(prev.RageQuitCooldown)
	})

	cfg := v.lockups.Config()
	return op.commit(ctx, &event.LockupParamsUpdated{
		MinimumLockupSeconds:    int64(cfg.MinimumLockupDuration / time.Second),
		RageQuitCooldownSeconds: int64(cfg.RageQuitCooldown / time.Second),
	})
}
