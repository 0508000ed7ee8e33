package core_test

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"VaultLedger/internal/adapter"
	"VaultLedger/internal/auth"
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/lockup"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/report"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	dragon    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	keeper    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	manager   = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	guardian  = common.HexToAddress("0x00000000000000000000000000000000000000e3")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000ca1")
)

const day = 24 * time.Hour

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// --- Test helpers ---

type harness struct {
	vault   *core.Vault
	yield   *adapter.MemoryAdapter
	authz   *auth.StaticAuthorizer
	now     time.Time
	persist chan core.Output
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T, policy report.Policy, opts ...core.Option) *harness {
	t.Helper()
	return newHarnessWithYield(t, policy, adapter.NewMemoryAdapter(), opts...)
}

func newHarnessWithYield(t *testing.T, policy report.Policy, yield adapter.YieldAdapter, opts ...core.Option) *harness {
	t.Helper()
	h := &harness{
		now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		persist: make(chan core.Output, 1024),
		authz: auth.NewStaticAuthorizer(map[auth.Role][]common.Address{
			auth.RoleKeeper:         {keeper},
			auth.RoleManagement:     {manager},
			auth.RoleEmergencyAdmin: {guardian},
		}),
	}
	if m, ok := yield.(*adapter.MemoryAdapter); ok {
		h.yield = m
	}
	params := core.Params{
		Address:       vaultAddr,
		Beneficiary:   dragon,
		AssetDecimals: 18,
		Lockup:        lockup.DefaultConfig(),
	}
	base := []core.Option{
		core.WithClock(func() time.Time { return h.now }),
		core.WithOutputs(h.persist, nil),
	}
	v, err := core.New(params, policy, h.authz, yield, append(base, opts...)...)
	require.NoError(t, err)
	h.vault = v
	return h
}

func newDonating(t *testing.T) *harness {
	return newHarness(t, report.NewDonating())
}

func (h *harness) deposit(t *testing.T, holder common.Address, assets uint64) *uint256.Int {
	t.Helper()
	shares, err := h.vault.Deposit(context.Background(), holder, u(assets), holder)
	require.NoError(t, err, "deposit %d for %s", assets, holder.Hex())
	return shares
}

func (h *harness) report(t *testing.T) report.Result {
	t.Helper()
	res, err := h.vault.Report(context.Background(), keeper)
	require.NoError(t, err)
	return res
}

func (h *harness) state(t *testing.T) core.PoolState {
	t.Helper()
	st, err := h.vault.State(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) balance(t *testing.T, holder common.Address) *uint256.Int {
	t.Helper()
	b, err := h.vault.BalanceOf(context.Background(), holder)
	require.NoError(t, err)
	return b
}

func (h *harness) lockupInfo(t *testing.T, holder common.Address) lockup.Info {
	t.Helper()
	info, err := h.vault.GetUserLockupInfo(context.Background(), holder)
	require.NoError(t, err)
	return info
}

func (h *harness) allowance(t *testing.T, owner, spender common.Address) *uint256.Int {
	t.Helper()
	a, err := h.vault.Allowance(context.Background(), owner, spender)
	require.NoError(t, err)
	return a
}

func (h *harness) drain() []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func expectBalance(t *testing.T, h *harness, holder common.Address, want uint64) {
	t.Helper()
	assert.Equal(t, u(want), h.balance(t, holder), "balance of %s", holder.Hex())
}

// ============================================================================
// Test: deposits and withdrawals
// ============================================================================

func TestVault_DepositMintsOneToOneAtBootstrap(t *testing.T) {
	h := newDonating(t)

	shares := h.deposit(t, alice, 1_000)

	assert.Equal(t, uint64(1_000), shares.Uint64())
	assert.Equal(t, uint64(1_000), h.state(t).TotalAssets.Uint64())
	assert.Equal(t, uint64(1_000), h.yield.Deployed().Uint64())
}

func TestVault_BootstrapNormalisesAssetDecimals(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v, err := core.New(core.Params{
		Address:       vaultAddr,
		Beneficiary:   dragon,
		AssetDecimals: 6,
		Lockup:        lockup.DefaultConfig(),
	}, report.NewDonating(), auth.NewStaticAuthorizer(nil), adapter.NewMemoryAdapter(),
		core.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	shares, err := v.Deposit(context.Background(), alice, u(1_000_000), alice)
	require.NoError(t, err)
	want, _ := fpmath.Pow10(18)
	assert.Equal(t, want, shares, "1.0 of a 6-decimal asset is 1e18 shares")
}

func TestVault_ZeroAmountsRejected(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()

	_, err := h.vault.Deposit(ctx, alice, u(0), alice)
	assert.ErrorIs(t, err, core.ErrZeroAssets)

	_, err = h.vault.Mint(ctx, alice, u(0), alice)
	assert.ErrorIs(t, err, core.ErrZeroShares)

	assert.Equal(t, int64(0), h.state(t).Sequence, "rejected operations advanced the sequence")
}

func TestVault_MintChargesRoundedUp(t *testing.T) {
	h := newDonating(t)
	h.deposit(t, alice, 1_000)
	require.NoError(t, h.yield.Accrue(u(1)))
	h.report(t)

	// 1001 assets over 1001 shares after the beneficiary's cut: still 1:1
	assets, err := h.vault.Mint(context.Background(), bob, u(10), bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), assets.Uint64())
	expectBalance(t, h, bob, 10)
}

func TestVault_RedeemPaysFreedAssets(t *testing.T) {
	h := newDonating(t)
	h.deposit(t, alice, 1_000)

	assets, err := h.vault.Redeem(context.Background(), alice, u(400), bob, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), assets.Uint64())
	expectBalance(t, h, alice, 600)
	assert.Equal(t, uint64(600), h.state(t).TotalAssets.Uint64())
	assert.Equal(t, uint64(600), h.yield.Deployed().Uint64())
}

func TestVault_WithdrawBeyondBalanceRejected(t *testing.T) {
	h := newDonating(t)
	h.deposit(t, alice, 1_000)

	_, err := h.vault.Withdraw(context.Background(), alice, u(1_001), alice, alice, 0)
	assert.ErrorIs(t, err, core.ErrWithdrawLimitExceeded)
	expectBalance(t, h, alice, 1_000)
}

func TestVault_DepositLimitFromAdapter(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.yield.SetDepositLimit(u(1_500))
	h.deposit(t, alice, 1_000)

	limit, err := h.vault.MaxDeposit(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), limit.Uint64())

	_, err = h.vault.Deposit(ctx, bob, u(600), bob)
	assert.ErrorIs(t, err, core.ErrDepositLimitExceeded)
	expectBalance(t, h, bob, 0)
}

// ============================================================================
// Test: rollback
// ============================================================================

func TestVault_TooMuchLossRollsBack(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)
	require.NoError(t, h.yield.SetWithdrawHaircut(100))
	before := h.state(t)

	_, err := h.vault.Redeem(ctx, alice, u(1_000), alice, alice, 0)
	assert.ErrorIs(t, err, core.ErrTooMuchLoss)

	after := h.state(t)
	expectBalance(t, h, alice, 1_000)
	assert.Equal(t, before.TotalAssets, after.TotalAssets)
	assert.Equal(t, before.TotalSupply, after.TotalSupply)
	assert.Equal(t, before.Sequence, after.Sequence, "rejected operation extended the chain")
	assert.Equal(t, before.StateHash, after.StateHash)

	// the aborted unwind cost the position its haircut; top it back up
	require.NoError(t, h.yield.Accrue(u(10)))

	// accepting the 1% haircut succeeds
	assets, err := h.vault.Redeem(ctx, alice, u(1_000), alice, alice, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(990), assets.Uint64())
	assert.True(t, h.state(t).TotalAssets.IsZero())
}

func TestVault_InvalidMaxLossRejected(t *testing.T) {
	h := newDonating(t)
	h.deposit(t, alice, 1_000)

	_, err := h.vault.Redeem(context.Background(), alice, u(1), alice, alice, fpmath.MaxBPS+1)
	assert.ErrorIs(t, err, core.ErrInvalidMaxLoss)
}

func TestVault_AdapterFailureLeavesStateUntouched(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)
	before := h.state(t)

	h.yield.SetFailing(true)
	_, err := h.vault.Deposit(ctx, alice, u(500), alice)
	assert.ErrorIs(t, err, adapter.ErrAdapterUnavailable)
	_, err = h.vault.Redeem(ctx, alice, u(500), alice, alice, 0)
	assert.ErrorIs(t, err, adapter.ErrAdapterUnavailable)
	_, err = h.vault.Report(ctx, keeper)
	assert.ErrorIs(t, err, adapter.ErrAdapterUnavailable)

	after := h.state(t)
	assert.Equal(t, before.Sequence, after.Sequence)
	assert.Equal(t, before.TotalAssets, after.TotalAssets)
	expectBalance(t, h, alice, 1_000)
}

// ============================================================================
// Test: donating reports
// ============================================================================

func TestVault_DonatingPreservesPrincipal(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)

	require.NoError(t, h.yield.Accrue(u(100)))
	res := h.report(t)
	assert.Equal(t, uint64(100), res.Profit.Uint64())
	assert.Equal(t, uint64(100), res.SharesMinted.Uint64())
	expectBalance(t, h, dragon, 100)

	h.yield.Slash(u(50))
	res = h.report(t)
	assert.Equal(t, uint64(50), res.Loss.Uint64())
	assert.True(t, res.Unrecovered.IsZero())
	expectBalance(t, h, dragon, 50)

	value, err := h.vault.ConvertToAssets(ctx, h.balance(t, alice))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), value.Uint64(), "principal")
	assert.True(t, h.state(t).LastReport.Equal(h.now), "last report time not recorded")
}

func TestVault_DonatingDepositAfterUnrecoveredLoss(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)

	h.yield.Slash(u(500))
	res := h.report(t)
	require.Equal(t, uint64(500), res.Unrecovered.Uint64())

	// a new depositor gets one share per asset, not the discounted price
	shares := h.deposit(t, bob, 100)
	assert.Equal(t, uint64(100), shares.Uint64())
	preview, err := h.vault.PreviewDeposit(ctx, u(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), preview.Uint64())

	st := h.state(t)
	assert.Equal(t, uint64(600), st.TotalAssets.Uint64())
	assert.Equal(t, uint64(1_100), st.TotalSupply.Uint64())

	// exits are capped by what the pool holds
	maxWithdraw, err := h.vault.MaxWithdraw(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), maxWithdraw.Uint64())
	maxRedeem, err := h.vault.MaxRedeem(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), maxRedeem.Uint64())

	_, err = h.vault.Redeem(ctx, alice, u(1_000), alice, alice, 0)
	assert.ErrorIs(t, err, core.ErrRedeemLimitExceeded)
	expectBalance(t, h, alice, 1_000)

	assets, err := h.vault.Redeem(ctx, bob, u(100), bob, bob, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), assets.Uint64(), "bob exits at the entry price")
}

func TestVault_ReportRequiresKeeperOrManagement(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()

	_, err := h.vault.Report(ctx, alice)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = h.vault.Report(ctx, manager)
	assert.NoError(t, err, "management report")
	_, err = h.vault.Report(ctx, keeper)
	assert.NoError(t, err, "keeper report")
}

// ============================================================================
// Test: lockups and rage quit
// ============================================================================

func TestVault_RageQuitLinearUnlock(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	start := h.now

	_, err := h.vault.DepositWithLockup(ctx, alice, u(10_000), alice, 365*day)
	require.NoError(t, err)
	state, err := h.vault.LockupState(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, lockup.StateLocked, state)
	_, err = h.vault.Redeem(ctx, alice, u(1), alice, alice, 0)
	assert.ErrorIs(t, err, core.ErrSharesStillLocked)

	h.advance(45 * day)
	require.NoError(t, h.vault.InitiateRageQuit(ctx, alice))
	assert.WithinDuration(t, start.Add(135*day), h.lockupInfo(t, alice).UnlockTime, 0)
	assert.ErrorIs(t, h.vault.InitiateRageQuit(ctx, alice), core.ErrRageQuitAlreadyInitiated)

	// halfway through the 90-day window
	h.advance(45 * day)
	unlockedShares, err := h.vault.UnlockedShares(ctx, alice)
	require.NoError(t, err)
	unlocked := unlockedShares.Uint64()
	assert.InDelta(t, 5_000, unlocked, 1)

	_, err = h.vault.Redeem(ctx, alice, u(unlocked+1), alice, alice, 0)
	assert.ErrorIs(t, err, core.ErrSharesStillLocked)
	_, err = h.vault.Redeem(ctx, alice, u(2_000), alice, alice, 0)
	require.NoError(t, err)
	unlockedShares, err = h.vault.UnlockedShares(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, unlocked-2_000, unlockedShares.Uint64())

	h.advance(45 * day)
	_, err = h.vault.Redeem(ctx, alice, u(8_000), alice, alice, 0)
	require.NoError(t, err)
	assert.True(t, h.lockupInfo(t, alice).IsZero(), "lockup not cleared")
	state, err = h.vault.LockupState(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, lockup.StateUnlocked, state)
}

func TestVault_RageQuitNeverExtendsLock(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	start := h.now

	_, err := h.vault.DepositWithLockup(ctx, alice, u(1_000), alice, 100*day)
	require.NoError(t, err)
	h.advance(50 * day)
	require.NoError(t, h.vault.InitiateRageQuit(ctx, alice))
	assert.WithinDuration(t, start.Add(100*day), h.lockupInfo(t, alice).UnlockTime, 0, "rage quit moved the unlock time")
}

func TestVault_DepositDuringRageQuitRejected(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	_, err := h.vault.DepositWithLockup(ctx, alice, u(1_000), alice, 365*day)
	require.NoError(t, err)
	h.advance(day)
	require.NoError(t, h.vault.InitiateRageQuit(ctx, alice))

	_, err = h.vault.Deposit(ctx, alice, u(10), alice)
	assert.ErrorIs(t, err, core.ErrRageQuitInProgress)
	_, err = h.vault.DepositWithLockup(ctx, alice, u(10), alice, 365*day)
	assert.ErrorIs(t, err, core.ErrRageQuitInProgress)
	expectBalance(t, h, alice, 1_000)
}

func TestVault_RageQuitWithoutLockRejected(t *testing.T) {
	h := newDonating(t)
	h.deposit(t, alice, 1_000)

	assert.ErrorIs(t, h.vault.InitiateRageQuit(context.Background(), alice), core.ErrNoActiveLockup)
}

func TestVault_LockupOnlyForOwnAccount(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()

	_, err := h.vault.DepositWithLockup(ctx, bob, u(1_000), alice, 365*day)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = h.vault.DepositWithLockup(ctx, alice, u(1_000), alice, 10*day)
	assert.ErrorIs(t, err, core.ErrLockupTooShort)
	expectBalance(t, h, alice, 0)

	// plain deposits to someone else stay allowed
	_, err = h.vault.Deposit(ctx, bob, u(1_000), alice)
	assert.NoError(t, err)
}

func TestVault_RedepositExtendsAndRelocksBalance(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	start := h.now

	_, err := h.vault.DepositWithLockup(ctx, alice, u(1_000), alice, 100*day)
	require.NoError(t, err)
	h.advance(10 * day)
	_, err = h.vault.DepositWithLockup(ctx, alice, u(500), alice, 30*day)
	require.NoError(t, err)

	info := h.lockupInfo(t, alice)
	assert.WithinDuration(t, start.Add(130*day), info.UnlockTime, 0)
	assert.Equal(t, uint64(1_500), info.LockedShares.Uint64())
}

func TestVault_LockedSharesCannotTransfer(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	_, err := h.vault.DepositWithLockup(ctx, alice, u(1_000), alice, 365*day)
	require.NoError(t, err)

	assert.ErrorIs(t, h.vault.Transfer(ctx, alice, bob, u(1)), core.ErrSharesStillLocked)

	h.advance(366 * day)
	require.NoError(t, h.vault.Transfer(ctx, alice, bob, u(1_000)))
	assert.True(t, h.lockupInfo(t, alice).IsZero(), "empty holder kept its lockup")
}

func TestVault_LockupParamsRequireManagement(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.vault.SetRageQuitCooldown(ctx, keeper, 30*day), core.ErrUnauthorized)
	assert.ErrorIs(t, h.vault.SetMinimumLockupDuration(ctx, manager, day), core.ErrInvalidDuration)

	require.NoError(t, h.vault.SetRageQuitCooldown(ctx, manager, 30*day))
	cfg, err := h.vault.LockupConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30*day, cfg.RageQuitCooldown)
	assert.Equal(t, int64(1), h.state(t).Sequence)
}

// ============================================================================
// Test: transfers and allowances
// ============================================================================

func TestVault_TransferFromSpendsAllowance(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)

	require.NoError(t, h.vault.Approve(ctx, alice, bob, u(300)))
	require.NoError(t, h.vault.TransferFrom(ctx, bob, alice, carol, u(200)))
	assert.Equal(t, uint64(100), h.allowance(t, alice, bob).Uint64())

	err := h.vault.TransferFrom(ctx, bob, alice, carol, u(200))
	assert.ErrorIs(t, err, core.ErrInsufficientAllowance)
	expectBalance(t, h, alice, 800)
	expectBalance(t, h, carol, 200)
	assert.Equal(t, uint64(100), h.allowance(t, alice, bob).Uint64(), "failed spend consumed allowance")
}

func TestVault_UnlimitedAllowanceNotSpent(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)

	require.NoError(t, h.vault.Approve(ctx, alice, bob, fpmath.MaxUint256()))
	_, err := h.vault.Redeem(ctx, bob, u(500), bob, alice, 0)
	require.NoError(t, err)
	assert.True(t, fpmath.IsMax(h.allowance(t, alice, bob)), "unlimited allowance was decremented")
}

func TestVault_TransferToVaultRejected(t *testing.T) {
	h := newDonating(t)
	h.deposit(t, alice, 1_000)

	assert.ErrorIs(t, h.vault.Transfer(context.Background(), alice, vaultAddr, u(1)), core.ErrInvalidAccount)
	expectBalance(t, h, alice, 1_000)
}

// ============================================================================
// Test: shutdown
// ============================================================================

func TestVault_ShutdownStopsInflows(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)

	assert.ErrorIs(t, h.vault.Shutdown(ctx, alice), core.ErrUnauthorized)
	require.NoError(t, h.vault.Shutdown(ctx, guardian))
	seq := h.state(t).Sequence
	require.NoError(t, h.vault.Shutdown(ctx, manager))
	assert.Equal(t, seq, h.state(t).Sequence, "repeated shutdown emitted an operation")

	_, err := h.vault.Deposit(ctx, alice, u(1), alice)
	assert.ErrorIs(t, err, core.ErrShutdown)
	limit, err := h.vault.MaxDeposit(ctx, alice)
	require.NoError(t, err)
	assert.True(t, limit.IsZero())

	_, err = h.vault.Redeem(ctx, alice, u(1_000), alice, alice, 0)
	assert.NoError(t, err, "redeem after shutdown")
}

// ============================================================================
// Test: skimming vault
// ============================================================================

func newSkimming(t *testing.T) (*harness, *adapter.ManualRateOracle) {
	one, _ := fpmath.Pow10(18)
	oracle := adapter.NewManualRateOracle(one, 18)
	return newHarness(t, report.NewSkimming(oracle, 18)), oracle
}

func rate(tenths uint64) *uint256.Int {
	return new(uint256.Int).Mul(u(tenths), u(100_000_000_000_000_000))
}

func TestVault_SkimmingAppreciationAndInsolvency(t *testing.T) {
	h, oracle := newSkimming(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)

	oracle.SetRate(rate(11))
	res := h.report(t)
	assert.Equal(t, uint64(100), res.Profit.Uint64(), "skimmed")
	expectBalance(t, h, dragon, 100)

	// the rate drops below the debt: beneficiary frozen, deposits halted
	oracle.SetRate(rate(9))
	insolvent, err := h.vault.IsInsolvent(ctx)
	require.NoError(t, err)
	require.True(t, insolvent)
	_, err = h.vault.Deposit(ctx, bob, u(100), bob)
	assert.ErrorIs(t, err, core.ErrInsolvent)
	assert.ErrorIs(t, h.vault.Transfer(ctx, dragon, bob, u(10)), core.ErrInsolvent)
	_, err = h.vault.Redeem(ctx, dragon, u(10), dragon, dragon, 0)
	assert.ErrorIs(t, err, core.ErrInsolvent)

	maxShares, err := h.vault.MaxRedeem(ctx, dragon)
	require.NoError(t, err)
	assert.True(t, maxShares.IsZero(), "beneficiary max redeem")
	limit, err := h.vault.MaxDeposit(ctx, bob)
	require.NoError(t, err)
	assert.True(t, limit.IsZero(), "max deposit")

	// depositors exit pro rata: 500 * 1000 / 1100
	assets, err := h.vault.Redeem(ctx, alice, u(500), alice, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(454), assets.Uint64())

	// recovery reopens deposits
	oracle.SetRate(rate(20))
	h.report(t)
	insolvent, err = h.vault.IsInsolvent(ctx)
	require.NoError(t, err)
	require.False(t, insolvent)
	_, err = h.vault.Deposit(ctx, bob, u(100), bob)
	assert.NoError(t, err, "deposit after recovery")
}

func TestVault_SkimmingDebtTracksSupply(t *testing.T) {
	h, oracle := newSkimming(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)
	oracle.SetRate(rate(12))
	h.report(t)

	require.NoError(t, h.vault.Transfer(ctx, dragon, bob, u(50)))
	_, err := h.vault.Redeem(ctx, alice, u(300), alice, alice, 0)
	require.NoError(t, err)

	st := h.state(t)
	require.NotNil(t, st.Solvency, "skimming vault reported no solvency state")
	debt := new(uint256.Int).Add(&st.Solvency.UserDebt, &st.Solvency.DragonDebt)
	assert.Equal(t, st.TotalSupply, debt)
	assert.Equal(t, uint64(150), st.Solvency.DragonDebt.Uint64())
}

// roundUpSkimming pays redemptions rounded up, which lets a beneficiary exit
// take more value than the shares it burns.
type roundUpSkimming struct {
	*report.Skimming
}

func (s roundUpSkimming) ToAssets(p report.Pool, q report.Quote, shares *uint256.Int, _ fpmath.RoundingMode) (*uint256.Int, error) {
	return s.Skimming.ToAssets(p, q, shares, fpmath.RoundUp)
}

func TestVault_BeneficiaryCannotRedeemIntoInsolvency(t *testing.T) {
	one, _ := fpmath.Pow10(18)
	oracle := adapter.NewManualRateOracle(one, 18)
	h := newHarness(t, roundUpSkimming{report.NewSkimming(oracle, 18)})
	ctx := context.Background()
	h.deposit(t, alice, 1_000)

	// at 1.5 the report mints the 500 surplus and leaves value == debt
	oracle.SetRate(rate(15))
	h.report(t)
	insolvent, err := h.vault.IsInsolvent(ctx)
	require.NoError(t, err)
	require.False(t, insolvent)
	h.drain()
	before := h.state(t)
	deployed := h.yield.Deployed()

	// one share pays ceil(1/1.5) = 1 asset, worth 1.5 of debt
	_, err = h.vault.Redeem(ctx, dragon, u(1), dragon, dragon, 0)
	assert.ErrorIs(t, err, core.ErrInsolvent)

	after := h.state(t)
	assert.Equal(t, before.TotalAssets, after.TotalAssets)
	assert.Equal(t, before.TotalSupply, after.TotalSupply)
	assert.Equal(t, before.Sequence, after.Sequence)
	assert.Equal(t, before.StateHash, after.StateHash)
	assert.Equal(t, *before.Solvency, *after.Solvency)
	expectBalance(t, h, dragon, 500)
	assert.Equal(t, deployed, h.yield.Deployed(), "freed assets were not returned to the position")
	assert.Empty(t, h.drain())

	// depositors are not held to the beneficiary check
	_, err = h.vault.Redeem(ctx, alice, u(1), alice, alice, 0)
	assert.NoError(t, err)
}

// ============================================================================
// Test: reentrancy
// ============================================================================

// reentrantYield calls back into the vault from inside DeployFunds.
type reentrantYield struct {
	*adapter.MemoryAdapter
	vault *core.Vault
	fresh bool // call back with a new context instead of the one passed in
	errs  map[string]error
}

func (y *reentrantYield) DeployFunds(ctx context.Context, amount *uint256.Int) error {
	if y.vault != nil {
		if y.fresh {
			ctx := context.Background()
			_, y.errs["deposit"] = y.vault.Deposit(ctx, bob, amount, bob)
			_, y.errs["convert"] = y.vault.ConvertToShares(ctx, amount)
			_, y.errs["balance"] = y.vault.BalanceOf(ctx, alice)
			_, y.errs["state"] = y.vault.State(ctx)
			_, y.errs["snapshot"] = y.vault.Snapshot(ctx)
			y.errs["restore"] = y.vault.Restore(&core.Snapshot{})
		} else {
			_, y.errs["deposit"] = y.vault.Deposit(ctx, bob, amount, bob)
			_, y.errs["convert"] = y.vault.ConvertToShares(ctx, amount)
		}
	}
	return y.MemoryAdapter.DeployFunds(ctx, amount)
}

// depositWithin runs a deposit that must finish before the deadline.
func depositWithin(t *testing.T, h *harness, holder common.Address, assets uint64) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := h.vault.Deposit(context.Background(), holder, u(assets), holder)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("deposit did not return: vault deadlocked on a callback")
	}
}

func TestVault_ReentrantCallRejected(t *testing.T) {
	y := &reentrantYield{MemoryAdapter: adapter.NewMemoryAdapter(), errs: map[string]error{}}
	h := newHarnessWithYield(t, report.NewDonating(), y)
	y.vault = h.vault

	depositWithin(t, h, alice, 1_000)

	assert.ErrorIs(t, y.errs["deposit"], core.ErrReentrantCall)
	assert.ErrorIs(t, y.errs["convert"], core.ErrReentrantCall)
	expectBalance(t, h, alice, 1_000)
	expectBalance(t, h, bob, 0)
}

func TestVault_ReentrantCallWithFreshContextRejected(t *testing.T) {
	y := &reentrantYield{MemoryAdapter: adapter.NewMemoryAdapter(), fresh: true, errs: map[string]error{}}
	h := newHarnessWithYield(t, report.NewDonating(), y)
	y.vault = h.vault

	depositWithin(t, h, alice, 1_000)

	for _, name := range []string{"deposit", "convert", "balance", "state", "snapshot", "restore"} {
		assert.ErrorIs(t, y.errs[name], core.ErrReentrantCall, name)
	}
	expectBalance(t, h, alice, 1_000)
	expectBalance(t, h, bob, 0)

	// the marker is lowered once the call returns
	y.vault = nil
	h.deposit(t, bob, 10)
	expectBalance(t, h, bob, 10)
}

// reentrantOracle reads the vault while it is being quoted.
type reentrantOracle struct {
	*adapter.ManualRateOracle
	vault *core.Vault
	err   error
}

func (o *reentrantOracle) GetCurrentExchangeRate(ctx context.Context) (*uint256.Int, error) {
	if o.vault != nil {
		_, o.err = o.vault.TotalAssets(context.Background())
	}
	return o.ManualRateOracle.GetCurrentExchangeRate(ctx)
}

func TestVault_OracleCallbackRejected(t *testing.T) {
	one, _ := fpmath.Pow10(18)
	oracle := &reentrantOracle{ManualRateOracle: adapter.NewManualRateOracle(one, 18)}
	h := newHarness(t, report.NewSkimming(oracle, 18))
	oracle.vault = h.vault

	insolvent, err := h.vault.IsInsolvent(context.Background())
	require.NoError(t, err)
	assert.False(t, insolvent)
	assert.ErrorIs(t, oracle.err, core.ErrReentrantCall)
}

// ============================================================================
// Test: outputs, hash chain and replay
// ============================================================================

func TestVault_OutputsFormHashChain(t *testing.T) {
	h := newDonating(t)
	ctx := context.Background()
	h.deposit(t, alice, 1_000)
	require.NoError(t, h.vault.Transfer(ctx, alice, bob, u(250)))
	require.NoError(t, h.vault.Approve(ctx, bob, carol, u(10)))

	outs := h.drain()
	require.Len(t, outs, 3)
	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	assert.Equal(t, genesis, outs[0].Envelope.PrevHash, "first envelope does not chain from genesis")
	wantTypes := []event.OperationType{event.OperationTypeDeposit, event.OperationTypeTransfer, event.OperationTypeApprove}
	for i, o := range outs {
		assert.Equal(t, int64(i), o.Envelope.Sequence)
		assert.Equal(t, wantTypes[i], o.Envelope.OperationType)
		if i > 0 {
			assert.Equal(t, outs[i-1].Envelope.StateHash, o.Envelope.PrevHash, "output %d breaks the chain", i)
		}
	}
	assert.Equal(t, common.Hash(outs[2].Envelope.StateHash), h.state(t).StateHash)
	assert.Len(t, outs[1].Batch.Journals, 1)
}

func TestVault_IdempotencyKeyCarried(t *testing.T) {
	h := newDonating(t)
	ctx := core.WithIdempotencyKey(context.Background(), "cmd-42")
	_, err := h.vault.Deposit(ctx, alice, u(1), alice)
	require.NoError(t, err)

	outs := h.drain()
	require.Len(t, outs, 1)
	assert.Equal(t, "cmd-42", outs[0].Envelope.IdempotencyKey)
}

func TestVault_ReplayRebuildsState(t *testing.T) {
	src := newDonating(t)
	ctx := context.Background()
	_, err := src.vault.DepositWithLockup(ctx, alice, u(1_000), alice, 365*day)
	require.NoError(t, err)
	src.deposit(t, bob, 500)
	require.NoError(t, src.vault.Approve(ctx, bob, carol, u(100)))
	require.NoError(t, src.yield.Accrue(u(30)))
	src.report(t)
	outs := src.drain()

	dst := newDonating(t)
	for _, o := range outs {
		require.NoError(t, dst.vault.ApplyDelta(o.Envelope.Sequence, o.Envelope.StateHash, o.StateDelta))
	}

	want, got := src.state(t), dst.state(t)
	assert.Equal(t, want.StateHash, got.StateHash)
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.Equal(t, want.TotalAssets, got.TotalAssets)
	assert.Equal(t, want.TotalSupply, got.TotalSupply)
	expectBalance(t, dst, dragon, 30)
	assert.Equal(t, uint64(100), dst.allowance(t, bob, carol).Uint64())
	info := dst.lockupInfo(t, alice)
	assert.Equal(t, uint64(1_000), info.LockedShares.Uint64(), "lockup not replayed")
}

func TestVault_ReplayDetectsTampering(t *testing.T) {
	src := newDonating(t)
	src.deposit(t, alice, 1_000)
	out := src.drain()[0]

	dst := newDonating(t)
	tampered := append([]byte(nil), out.StateDelta...)
	tampered[len(tampered)-2] ^= 0x01

	assert.Error(t, dst.vault.ApplyDelta(0, out.Envelope.StateHash, tampered), "tampered delta accepted")
	assert.Error(t, dst.vault.ApplyDelta(1, out.Envelope.StateHash, out.StateDelta), "out-of-order delta accepted")
	assert.NoError(t, dst.vault.ApplyDelta(0, out.Envelope.StateHash, out.StateDelta), "genuine delta rejected after failures")
}

func TestVault_SnapshotRestoreThenReplay(t *testing.T) {
	src, oracle := newSkimming(t)
	ctx := context.Background()
	src.deposit(t, alice, 1_000)
	oracle.SetRate(rate(11))
	src.report(t)
	src.drain()

	snap, err := src.vault.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Sequence)

	require.NoError(t, src.vault.Transfer(ctx, alice, bob, u(100)))
	tail := src.drain()

	dst, _ := newSkimming(t)
	require.NoError(t, dst.vault.Restore(snap))
	assert.ErrorIs(t, dst.vault.Restore(snap), core.ErrNotEmpty)
	for _, o := range tail {
		require.NoError(t, dst.vault.ApplyDelta(o.Envelope.Sequence, o.Envelope.StateHash, o.StateDelta))
	}

	want, got := src.state(t), dst.state(t)
	assert.Equal(t, want.StateHash, got.StateHash, "tip differs after snapshot + replay")
	require.NotNil(t, got.Solvency, "solvency state not restored")
	assert.Equal(t, want.Solvency.DragonDebt, got.Solvency.DragonDebt)
	expectBalance(t, dst, bob, 100)
}

func TestVault_RejectedRestoreLeavesVaultEmpty(t *testing.T) {
	src := newDonating(t)
	ctx := context.Background()
	_, err := src.vault.DepositWithLockup(ctx, alice, u(1_000), alice, 365*day)
	require.NoError(t, err)
	src.deposit(t, bob, 500)
	require.NoError(t, src.vault.Approve(ctx, bob, carol, u(100)))
	snap, err := src.vault.Snapshot(ctx)
	require.NoError(t, err)

	dst := newDonating(t)
	defaults, err := dst.vault.LockupConfig(ctx)
	require.NoError(t, err)

	badSupply := *snap
	badSupply.TotalSupply = u(1_000)
	badSupply.MinimumLockup = 200 * day
	assert.ErrorContains(t, dst.vault.Restore(&badSupply), "supply mismatch")

	badMode := *snap
	badMode.Solvency = &core.SolvencyState{UserDebt: u(1_500)}
	assert.Error(t, dst.vault.Restore(&badMode), "solvency state on a donating vault")

	// nothing from either attempt stuck
	expectBalance(t, dst, alice, 0)
	expectBalance(t, dst, bob, 0)
	assert.True(t, dst.allowance(t, bob, carol).IsZero())
	assert.True(t, dst.lockupInfo(t, alice).IsZero())
	cfg, err := dst.vault.LockupConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaults, cfg)

	require.NoError(t, dst.vault.Restore(snap), "vault no longer empty after rejected restores")
	expectBalance(t, dst, alice, 1_000)
	assert.Equal(t, src.state(t).StateHash, dst.state(t).StateHash)
}
