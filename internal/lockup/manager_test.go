package lockup_test

import (
	"testing"
	"time"

	"VaultLedger/internal/lockup"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

var (
	holder = common.HexToAddress("0x1111111111111111111111111111111111111111")
	t0     = time.Unix(1_700_000_000, 0).UTC()
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func lockedManager(t *testing.T, balance uint64, duration time.Duration) *lockup.Manager {
	t.Helper()
	m := lockup.NewManager(lockup.DefaultConfig())
	info, err := m.PlanDeposit(holder, u(balance), duration, t0)
	require.NoError(t, err)
	m.Set(holder, info)
	return m
}

// ============================================================================
// Test: deposits
// ============================================================================

func TestPlanDeposit_NewLock(t *testing.T) {
	m := lockedManager(t, 1_000, 90*day)
	info := m.Info(holder)

	assert.Equal(t, t0, info.LockupStart)
	assert.Equal(t, t0.Add(90*day), info.UnlockTime)
	assert.Equal(t, uint64(1_000), info.LockedShares.Uint64())
	assert.False(t, info.IsRageQuit)
	assert.Equal(t, lockup.StateLocked, m.State(holder, t0))
}

func TestPlanDeposit_BelowMinimum(t *testing.T) {
	m := lockup.NewManager(lockup.DefaultConfig())
	_, err := m.PlanDeposit(holder, u(1), 89*day, t0)
	assert.ErrorIs(t, err, lockup.ErrLockupTooShort)
}

func TestPlanDeposit_ZeroDurationStaysLiquid(t *testing.T) {
	m := lockup.NewManager(lockup.DefaultConfig())
	info, err := m.PlanDeposit(holder, u(500), 0, t0)
	require.NoError(t, err)
	assert.True(t, info.IsZero())

	m.Set(holder, info)
	assert.Equal(t, uint64(500), m.UnlockedShares(holder, u(500), t0).Uint64())
}

func TestPlanDeposit_ExtendsExistingLock(t *testing.T) {
	m := lockedManager(t, 1_000, 90*day)

	info, err := m.PlanDeposit(holder, u(1_500), 30*day, t0.Add(10*day))
	require.NoError(t, err)

	assert.Equal(t, t0, info.LockupStart)
	assert.Equal(t, t0.Add(120*day), info.UnlockTime)
	assert.Equal(t, uint64(1_500), info.LockedShares.Uint64())
}

func TestPlanDeposit_ExtensionMustLeaveMinimumRemaining(t *testing.T) {
	m := lockedManager(t, 1_000, 90*day)

	// at day 80 only 10 days remain; +30 leaves 40 < 90
	_, err := m.PlanDeposit(holder, u(1_500), 30*day, t0.Add(80*day))
	assert.ErrorIs(t, err, lockup.ErrLockupTooShort)
}

func TestPlanDeposit_ZeroDurationOnActiveLockRefreshesShares(t *testing.T) {
	m := lockedManager(t, 1_000, 90*day)

	info, err := m.PlanDeposit(holder, u(1_200), 0, t0.Add(5*day))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(90*day), info.UnlockTime)
	assert.Equal(t, uint64(1_200), info.LockedShares.Uint64())
}

func TestPlanDeposit_RejectedDuringRageQuit(t *testing.T) {
	m := lockedManager(t, 1_000, 180*day)
	_, err := m.InitiateRageQuit(holder, u(1_000), t0.Add(10*day))
	require.NoError(t, err)

	_, err = m.PlanDeposit(holder, u(2_000), 0, t0.Add(11*day))
	assert.ErrorIs(t, err, lockup.ErrRageQuitInProgress)
}

func TestPlanDeposit_NegativeDuration(t *testing.T) {
	m := lockup.NewManager(lockup.DefaultConfig())
	_, err := m.PlanDeposit(holder, u(1), -time.Second, t0)
	assert.ErrorIs(t, err, lockup.ErrInvalidDuration)
}

// ============================================================================
// Test: rage quit
// ============================================================================

func TestInitiateRageQuit_NeverExtendsLock(t *testing.T) {
	m := lockedManager(t, 10_000, 90*day)

	info, err := m.InitiateRageQuit(holder, u(10_000), t0.Add(45*day))
	require.NoError(t, err)

	// now+cooldown = day 135 is later than the existing day 90 unlock
	assert.Equal(t, t0.Add(90*day), info.UnlockTime)
	assert.Equal(t, t0.Add(45*day), info.LockupStart)
	assert.True(t, info.IsRageQuit)
}

func TestInitiateRageQuit_ShortensLongLock(t *testing.T) {
	m := lockedManager(t, 10_000, 365*day)

	info, err := m.InitiateRageQuit(holder, u(10_000), t0.Add(45*day))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(135*day), info.UnlockTime)
}

func TestInitiateRageQuit_Errors(t *testing.T) {
	m := lockup.NewManager(lockup.DefaultConfig())
	_, err := m.InitiateRageQuit(holder, u(10), t0)
	assert.ErrorIs(t, err, lockup.ErrNoActiveLockup, "no lock at all")

	m = lockedManager(t, 10, 90*day)
	_, err = m.InitiateRageQuit(holder, u(0), t0.Add(day))
	assert.ErrorIs(t, err, lockup.ErrNoActiveLockup, "zero balance")

	_, err = m.InitiateRageQuit(holder, u(10), t0.Add(90*day))
	assert.ErrorIs(t, err, lockup.ErrNoActiveLockup, "lock already expired")

	_, err = m.InitiateRageQuit(holder, u(10), t0.Add(day))
	require.NoError(t, err)
	_, err = m.InitiateRageQuit(holder, u(10), t0.Add(2*day))
	assert.ErrorIs(t, err, lockup.ErrRageQuitAlreadyInitiated)
}

// ============================================================================
// Test: unlock schedule
// ============================================================================

func TestUnlockedShares_LockedIsZero(t *testing.T) {
	m := lockedManager(t, 1_000, 90*day)
	assert.True(t, m.UnlockedShares(holder, u(1_000), t0.Add(89*day)).IsZero())
	assert.Equal(t, uint64(1_000), m.UnlockedShares(holder, u(1_000), t0.Add(90*day)).Uint64())
}

func TestUnlockedShares_LinearExactness(t *testing.T) {
	m := lockedManager(t, 10_000, 365*day)
	start := t0.Add(45 * day)
	_, err := m.InitiateRageQuit(holder, u(10_000), start)
	require.NoError(t, err)

	// window is day 45 .. day 135; halfway is day 90
	got := m.UnlockedShares(holder, u(10_000), start.Add(45*day)).Uint64()
	assert.InDelta(t, 5_000, got, 1)
}

func TestUnlockedShares_Monotonic(t *testing.T) {
	m := lockedManager(t, 7_777, 200*day)
	start := t0.Add(3 * day)
	info, err := m.InitiateRageQuit(holder, u(7_777), start)
	require.NoError(t, err)

	prev := uint64(0)
	for ts := start; ts.Before(info.UnlockTime.Add(day)); ts = ts.Add(37 * time.Minute) {
		got := m.UnlockedShares(holder, u(7_777), ts).Uint64()
		require.GreaterOrEqualf(t, got, prev, "unlock went backwards at %s", ts)
		prev = got
	}
	assert.Equal(t, uint64(7_777), prev)
}

func TestUnlockedShares_NetsOutWithdrawn(t *testing.T) {
	m := lockedManager(t, 10_000, 365*day)
	start := t0
	_, err := m.InitiateRageQuit(holder, u(10_000), start)
	require.NoError(t, err)

	// 90-day window, day 45: 5_000 vested; 3_000 already withdrawn
	got := m.UnlockedShares(holder, u(7_000), start.Add(45*day)).Uint64()
	assert.Equal(t, uint64(2_000), got)
}

func TestUnlockedShares_ClampedToBalance(t *testing.T) {
	m := lockedManager(t, 10_000, 365*day)
	_, err := m.InitiateRageQuit(holder, u(10_000), t0)
	require.NoError(t, err)

	// balance dropped below what has vested
	got := m.UnlockedShares(holder, u(1_000), t0.Add(80*day)).Uint64()
	assert.Equal(t, uint64(0), got, "8_888 vested minus 9_000 withdrawn saturates at zero")

	got = m.UnlockedShares(holder, u(9_500), t0.Add(80*day)).Uint64()
	assert.Equal(t, uint64(8_388), got)
}

func TestUnlockedShares_RageQuitFinishedIsUnlocked(t *testing.T) {
	m := lockedManager(t, 100, 365*day)
	info, err := m.InitiateRageQuit(holder, u(100), t0)
	require.NoError(t, err)

	assert.Equal(t, lockup.StateRageQuitting, m.State(holder, t0.Add(day)))
	assert.Equal(t, lockup.StateUnlocked, m.State(holder, info.UnlockTime))

	// a fresh lock may start once the window has elapsed
	next, err := m.PlanDeposit(holder, u(200), 90*day, info.UnlockTime)
	require.NoError(t, err)
	assert.False(t, next.IsRageQuit)
}

// ============================================================================
// Test: configuration
// ============================================================================

func TestConfigBounds(t *testing.T) {
	m := lockup.NewManager(lockup.DefaultConfig())

	assert.ErrorIs(t, m.SetMinimumLockupDuration(29*day), lockup.ErrInvalidDuration)
	assert.ErrorIs(t, m.SetRageQuitCooldown(3651*day), lockup.ErrInvalidDuration)
	require.NoError(t, m.SetMinimumLockupDuration(30*day))
	require.NoError(t, m.SetRageQuitCooldown(7*day))

	assert.Equal(t, 30*day, m.Config().MinimumLockupDuration)
	assert.Equal(t, 7*day, m.Config().RageQuitCooldown)
}
