package lockup

import (
	"fmt"
	"time"

	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Manager holds one lockup record per holder. It is not safe for concurrent
// use; the vault engine serialises access.
type Manager struct {
	cfg     Config
	records map[common.Address]Info
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		records: make(map[common.Address]Info),
	}
}

func (m *Manager) Config() Config {
	return m.cfg
}

// SetMinimumLockupDuration changes the minimum lock for new and extended lockups.
func (m *Manager) SetMinimumLockupDuration(d time.Duration) error {
	next := m.cfg
	next.MinimumLockupDuration = d
	if err := next.Validate(); err != nil {
		return err
	}
	m.cfg = next
	return nil
}

// SetRageQuitCooldown changes the window applied by future rage quits.
func (m *Manager) SetRageQuitCooldown(d time.Duration) error {
	next := m.cfg
	next.RageQuitCooldown = d
	if err := next.Validate(); err != nil {
		return err
	}
	m.cfg = next
	return nil
}

// Info returns the holder's record (zero value when none exists).
func (m *Manager) Info(holder common.Address) Info {
	return m.records[holder]
}

// State returns the holder's lifecycle state at now.
func (m *Manager) State(holder common.Address, now time.Time) State {
	return m.records[holder].State(now)
}

// Set stores a record; a zero record deletes it.
func (m *Manager) Set(holder common.Address, info Info) {
	if info.IsZero() {
		delete(m.records, holder)
		return
	}
	m.records[holder] = info
}

// Clear zeroes the holder's record.
func (m *Manager) Clear(holder common.Address) {
	delete(m.records, holder)
}

// Records returns a copy of every stored record.
func (m *Manager) Records() map[common.Address]Info {
	out := make(map[common.Address]Info, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// PlanDeposit computes the record that results from a deposit bringing the
// holder's balance to newBalance with the requested extra lock duration.
// Nothing is stored; the caller commits the result with Set once the rest of
// the operation has succeeded.
func (m *Manager) PlanDeposit(holder common.Address, newBalance *uint256.Int, duration time.Duration, now time.Time) (Info, error) {
	if duration < 0 {
		return Info{}, fmt.Errorf("%w: negative duration %s", ErrInvalidDuration, duration)
	}

	current := m.records[holder]

	if current.IsActive(now) {
		if current.IsRageQuit {
			return Info{}, fmt.Errorf("%w: %s", ErrRageQuitInProgress, holder.Hex())
		}

		next := current
		if duration > 0 {
			next.UnlockTime = current.UnlockTime.Add(duration)
			if remaining := next.UnlockTime.Sub(now); remaining < m.cfg.MinimumLockupDuration {
				return Info{}, fmt.Errorf("%w: remaining %s < %s",
					ErrLockupTooShort, remaining, m.cfg.MinimumLockupDuration)
			}
		}
		next.LockedShares = *newBalance
		return next, nil
	}

	// No lock binds any more. A zero-duration deposit stays liquid and any
	// stale record is dropped.
	if duration == 0 {
		return Info{}, nil
	}

	if duration < m.cfg.MinimumLockupDuration {
		return Info{}, fmt.Errorf("%w: %s < %s", ErrLockupTooShort, duration, m.cfg.MinimumLockupDuration)
	}

	return Info{
		LockupStart:  now,
		UnlockTime:   now.Add(duration),
		LockedShares: *newBalance,
	}, nil
}

// InitiateRageQuit converts the holder's active lock into a linear unlock.
// The new unlock time is the earlier of the existing one and now+cooldown.
func (m *Manager) InitiateRageQuit(holder common.Address, balance *uint256.Int, now time.Time) (Info, error) {
	current := m.records[holder]

	if current.IsRageQuit && current.IsActive(now) {
		return Info{}, fmt.Errorf("%w: %s", ErrRageQuitAlreadyInitiated, holder.Hex())
	}
	if balance.IsZero() || !current.IsActive(now) {
		return Info{}, fmt.Errorf("%w: %s", ErrNoActiveLockup, holder.Hex())
	}

	next := current
	if cooldownEnd := now.Add(m.cfg.RageQuitCooldown); cooldownEnd.Before(next.UnlockTime) {
		next.UnlockTime = cooldownEnd
	}
	next.LockupStart = now
	next.IsRageQuit = true

	m.records[holder] = next
	return next, nil
}

// UnlockedShares returns how many of balance the holder may move at now.
func (m *Manager) UnlockedShares(holder common.Address, balance *uint256.Int, now time.Time) *uint256.Int {
	return UnlockedShares(m.records[holder], balance, now)
}

// UnlockedShares applies the unlock schedule of info to balance.
//
// Past the unlock time everything is free. During a rage quit the locked
// amount vends linearly from LockupStart to UnlockTime; shares already
// withdrawn since the election are netted out and the result is clamped to
// the current balance. A plain active lock frees nothing.
func UnlockedShares(info Info, balance *uint256.Int, now time.Time) *uint256.Int {
	if !info.IsActive(now) {
		return new(uint256.Int).Set(balance)
	}
	if !info.IsRageQuit {
		return new(uint256.Int)
	}

	elapsed := now.Unix() - info.LockupStart.Unix()
	window := info.UnlockTime.Unix() - info.LockupStart.Unix()
	if elapsed <= 0 || window <= 0 {
		return new(uint256.Int)
	}

	unlockedPortion, err := fpmath.MulDiv(&info.LockedShares, uint256.NewInt(uint64(elapsed)), uint256.NewInt(uint64(window)), fpmath.RoundDown)
	if err != nil {
		// elapsed < window, so the product never exceeds LockedShares
		return new(uint256.Int)
	}

	alreadyWithdrawn := fpmath.SubFloor(&info.LockedShares, balance)
	free := fpmath.SubFloor(unlockedPortion, alreadyWithdrawn)
	return fpmath.Min(free, balance)
}
