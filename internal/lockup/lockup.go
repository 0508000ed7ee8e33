// Package lockup tracks voluntary share lockups and the irreversible
// rage-quit election that turns a fixed lock into a linear unlock.
package lockup

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

var (
	ErrSharesStillLocked        = errors.New("shares still locked")
	ErrRageQuitAlreadyInitiated = errors.New("rage quit already initiated")
	ErrNoActiveLockup           = errors.New("no active lockup")
	ErrRageQuitInProgress       = errors.New("rage quit in progress")
	ErrLockupTooShort           = errors.New("lockup duration below minimum")
	ErrInvalidDuration          = errors.New("invalid duration")
)

const (
	DefaultMinimumLockupDuration = 90 * 24 * time.Hour
	DefaultRageQuitCooldown      = 90 * 24 * time.Hour

	MinLockupDurationBound = 30 * 24 * time.Hour
	MaxLockupDurationBound = 3650 * 24 * time.Hour
	MinRageQuitCooldown    = 24 * time.Hour
	MaxRageQuitCooldown    = 3650 * 24 * time.Hour
)

// State is the lifecycle position of a holder's lockup.
type State int

const (
	StateUnlocked State = iota
	StateLocked
	StateRageQuitting
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateRageQuitting:
		return "rage_quitting"
	default:
		return "unlocked"
	}
}

// Info is a holder's lockup record.
type Info struct {
	LockupStart  time.Time
	UnlockTime   time.Time
	LockedShares uint256.Int
	IsRageQuit   bool
}

// IsZero reports whether the record is empty.
func (i Info) IsZero() bool {
	return i.LockupStart.IsZero() && i.UnlockTime.IsZero() && i.LockedShares.IsZero() && !i.IsRageQuit
}

// IsActive reports whether the lock still binds at now.
func (i Info) IsActive(now time.Time) bool {
	return i.UnlockTime.After(now)
}

// State derives the lifecycle state at now. A rage quit whose window has
// fully elapsed is Unlocked.
func (i Info) State(now time.Time) State {
	switch {
	case !i.IsActive(now):
		return StateUnlocked
	case i.IsRageQuit:
		return StateRageQuitting
	default:
		return StateLocked
	}
}

// Config holds the tunable lockup parameters.
type Config struct {
	MinimumLockupDuration time.Duration `yaml:"minimum_lockup_duration"`
	RageQuitCooldown      time.Duration `yaml:"rage_quit_cooldown"`
}

func DefaultConfig() Config {
	return Config{
		MinimumLockupDuration: DefaultMinimumLockupDuration,
		RageQuitCooldown:      DefaultRageQuitCooldown,
	}
}

// Validate checks both parameters against their bounds.
func (c Config) Validate() error {
	if c.MinimumLockupDuration < MinLockupDurationBound || c.MinimumLockupDuration > MaxLockupDurationBound {
		return fmt.Errorf("%w: minimum lockup %s outside [%s, %s]",
			ErrInvalidDuration, c.MinimumLockupDuration, MinLockupDurationBound, MaxLockupDurationBound)
	}
	if c.RageQuitCooldown < MinRageQuitCooldown || c.RageQuitCooldown > MaxRageQuitCooldown {
		return fmt.Errorf("%w: rage quit cooldown %s outside [%s, %s]",
			ErrInvalidDuration, c.RageQuitCooldown, MinRageQuitCooldown, MaxRageQuitCooldown)
	}
	return nil
}
