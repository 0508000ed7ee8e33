package core

import (
	"errors"

	"VaultLedger/internal/ledger"
	"VaultLedger/internal/lockup"
	"VaultLedger/internal/solvency"
)

// Authorization
var ErrUnauthorized = errors.New("unauthorized")

// ZeroValue: a non-zero input converted to zero units.
var (
	ErrZeroShares = errors.New("zero shares")
	ErrZeroAssets = errors.New("zero assets")
)

// LimitExceeded
var (
	ErrDepositLimitExceeded  = errors.New("deposit exceeds limit")
	ErrMintLimitExceeded     = errors.New("mint exceeds limit")
	ErrWithdrawLimitExceeded = errors.New("withdraw exceeds limit")
	ErrRedeemLimitExceeded   = errors.New("redeem exceeds limit")
)

// LockupViolation
var (
	ErrSharesStillLocked        = lockup.ErrSharesStillLocked
	ErrRageQuitAlreadyInitiated = lockup.ErrRageQuitAlreadyInitiated
	ErrNoActiveLockup           = lockup.ErrNoActiveLockup
	ErrRageQuitInProgress       = lockup.ErrRageQuitInProgress
	ErrLockupTooShort           = lockup.ErrLockupTooShort
	ErrInvalidDuration          = lockup.ErrInvalidDuration
)

// Insolvency
var ErrInsolvent = solvency.ErrInsolvent

// TooMuchLoss
var (
	ErrTooMuchLoss    = errors.New("too much loss")
	ErrInvalidMaxLoss = errors.New("max loss above 10000 bps")
)

// Ledger
var (
	ErrInvalidAccount        = ledger.ErrInvalidAccount
	ErrInsufficientBalance   = ledger.ErrInsufficientBalance
	ErrInsufficientAllowance = ledger.ErrInsufficientAllowance
)

// Concurrency & lifecycle
var (
	ErrReentrantCall = errors.New("reentrant vault call")
	ErrShutdown      = errors.New("vault shut down")
	ErrNotEmpty      = errors.New("vault already holds state")
	ErrInvalidConfig = errors.New("invalid vault configuration")
)

// Reason maps an operation error to a short metrics label.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrZeroShares), errors.Is(err, ErrZeroAssets):
		return "zero_value"
	case errors.Is(err, ErrDepositLimitExceeded), errors.Is(err, ErrMintLimitExceeded),
		errors.Is(err, ErrWithdrawLimitExceeded), errors.Is(err, ErrRedeemLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrSharesStillLocked), errors.Is(err, ErrRageQuitAlreadyInitiated),
		errors.Is(err, ErrNoActiveLockup), errors.Is(err, ErrRageQuitInProgress),
		errors.Is(err, ErrLockupTooShort), errors.Is(err, ErrInvalidDuration):
		return "lockup"
	case errors.Is(err, ErrInsolvent):
		return "insolvent"
	case errors.Is(err, ErrTooMuchLoss), errors.Is(err, ErrInvalidMaxLoss):
		return "too_much_loss"
	case errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientAllowance):
		return "ledger"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "internal"
	}
}
