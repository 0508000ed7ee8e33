package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RageQuitInitiated records a holder's irreversible unlock election.
type RageQuitInitiated struct {
	Holder       common.Address `json:"holder"`
	LockupStart  time.Time      `json:"lockupStart"`
	UnlockTime   time.Time      `json:"unlockTime"`
	LockedShares *uint256.Int   `json:"lockedShares"`
}

func (r *RageQuitInitiated) OperationType() OperationType { return OperationTypeRageQuit }

// LockupParamsUpdated records a management change of the lockup bounds.
type LockupParamsUpdated struct {
	MinimumLockupSeconds    int64 `json:"minimumLockupSeconds"`
	RageQuitCooldownSeconds int64 `json:"rageQuitCooldownSeconds"`
}

func (l *LockupParamsUpdated) OperationType() OperationType { return OperationTypeLockupParams }

// ShutdownApplied records the emergency stop.
type ShutdownApplied struct {
	By common.Address `json:"by"`
}

func (s *ShutdownApplied) OperationType() OperationType { return OperationTypeShutdown }
