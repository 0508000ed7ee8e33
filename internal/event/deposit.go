package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DepositApplied records a deposit or mint. Both credit Receiver with
// Shares against Assets; they differ only in which side the caller fixed.
type DepositApplied struct {
	Caller         common.Address `json:"caller"`
	Receiver       common.Address `json:"receiver"`
	Assets         *uint256.Int   `json:"assets"`
	Shares         *uint256.Int   `json:"shares"`
	LockupDuration int64          `json:"lockupDurationSeconds"`
	ByShares       bool           `json:"byShares"`
}

func (d *DepositApplied) OperationType() OperationType {
	if d.ByShares {
		return OperationTypeMint
	}
	return OperationTypeDeposit
}
