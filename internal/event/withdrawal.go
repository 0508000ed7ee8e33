package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// WithdrawalApplied records a withdraw or redeem. Assets is what the
// owner's shares were worth; Freed is what the adapter actually released
// and was paid to Receiver. The difference is Loss.
type WithdrawalApplied struct {
	Caller     common.Address `json:"caller"`
	Receiver   common.Address `json:"receiver"`
	Owner      common.Address `json:"owner"`
	Assets     *uint256.Int   `json:"assets"`
	Freed      *uint256.Int   `json:"freed"`
	Loss       *uint256.Int   `json:"loss"`
	Shares     *uint256.Int   `json:"shares"`
	MaxLossBps uint64         `json:"maxLossBps"`
	ByShares   bool           `json:"byShares"`
}

func (w *WithdrawalApplied) OperationType() OperationType {
	if w.ByShares {
		return OperationTypeRedeem
	}
	return OperationTypeWithdraw
}
