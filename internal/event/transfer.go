package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TransferApplied records a share transfer. Spender is set for transfers
// made on an allowance.
type TransferApplied struct {
	From    common.Address  `json:"from"`
	To      common.Address  `json:"to"`
	Spender *common.Address `json:"spender,omitempty"`
	Shares  *uint256.Int    `json:"shares"`
}

func (t *TransferApplied) OperationType() OperationType { return OperationTypeTransfer }

// ApprovalApplied records an allowance change.
type ApprovalApplied struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

func (a *ApprovalApplied) OperationType() OperationType { return OperationTypeApprove }
