package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OperationType discriminator for operation payloads
type OperationType int32

const (
	OperationTypeUnknown OperationType = iota
	OperationTypeDeposit
	OperationTypeMint
	OperationTypeWithdraw
	OperationTypeRedeem
	OperationTypeTransfer
	OperationTypeApprove
	OperationTypeRageQuit
	OperationTypeReport
	OperationTypeShutdown
	OperationTypeLockupParams
)

var operationTypeNames = map[OperationType]string{
	OperationTypeDeposit:      "Deposit",
	OperationTypeMint:         "Mint",
	OperationTypeWithdraw:     "Withdraw",
	OperationTypeRedeem:       "Redeem",
	OperationTypeTransfer:     "Transfer",
	OperationTypeApprove:      "Approve",
	OperationTypeRageQuit:     "RageQuit",
	OperationTypeReport:       "Report",
	OperationTypeShutdown:     "Shutdown",
	OperationTypeLockupParams: "LockupParams",
}

func (ot OperationType) String() string {
	if name, ok := operationTypeNames[ot]; ok {
		return name
	}
	return "Unknown"
}

// ParseOperationType is the inverse of String.
func ParseOperationType(s string) (OperationType, error) {
	for ot, name := range operationTypeNames {
		if name == s {
			return ot, nil
		}
	}
	return OperationTypeUnknown, fmt.Errorf("unknown operation type %q", s)
}

// OperationEnvelope wraps every applied operation in the log
type OperationEnvelope struct {
	// Global monotonic sequence assigned by the vault
	Sequence int64

	// Unique id of this application
	OperationID uuid.UUID

	// Stable dedup key from upstream; the operation id when none was given
	IdempotencyKey string

	OperationType OperationType

	// Identity that invoked the operation
	Caller common.Address

	// Clock reading taken once at the start of the operation
	Timestamp time.Time

	// JSON-encoded operation payload
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Payload is implemented by every operation-specific record.
type Payload interface {
	OperationType() OperationType
}
