package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeBurn
	JournalTypeTransfer
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry movement of shares
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one operation
	OperationRef  string      // Operation id that produced the entry
	Sequence      int64       // Vault operation sequence
	DebitAccount  AccountKey  // Account whose balance increases
	CreditAccount AccountKey  // Account whose balance decreases
	Amount        uint256.Int // Always positive
	JournalType   JournalType
	Timestamp     int64 // Operation timestamp (epoch microseconds)
}

// Batch represents the journal entries produced by one operation
type Batch struct {
	BatchID      uuid.UUID
	OperationRef string
	Sequence     int64
	Timestamp    int64
	Journals     []Journal
}

// NewBatch starts an empty batch for an operation.
func NewBatch(operationRef string, sequence int64, ts time.Time) *Batch {
	return &Batch{
		BatchID:      uuid.New(),
		OperationRef: operationRef,
		Sequence:     sequence,
		Timestamp:    ts.UnixMicro(),
	}
}

// Validate ensures the batch is well-formed. An empty batch is valid:
// approvals, rage-quit elections and configuration changes move no shares.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		switch j.JournalType {
		case JournalTypeMint:
			if j.CreditAccount != SupplyAccount || j.DebitAccount.Scope != AccountScopeHolder {
				return fmt.Errorf("mint journal %s must move supply -> holder", j.JournalID)
			}
		case JournalTypeBurn:
			if j.DebitAccount != SupplyAccount || j.CreditAccount.Scope != AccountScopeHolder {
				return fmt.Errorf("burn journal %s must move holder -> supply", j.JournalID)
			}
		case JournalTypeTransfer:
			if j.DebitAccount.Scope != AccountScopeHolder || j.CreditAccount.Scope != AccountScopeHolder {
				return fmt.Errorf("transfer journal %s must move holder -> holder", j.JournalID)
			}
		default:
			return fmt.Errorf("journal %s has unknown type %d", j.JournalID, j.JournalType)
		}
	}

	return nil
}

// Touched returns the holder accounts whose balances the batch changes,
// in first-seen order.
func (b *Batch) Touched() []AccountKey {
	seen := make(map[AccountKey]bool)
	var keys []AccountKey
	for _, j := range b.Journals {
		for _, k := range []AccountKey{j.CreditAccount, j.DebitAccount} {
			if k.Scope == AccountScopeHolder && !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}
