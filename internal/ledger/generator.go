package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator appends journal entries to the batch of the operation
// currently being applied.
type JournalGenerator struct {
	batch *Batch
}

func NewJournalGenerator(batch *Batch) *JournalGenerator {
	return &JournalGenerator{batch: batch}
}

func (jg *JournalGenerator) append(jt JournalType, debit, credit AccountKey, amount *uint256.Int) {
	if jg == nil || jg.batch == nil {
		return
	}
	jg.batch.Journals = append(jg.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batch.BatchID,
		OperationRef:  jg.batch.OperationRef,
		Sequence:      jg.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        *amount,
		JournalType:   jt,
		Timestamp:     jg.batch.Timestamp,
	})
}

// Mint records supply -> holder.
func (jg *JournalGenerator) Mint(to common.Address, amount *uint256.Int) {
	jg.append(JournalTypeMint, HolderAccount(to), SupplyAccount, amount)
}

// Burn records holder -> supply.
func (jg *JournalGenerator) Burn(from common.Address, amount *uint256.Int) {
	jg.append(JournalTypeBurn, SupplyAccount, HolderAccount(from), amount)
}

// Transfer records holder -> holder.
func (jg *JournalGenerator) Transfer(from, to common.Address, amount *uint256.Int) {
	jg.append(JournalTypeTransfer, HolderAccount(to), HolderAccount(from), amount)
}
