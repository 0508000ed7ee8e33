package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *ShareLedger
}

func NewInvariantValidator(ledger *ShareLedger) *InvariantValidator {
	return &InvariantValidator{
		ledger: ledger,
	}
}

// ValidateBatch verifies every journal of the batch is well-formed.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies sum(balances) == totalSupply.
func (v *InvariantValidator) ValidateConservation() error {
	sum := v.ledger.SumBalances()
	supply := v.ledger.TotalSupply()
	if !sum.Eq(supply) {
		return fmt.Errorf("sum of balances %s != total supply %s", sum.Dec(), supply.Dec())
	}
	return nil
}

// ValidateVaultHoldsNothing verifies the vault never owns its own shares.
func (v *InvariantValidator) ValidateVaultHoldsNothing(self common.Address) error {
	if bal := v.ledger.BalanceOf(self); !bal.IsZero() {
		return fmt.Errorf("vault address %s holds %s shares", self.Hex(), bal.Dec())
	}
	return nil
}
