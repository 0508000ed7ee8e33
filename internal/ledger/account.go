package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope separates holder accounts from the supply boundary account
// that mints are drawn from and burns are returned to.
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeSupply
)

// AccountKey identifies one side of a journal entry.
type AccountKey struct {
	Scope   AccountScope
	Address common.Address
}

// SupplyAccount is the boundary account; its implicit balance is -totalSupply.
var SupplyAccount = AccountKey{Scope: AccountScopeSupply}

// HolderAccount returns the account key of a share holder.
func HolderAccount(addr common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeHolder, Address: addr}
}

// IsZeroAddress reports whether addr is the zero identity.
func IsZeroAddress(addr common.Address) bool {
	return addr == (common.Address{})
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s", k.Address.Hex())
	case AccountScopeSupply:
		return "supply"
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	if path == "supply" {
		return SupplyAccount, nil
	}
	var hex string
	if _, err := fmt.Sscanf(path, "holder:%s", &hex); err != nil {
		return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
	}
	if !common.IsHexAddress(hex) {
		return AccountKey{}, fmt.Errorf("parse account path %q: invalid address", path)
	}
	return HolderAccount(common.HexToAddress(hex)), nil
}
