package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidAccount        = errors.New("invalid account")
	ErrInsufficientBalance   = errors.New("insufficient share balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrSupplyOverflow        = errors.New("total supply overflow")
)

type allowanceKey struct {
	Owner   common.Address
	Spender common.Address
}

// ShareLedger maintains share balances, total supply and allowances.
// It is not safe for concurrent use; the vault engine serialises access.
type ShareLedger struct {
	self        common.Address
	balances    map[common.Address]uint256.Int
	allowances  map[allowanceKey]uint256.Int
	totalSupply uint256.Int
}

// NewShareLedger creates an empty ledger. self is the vault's own address,
// which may never hold shares.
func NewShareLedger(self common.Address) *ShareLedger {
	return &ShareLedger{
		self:       self,
		balances:   make(map[common.Address]uint256.Int),
		allowances: make(map[allowanceKey]uint256.Int),
	}
}

// BalanceOf returns a copy of the holder's balance.
func (l *ShareLedger) BalanceOf(holder common.Address) *uint256.Int {
	b := l.balances[holder]
	return new(uint256.Int).Set(&b)
}

// TotalSupply returns a copy of the total supply.
func (l *ShareLedger) TotalSupply() *uint256.Int {
	return new(uint256.Int).Set(&l.totalSupply)
}

// Allowance returns how many shares spender may move on owner's behalf.
func (l *ShareLedger) Allowance(owner, spender common.Address) *uint256.Int {
	a := l.allowances[allowanceKey{owner, spender}]
	return new(uint256.Int).Set(&a)
}

func (l *ShareLedger) checkTarget(addr common.Address) error {
	if IsZeroAddress(addr) {
		return fmt.Errorf("%w: zero address", ErrInvalidAccount)
	}
	if addr == l.self {
		return fmt.Errorf("%w: vault address %s", ErrInvalidAccount, addr.Hex())
	}
	return nil
}

func (l *ShareLedger) setBalance(holder common.Address, v *uint256.Int) {
	if v.IsZero() {
		delete(l.balances, holder)
		return
	}
	l.balances[holder] = *v
}

// Mint creates shares for to. Zero amounts are a no-op.
func (l *ShareLedger) Mint(jg *JournalGenerator, to common.Address, amount *uint256.Int) error {
	if err := l.checkTarget(to); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}

	supply, overflow := new(uint256.Int).AddOverflow(&l.totalSupply, amount)
	if overflow {
		return ErrSupplyOverflow
	}

	bal := l.balances[to]
	l.setBalance(to, new(uint256.Int).Add(&bal, amount))
	l.totalSupply = *supply
	jg.Mint(to, amount)
	return nil
}

// Burn destroys shares held by from.
func (l *ShareLedger) Burn(jg *JournalGenerator, from common.Address, amount *uint256.Int) error {
	if IsZeroAddress(from) {
		return fmt.Errorf("%w: zero address", ErrInvalidAccount)
	}
	if amount.IsZero() {
		return nil
	}

	bal := l.balances[from]
	if bal.Lt(amount) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, bal.Dec(), amount.Dec())
	}

	l.setBalance(from, new(uint256.Int).Sub(&bal, amount))
	l.totalSupply.Sub(&l.totalSupply, amount)
	jg.Burn(from, amount)
	return nil
}

// Transfer moves shares between holders. Whether the shares are unlocked
// is the caller's concern.
func (l *ShareLedger) Transfer(jg *JournalGenerator, from, to common.Address, amount *uint256.Int) error {
	if IsZeroAddress(from) {
		return fmt.Errorf("%w: zero address", ErrInvalidAccount)
	}
	if err := l.checkTarget(to); err != nil {
		return err
	}
	fromBal := l.balances[from]
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, fromBal.Dec(), amount.Dec())
	}
	if amount.IsZero() || from == to {
		return nil
	}
	toBal := l.balances[to]

	l.setBalance(from, new(uint256.Int).Sub(&fromBal, amount))
	l.setBalance(to, new(uint256.Int).Add(&toBal, amount))
	jg.Transfer(from, to, amount)
	return nil
}

// Approve sets the allowance of spender over owner's shares.
func (l *ShareLedger) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if IsZeroAddress(owner) || IsZeroAddress(spender) {
		return fmt.Errorf("%w: zero address", ErrInvalidAccount)
	}
	key := allowanceKey{owner, spender}
	if amount.IsZero() {
		delete(l.allowances, key)
		return nil
	}
	l.allowances[key] = *amount
	return nil
}

// SpendAllowance consumes allowance. An allowance of 2^256-1 is unlimited
// and never decremented.
func (l *ShareLedger) SpendAllowance(owner, spender common.Address, amount *uint256.Int) error {
	current := l.Allowance(owner, spender)
	if current.Eq(new(uint256.Int).SetAllOne()) {
		return nil
	}
	if current.Lt(amount) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientAllowance, current.Dec(), amount.Dec())
	}
	return l.Approve(owner, spender, current.Sub(current, amount))
}

// Revert undoes every journal of batch in reverse order. It is used to roll
// back an operation that failed after mutating balances.
func (l *ShareLedger) Revert(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		switch j.JournalType {
		case JournalTypeMint:
			to := j.DebitAccount.Address
			bal := l.balances[to]
			l.setBalance(to, new(uint256.Int).Sub(&bal, &j.Amount))
			l.totalSupply.Sub(&l.totalSupply, &j.Amount)
		case JournalTypeBurn:
			from := j.CreditAccount.Address
			bal := l.balances[from]
			l.setBalance(from, new(uint256.Int).Add(&bal, &j.Amount))
			l.totalSupply.Add(&l.totalSupply, &j.Amount)
		case JournalTypeTransfer:
			from, to := j.CreditAccount.Address, j.DebitAccount.Address
			fromBal, toBal := l.balances[from], l.balances[to]
			l.setBalance(to, new(uint256.Int).Sub(&toBal, &j.Amount))
			l.setBalance(from, new(uint256.Int).Add(&fromBal, &j.Amount))
		}
	}
	batch.Journals = batch.Journals[:0]
}

// Holders returns every address with a non-zero balance, sorted.
func (l *ShareLedger) Holders() []common.Address {
	holders := make([]common.Address, 0, len(l.balances))
	for h := range l.balances {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool {
		return bytes.Compare(holders[i][:], holders[j][:]) < 0
	})
	return holders
}

// SumBalances adds up every holder balance.
func (l *ShareLedger) SumBalances() *uint256.Int {
	sum := new(uint256.Int)
	for _, b := range l.balances {
		sum.Add(sum, &b)
	}
	return sum
}

// Allowances returns a copy of all non-zero allowances keyed owner -> spender.
func (l *ShareLedger) Allowances() map[common.Address]map[common.Address]*uint256.Int {
	out := make(map[common.Address]map[common.Address]*uint256.Int)
	for k, v := range l.allowances {
		if out[k.Owner] == nil {
			out[k.Owner] = make(map[common.Address]*uint256.Int)
		}
		out[k.Owner][k.Spender] = new(uint256.Int).Set(&v)
	}
	return out
}

// SetBalance overwrites a holder balance and adjusts supply to match.
// Only snapshot restore and replay use it.
func (l *ShareLedger) SetBalance(holder common.Address, v *uint256.Int) {
	old := l.balances[holder]
	l.totalSupply.Sub(&l.totalSupply, &old)
	l.totalSupply.Add(&l.totalSupply, v)
	l.setBalance(holder, v)
}
