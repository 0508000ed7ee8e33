package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"VaultLedger/internal/ledger"
	"VaultLedger/internal/lockup"
	"VaultLedger/internal/report"
	"VaultLedger/internal/solvency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrHashMismatch means a replayed delta does not extend the local chain.
var ErrHashMismatch = errors.New("state hash mismatch")

// HolderState is one holder's balance and lockup.
type HolderState struct {
	Address common.Address `json:"address"`
	Balance *uint256.Int   `json:"balance"`
	Lockup  *LockupState   `json:"lockup,omitempty"`
}

type LockupState struct {
	LockupStart  time.Time    `json:"lockupStart"`
	UnlockTime   time.Time    `json:"unlockTime"`
	LockedShares *uint256.Int `json:"lockedShares"`
	IsRageQuit   bool         `json:"isRageQuit"`
}

type AllowanceState struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

type SolvencyState struct {
	UserDebt         *uint256.Int `json:"userDebt"`
	DragonDebt       *uint256.Int `json:"dragonDebt"`
	LastReportedRate *uint256.Int `json:"lastReportedRate"`
}

// StateDelta is the state an operation left behind: the pool-wide fields
// plus every holder and allowance it touched. Its JSON encoding is the
// digest fed to the hash chain, and replaying deltas in sequence order
// rebuilds the vault without calling any collaborator.
type StateDelta struct {
	Sequence         int64            `json:"sequence"`
	TotalAssets      *uint256.Int     `json:"totalAssets"`
	TotalSupply      *uint256.Int     `json:"totalSupply"`
	LastReport       time.Time        `json:"lastReport"`
	Shutdown         bool             `json:"shutdown"`
	MinimumLockup    time.Duration    `json:"minimumLockup"`
	RageQuitCooldown time.Duration    `json:"rageQuitCooldown"`
	Solvency         *SolvencyState   `json:"solvency,omitempty"`
	Holders          []HolderState    `json:"holders"`
	Allowances       []AllowanceState `json:"allowances,omitempty"`
}

// Snapshot is a full StateDelta covering every holder, plus the chain tip.
type Snapshot struct {
	StateDelta
	StateHash common.Hash `json:"stateHash"`
}

func (v *Vault) holderState(holder common.Address) HolderState {
	hs := HolderState{Address: holder, Balance: v.ledger.BalanceOf(holder)}
	if info := v.lockups.Info(holder); !info.IsZero() {
		hs.Lockup = &LockupState{
			LockupStart:  info.LockupStart,
			UnlockTime:   info.UnlockTime,
			LockedShares: new(uint256.Int).Set(&info.LockedShares),
			IsRageQuit:   info.IsRageQuit,
		}
	}
	return hs
}

func (v *Vault) baseState() StateDelta {
	cfg := v.lockups.Config()
	d := StateDelta{
		Sequence:         v.sequence,
		TotalAssets:      new(uint256.Int).Set(&v.totalAssets),
		TotalSupply:      v.ledger.TotalSupply(),
		LastReport:       v.lastReport,
		Shutdown:         v.shutdown,
		MinimumLockup:    cfg.MinimumLockupDuration,
		RageQuitCooldown: cfg.RageQuitCooldown,
		Holders:          []HolderState{},
	}
	if st, ok := v.policy.(report.Stateful); ok {
		s := st.SolvencyState()
		d.Solvency = &SolvencyState{
			UserDebt:         new(uint256.Int).Set(&s.UserDebt),
			DragonDebt:       new(uint256.Int).Set(&s.DragonDebt),
			LastReportedRate: new(uint256.Int).Set(&s.LastReportedRate),
		}
	}
	return d
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}

func (v *Vault) stateDelta(op *operation) StateDelta {
	d := v.baseState()

	holders := make([]common.Address, 0, len(op.touched))
	for h := range op.touched {
		holders = append(holders, h)
	}
	sortAddresses(holders)
	for _, h := range holders {
		d.Holders = append(d.Holders, v.holderState(h))
	}

	seen := make(map[allowanceRef]bool)
	for _, ref := range op.approvals {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		d.Allowances = append(d.Allowances, AllowanceState{
			Owner:   ref.owner,
			Spender: ref.spender,
			Amount:  v.ledger.Allowance(ref.owner, ref.spender),
		})
	}
	return d
}

// Snapshot captures the full vault state at the last applied sequence.
func (v *Vault) Snapshot(ctx context.Context) (*Snapshot, error) {
	if _, err := v.rlock(ctx); err != nil {
		return nil, err
	}
	defer v.mu.RUnlock()

	d := v.baseState()
	d.Sequence = v.sequence - 1

	set := make(map[common.Address]struct{})
	for _, h := range v.ledger.Holders() {
		set[h] = struct{}{}
	}
	for h := range v.lockups.Records() {
		set[h] = struct{}{}
	}
	holders := make([]common.Address, 0, len(set))
	for h := range set {
		holders = append(holders, h)
	}
	sortAddresses(holders)
	for _, h := range holders {
		d.Holders = append(d.Holders, v.holderState(h))
	}

	for owner, spenders := range v.ledger.Allowances() {
		for spender, amount := range spenders {
			d.Allowances = append(d.Allowances, AllowanceState{Owner: owner, Spender: spender, Amount: amount})
		}
	}
	sort.Slice(d.Allowances, func(i, j int) bool {
		a, b := d.Allowances[i], d.Allowances[j]
		if c := bytes.Compare(a.Owner[:], b.Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Spender[:], b.Spender[:]) < 0
	})

	v.recordPool(d.Holders)
	return &Snapshot{StateDelta: d, StateHash: common.Hash(v.hasher.GetPrevHash())}, nil
}

// recordPool refreshes the population gauges. It runs on snapshots rather
// than per operation since it walks every holder.
func (v *Vault) recordPool(holders []HolderState) {
	if v.metrics == nil {
		return
	}
	now := v.clock()
	count, quitting := 0, 0
	for _, h := range holders {
		if !h.Balance.IsZero() {
			count++
		}
		if h.Lockup != nil && h.Lockup.IsRageQuit && h.Lockup.UnlockTime.After(now) {
			quitting++
		}
	}
	v.metrics.HolderCount.Set(float64(count))
	v.metrics.RageQuitters.Set(float64(quitting))
}

// Restore loads a snapshot into an empty vault.
func (v *Vault) Restore(snap *Snapshot) error {
	if v.inCall.Load() > 0 {
		return ErrReentrantCall
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sequence != 0 || !v.ledger.TotalSupply().IsZero() {
		return ErrNotEmpty
	}
	if err := v.applyState(&snap.StateDelta); err != nil {
		return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}
	if err := v.validator.ValidateConservation(); err != nil {
		return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}
	v.sequence = snap.Sequence + 1
	v.hasher.SetPrevHash(snap.StateHash)
	return nil
}

// ApplyDelta replays one persisted operation. The delta must be the next in
// sequence and must hash to stateHash on top of the current chain tip.
func (v *Vault) ApplyDelta(sequence int64, stateHash [32]byte, data []byte) error {
	if v.inCall.Load() > 0 {
		return ErrReentrantCall
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if sequence != v.sequence {
		return fmt.Errorf("replay out of order: want sequence %d, got %d", v.sequence, sequence)
	}

	var d StateDelta
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode delta %d: %w", sequence, err)
	}

	tip := v.hasher.GetPrevHash()
	if got := v.hasher.ComputeHash(sequence, data); got != stateHash {
		v.hasher.SetPrevHash(tip)
		return fmt.Errorf("%w at sequence %d", ErrHashMismatch, sequence)
	}
	if err := v.applyState(&d); err != nil {
		v.hasher.SetPrevHash(tip)
		return fmt.Errorf("apply delta %d: %w", sequence, err)
	}
	v.sequence = sequence + 1
	return nil
}

// applyState checks the whole delta against the current state before it
// writes anything, so a rejected delta leaves the vault as it was.
func (v *Vault) applyState(d *StateDelta) error {
	if err := v.checkState(d); err != nil {
		return err
	}

	// Both setters were validated together above.
	_ = v.lockups.SetMinimumLockupDuration(d.MinimumLockup)
	_ = v.lockups.SetRageQuitCooldown(d.RageQuitCooldown)

	for _, h := range d.Holders {
		v.ledger.SetBalance(h.Address, h.Balance)
		if h.Lockup == nil {
			v.lockups.Clear(h.Address)
			continue
		}
		info := lockup.Info{
			LockupStart: h.Lockup.LockupStart,
			UnlockTime:  h.Lockup.UnlockTime,
			IsRageQuit:  h.Lockup.IsRageQuit,
		}
		if h.Lockup.LockedShares != nil {
			info.LockedShares = *h.Lockup.LockedShares
		}
		v.lockups.Set(h.Address, info)
	}
	for _, a := range d.Allowances {
		amount := a.Amount
		if amount == nil {
			amount = new(uint256.Int)
		}
		_ = v.ledger.Approve(a.Owner, a.Spender, amount)
	}

	if d.Solvency != nil {
		var s solvency.State
		if d.Solvency.UserDebt != nil {
			s.UserDebt = *d.Solvency.UserDebt
		}
		if d.Solvency.DragonDebt != nil {
			s.DragonDebt = *d.Solvency.DragonDebt
		}
		if d.Solvency.LastReportedRate != nil {
			s.LastReportedRate = *d.Solvency.LastReportedRate
		}
		v.policy.(report.Stateful).RestoreSolvency(s)
	}

	v.totalAssets = *d.TotalAssets
	v.lastReport = d.LastReport
	v.shutdown = d.Shutdown
	return nil
}

// checkState validates d without touching the vault. The supply check
// projects the touched balances onto the current ledger.
func (v *Vault) checkState(d *StateDelta) error {
	if d.TotalAssets == nil || d.TotalSupply == nil {
		return errors.New("missing pool totals")
	}
	cfg := lockup.Config{MinimumLockupDuration: d.MinimumLockup, RageQuitCooldown: d.RageQuitCooldown}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if d.Solvency != nil {
		if _, ok := v.policy.(report.Stateful); !ok {
			return fmt.Errorf("solvency state recorded for %s vault", v.policy.Mode())
		}
	}

	next := make(map[common.Address]*uint256.Int, len(d.Holders))
	for _, h := range d.Holders {
		if h.Balance == nil {
			return fmt.Errorf("holder %s: missing balance", h.Address.Hex())
		}
		next[h.Address] = h.Balance
	}
	supply := v.ledger.TotalSupply()
	for holder, balance := range next {
		supply.Sub(supply, v.ledger.BalanceOf(holder))
		supply.Add(supply, balance)
	}
	if !supply.Eq(d.TotalSupply) {
		return fmt.Errorf("supply mismatch: ledger=%s, recorded=%s", supply.Dec(), d.TotalSupply.Dec())
	}

	for _, a := range d.Allowances {
		if ledger.IsZeroAddress(a.Owner) || ledger.IsZeroAddress(a.Spender) {
			return fmt.Errorf("%w: allowance %s -> %s", ledger.ErrInvalidAccount, a.Owner.Hex(), a.Spender.Hex())
		}
	}
	return nil
}
