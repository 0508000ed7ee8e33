package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/lockup"
	"VaultLedger/internal/report"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Output is everything one applied operation produces.
type Output struct {
	Envelope   *event.OperationEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches an upstream dedup key to ctx; the envelope of
// the operation run with ctx carries it.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// operation is the unit of atomicity. Every mutation made through it is
// either journaled in batch or recorded in undo, so rollback restores the
// vault exactly.
type operation struct {
	v       *Vault
	id      uuid.UUID
	opType  event.OperationType
	caller  common.Address
	now     time.Time
	started time.Time
	quote   report.Quote

	batch   *ledger.Batch
	jg      *ledger.JournalGenerator
	undo    []func()
	touched map[common.Address]struct{}

	approvals []allowanceRef
	readOnly  bool
}

type allowanceRef struct {
	owner, spender common.Address
}

func (v *Vault) begin(opType event.OperationType, caller common.Address) *operation {
	id := uuid.New()
	now := v.clock()
	batch := ledger.NewBatch(id.String(), v.sequence, now)
	op := &operation{
		v:       v,
		id:      id,
		opType:  opType,
		caller:  caller,
		now:     now,
		started: time.Now(),
		batch:   batch,
		jg:      ledger.NewJournalGenerator(batch),
		touched: make(map[common.Address]struct{}),
	}
	op.undo = append(op.undo, v.policy.Checkpoint())
	return op
}

// view returns a pool for previews. It must not be mutated.
func (v *Vault) view() *operation {
	return &operation{v: v, now: v.clock(), readOnly: true}
}

// loadQuote takes the operation's external reads once.
func (op *operation) loadQuote(ctx context.Context) error {
	q, err := op.v.quote(ctx)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	op.quote = q
	return nil
}

// --- report.Pool ---

func (op *operation) TotalAssets() *uint256.Int {
	return new(uint256.Int).Set(&op.v.totalAssets)
}

func (op *operation) TotalSupply() *uint256.Int {
	return op.v.ledger.TotalSupply()
}

func (op *operation) AssetDecimals() uint8 {
	return op.v.assetDecimals
}

func (op *operation) BalanceOf(holder common.Address) *uint256.Int {
	return op.v.ledger.BalanceOf(holder)
}

func (op *operation) Beneficiary() common.Address {
	return op.v.beneficiary
}

func (op *operation) mustWrite() {
	if op.readOnly {
		panic("FATAL: mutation through a read-only vault view")
	}
}

func (op *operation) SetTotalAssets(val *uint256.Int) {
	op.mustWrite()
	prev := op.v.totalAssets
	op.undo = append(op.undo, func() { op.v.totalAssets = prev })
	op.v.totalAssets = *val
}

func (op *operation) Mint(to common.Address, shares *uint256.Int) error {
	op.mustWrite()
	if err := op.v.ledger.Mint(op.jg, to, shares); err != nil {
		return err
	}
	op.touch(to)
	return nil
}

func (op *operation) Burn(from common.Address, shares *uint256.Int) error {
	op.mustWrite()
	if err := op.v.ledger.Burn(op.jg, from, shares); err != nil {
		return err
	}
	op.touch(from)
	return nil
}

// --- undoable mutations outside the share ledger ---

func (op *operation) touch(holders ...common.Address) {
	for _, h := range holders {
		op.touched[h] = struct{}{}
	}
}

func (op *operation) transfer(from, to common.Address, shares *uint256.Int) error {
	if err := op.v.ledger.Transfer(op.jg, from, to, shares); err != nil {
		return err
	}
	op.touch(from, to)
	return nil
}

func (op *operation) addAssets(assets *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(&op.v.totalAssets, assets)
	if overflow {
		return fmt.Errorf("%w: total assets overflow", ErrDepositLimitExceeded)
	}
	op.SetTotalAssets(sum)
	return nil
}

func (op *operation) subAssets(assets *uint256.Int) {
	if op.v.totalAssets.Lt(assets) {
		panic(fmt.Sprintf("FATAL: total assets underflow: have=%s, sub=%s", op.v.totalAssets.Dec(), assets.Dec()))
	}
	op.SetTotalAssets(new(uint256.Int).Sub(&op.v.totalAssets, assets))
}

func (op *operation) setLockup(holder common.Address, info lockup.Info) {
	prev := op.v.lockups.Info(holder)
	op.undo = append(op.undo, func() { op.v.lockups.Set(holder, prev) })
	op.v.lockups.Set(holder, info)
	op.touch(holder)
}

// clearLockupIfEmpty zeroes the lockup of a holder whose balance reached zero.
func (op *operation) clearLockupIfEmpty(holder common.Address) {
	if op.v.ledger.BalanceOf(holder).IsZero() && !op.v.lockups.Info(holder).IsZero() {
		op.setLockup(holder, lockup.Info{})
	}
}

func (op *operation) approve(owner, spender common.Address, amount *uint256.Int) error {
	prev := op.v.ledger.Allowance(owner, spender)
	if err := op.v.ledger.Approve(owner, spender, amount); err != nil {
		return err
	}
	op.undo = append(op.undo, func() { _ = op.v.ledger.Approve(owner, spender, prev) })
	op.approvals = append(op.approvals, allowanceRef{owner, spender})
	return nil
}

func (op *operation) spendAllowance(owner, spender common.Address, amount *uint256.Int) error {
	prev := op.v.ledger.Allowance(owner, spender)
	if err := op.v.ledger.SpendAllowance(owner, spender, amount); err != nil {
		return err
	}
	op.undo = append(op.undo, func() { _ = op.v.ledger.Approve(owner, spender, prev) })
	op.approvals = append(op.approvals, allowanceRef{owner, spender})
	return nil
}

func (op *operation) setField(apply func(), restore func()) {
	op.undo = append(op.undo, restore)
	apply()
}

// --- completion ---

// rollback reverts every mutation of the operation, newest first.
func (op *operation) rollback(cause error) {
	v := op.v
	mutated := len(op.batch.Journals) > 0 || len(op.undo) > 1
	v.ledger.Revert(op.batch)
	for i := len(op.undo) - 1; i >= 0; i-- {
		op.undo[i]()
	}
	if mutated && v.metrics != nil {
		v.metrics.Rollbacks.WithLabelValues(op.opType.String()).Inc()
	}
	v.logger.Debug().
		Str("operation", op.opType.String()).
		Str("operation_id", op.id.String()).
		Err(cause).
		Msg("operation rolled back")
}

// fail rolls back and records the rejection. It returns err unchanged.
func (op *operation) fail(err error) error {
	op.rollback(err)
	if op.v.metrics != nil {
		op.v.metrics.OperationsRejected.WithLabelValues(op.opType.String(), Reason(err)).Inc()
	}
	return err
}

// commit seals the operation: validates the batch, extends the hash chain,
// builds the output and emits it.
func (op *operation) commit(ctx context.Context, payload event.Payload) error {
	v := op.v

	if err := op.batch.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
	}
	if v.sequence%conservationCheckInterval == 0 {
		if err := v.validator.ValidateConservation(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return op.fail(fmt.Errorf("encode payload: %w", err))
	}

	delta := v.stateDelta(op)
	digest, err := json.Marshal(delta)
	if err != nil {
		return op.fail(fmt.Errorf("encode state delta: %w", err))
	}

	key := idempotencyKeyFrom(ctx)
	if key == "" {
		key = op.id.String()
	}

	prevHash := v.hasher.GetPrevHash()
	envelope := &event.OperationEnvelope{
		Sequence:       v.sequence,
		OperationID:    op.id,
		IdempotencyKey: key,
		OperationType:  op.opType,
		Caller:         op.caller,
		Timestamp:      op.now,
		Payload:        body,
		StateHash:      v.hasher.ComputeHash(v.sequence, digest),
		PrevHash:       prevHash,
	}
	v.sequence++

	v.emit(Output{Envelope: envelope, Batch: op.batch, StateDelta: digest})
	v.record(op)
	return nil
}

func (v *Vault) emit(out Output) {
	// The persist channel applies backpressure: the vault stalls until the
	// persistence worker drains, so no operation is lost.
	if v.persistChan != nil {
		v.persistChan <- out
	}

	// Projections may lag; they rebuild from the operation log.
	if v.projectionChan != nil {
		select {
		case v.projectionChan <- out:
		default:
			if v.metrics != nil {
				v.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (v *Vault) record(op *operation) {
	if v.metrics == nil {
		return
	}
	name := op.opType.String()
	v.metrics.OperationsApplied.WithLabelValues(name).Inc()
	v.metrics.OperationDuration.WithLabelValues(name).Observe(time.Since(op.started).Seconds())
	v.metrics.Sequence.Set(float64(v.sequence))
	for _, j := range op.batch.Journals {
		v.metrics.JournalsGenerated.WithLabelValues(j.JournalType.String()).Inc()
	}
	v.metrics.TotalAssets.Set(v.totalAssets.Float64())
	v.metrics.TotalSupply.Set(v.ledger.TotalSupply().Float64())
}
