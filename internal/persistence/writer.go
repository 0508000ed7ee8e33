package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"VaultLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// OperationLogWriter writes operations and journals to Postgres using
// multi-row INSERTs. Writes are idempotent on the primary keys, so a retried
// batch is harmless.
type OperationLogWriter struct{}

// OperationRow represents a row in vault_log.operations
type OperationRow struct {
	Sequence       int64
	OperationID    string
	OperationType  string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON-encoded operation payload
	StateDelta     []byte // exact hash-chain input
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in vault_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	OperationRef  string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string // base-10, NUMERIC(78,0)
	JournalType   int32
	Timestamp     int64
}

// RowsFromOutput flattens one vault output into its log rows.
func RowsFromOutput(out core.Output) (OperationRow, []JournalRow) {
	env := out.Envelope
	payload := env.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	op := OperationRow{
		Sequence:       env.Sequence,
		OperationID:    env.OperationID.String(),
		OperationType:  env.OperationType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		Payload:        payload,
		StateDelta:     out.StateDelta,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}

	if out.Batch == nil {
		return op, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			OperationRef:  j.OperationRef,
			Sequence:      env.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount.Dec(),
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return op, journals
}

// HashHex renders a stored hash for logs.
func HashHex(h []byte) string {
	return hex.EncodeToString(h)
}

// WriteOperationBatch writes a batch of operations to vault_log.operations.
func (w *OperationLogWriter) WriteOperationBatch(ctx context.Context, db execer, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO vault_log.operations
		(sequence, operation_id, operation_type, idempotency_key, caller, payload, state_delta, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*cols)
	for i, o := range ops {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			o.Sequence, o.OperationID, o.OperationType, o.IdempotencyKey, o.Caller,
			string(o.Payload), o.StateDelta, o.StateHash, o.PrevHash, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to vault_log.journal.
func (w *OperationLogWriter) WriteJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO vault_log.journal
		(journal_id, batch_id, operation_ref, sequence, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.OperationRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
