// Package projection maintains read-optimised tables from vault outputs.
// Every output carries absolute post-operation state for what it touched,
// so a dropped output is healed by the next one touching the same rows and
// a full rebuild is a replay of the logged deltas.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const workerID = "main"

// Update is the slice of a vault output projections consume.
type Update struct {
	Sequence      int64
	OperationType event.OperationType
	Timestamp     time.Time
	Payload       []byte
	Delta         core.StateDelta
}

// UpdateFromOutput decodes the state delta of out.
func UpdateFromOutput(out core.Output) (Update, error) {
	u := Update{
		Sequence:      out.Envelope.Sequence,
		OperationType: out.Envelope.OperationType,
		Timestamp:     out.Envelope.Timestamp,
		Payload:       out.Envelope.Payload,
	}
	if err := json.Unmarshal(out.StateDelta, &u.Delta); err != nil {
		return u, fmt.Errorf("decode delta %d: %w", u.Sequence, err)
	}
	return u, nil
}

// ProjectionWorker updates projection tables from applied operations. Its
// channel is fed non-blocking; if it falls behind, rebuild from the log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		pw.metrics.SetChannelMetrics("projection", len(pw.inputChan), cap(pw.inputChan))

		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			u, err := UpdateFromOutput(out)
			if err == nil {
				err = Apply(ctx, pw.db, u)
			}
			if err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			if pw.lastSeq >= 0 && u.Sequence > pw.lastSeq+1 {
				pw.logger.Debug().
					Int64("from", pw.lastSeq+1).
					Int64("to", u.Sequence-1).
					Msg("projection skipped dropped outputs")
			}
			pw.lastSeq = u.Sequence
		}
	}
}

// Apply writes one update in a single transaction.
func Apply(ctx context.Context, db *sql.DB, u Update) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, h := range u.Delta.Holders {
		if err := upsertHolder(ctx, tx, u.Sequence, h); err != nil {
			return fmt.Errorf("holder projection: %w", err)
		}
	}
	if err := upsertPool(ctx, tx, u); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}
	if u.OperationType == event.OperationTypeReport {
		if err := insertReport(ctx, tx, u); err != nil {
			return fmt.Errorf("report projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $2), updated_at = NOW()
	`, workerID, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

func upsertHolder(ctx context.Context, tx *sql.Tx, seq int64, h core.HolderState) error {
	locked := "0"
	var start, end *time.Time
	var isRageQuit bool
	if h.Lockup != nil {
		locked = dec(h.Lockup.LockedShares)
		start, end = &h.Lockup.LockupStart, &h.Lockup.UnlockTime
		isRageQuit = h.Lockup.IsRageQuit
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.holders
			(holder, balance, locked_shares, lockup_start, unlock_time, is_rage_quit, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (holder) DO UPDATE SET
			balance = EXCLUDED.balance,
			locked_shares = EXCLUDED.locked_shares,
			lockup_start = EXCLUDED.lockup_start,
			unlock_time = EXCLUDED.unlock_time,
			is_rage_quit = EXCLUDED.is_rage_quit,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.holders.last_sequence <= EXCLUDED.last_sequence
	`, h.Address.Hex(), dec(h.Balance), locked, start, end, isRageQuit, seq)
	return err
}

func upsertPool(ctx context.Context, tx *sql.Tx, u Update) error {
	d := u.Delta
	var userDebt, dragonDebt, rate *string
	if d.Solvency != nil {
		userDebt, dragonDebt, rate = decPtr(d.Solvency.UserDebt), decPtr(d.Solvency.DragonDebt), decPtr(d.Solvency.LastReportedRate)
	}
	var lastReport *time.Time
	if !d.LastReport.IsZero() {
		lastReport = &d.LastReport
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool
			(id, total_assets, total_supply, shutdown, user_debt, dragon_debt, last_reported_rate, last_report, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_assets = EXCLUDED.total_assets,
			total_supply = EXCLUDED.total_supply,
			shutdown = EXCLUDED.shutdown,
			user_debt = EXCLUDED.user_debt,
			dragon_debt = EXCLUDED.dragon_debt,
			last_reported_rate = EXCLUDED.last_reported_rate,
			last_report = EXCLUDED.last_report,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.pool.last_sequence <= EXCLUDED.last_sequence
	`, dec(d.TotalAssets), dec(d.TotalSupply), d.Shutdown, userDebt, dragonDebt, rate, lastReport, u.Sequence)
	return err
}

func insertReport(ctx context.Context, tx *sql.Tx, u Update) error {
	var r event.ReportSettled
	if err := json.Unmarshal(u.Payload, &r); err != nil {
		return fmt.Errorf("decode report payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reports
			(sequence, mode, profit, loss, unrecovered, shares_minted, shares_burned, total_assets, rate, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, u.Sequence, r.Mode, dec(r.Profit), dec(r.Loss), dec(r.Unrecovered),
		dec(r.SharesMinted), dec(r.SharesBurned), dec(r.TotalAssets), decPtr(r.Rate), u.Timestamp)
	return err
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func decPtr(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}

// RebuildProjections truncates every projection table and replays the
// logged state deltas in sequence order.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) (int64, error) {
	for _, stmt := range []string{
		`TRUNCATE projections.holders`,
		`TRUNCATE projections.pool`,
		`TRUNCATE projections.reports`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	const batch = 1000
	var from, applied int64
	for {
		rows, err := db.QueryContext(ctx, `
			SELECT sequence, operation_type, timestamp, payload, state_delta
			FROM vault_log.operations
			WHERE sequence >= $1
			ORDER BY sequence ASC
			LIMIT $2
		`, from, batch)
		if err != nil {
			return applied, err
		}

		var updates []Update
		for rows.Next() {
			var (
				u      Update
				opType string
				delta  []byte
			)
			if err := rows.Scan(&u.Sequence, &opType, &u.Timestamp, &u.Payload, &delta); err != nil {
				rows.Close()
				return applied, err
			}
			if u.OperationType, err = event.ParseOperationType(opType); err != nil {
				rows.Close()
				return applied, err
			}
			if err := json.Unmarshal(delta, &u.Delta); err != nil {
				rows.Close()
				return applied, fmt.Errorf("decode delta %d: %w", u.Sequence, err)
			}
			updates = append(updates, u)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return applied, err
		}
		if len(updates) == 0 {
			break
		}

		for _, u := range updates {
			if err := Apply(ctx, db, u); err != nil {
				return applied, fmt.Errorf("apply %d: %w", u.Sequence, err)
			}
			applied++
		}
		from = updates[len(updates)-1].Sequence + 1
	}

	logger.Info().Int64("operations", applied).Msg("projection rebuild complete")
	return applied, nil
}
