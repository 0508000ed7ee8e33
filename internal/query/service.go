package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"VaultLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a projected row does not exist yet.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables and the
// operation log. Projection responses carry as_of_sequence, the last
// operation the projection worker applied.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const holderColumns = `holder, balance::TEXT, locked_shares::TEXT, lockup_start, unlock_time, is_rage_quit, last_sequence`

type scanner interface {
	Scan(dest ...any) error
}

func scanHolder(row scanner) (HolderResponse, error) {
	var (
		h          HolderResponse
		start, end sql.NullTime
	)
	if err := row.Scan(&h.Holder, &h.Balance, &h.LockedShares, &start, &end, &h.IsRageQuit, &h.LastSequence); err != nil {
		return h, err
	}
	h.LockupStart = nullTime(start)
	h.UnlockTime = nullTime(end)
	return h, nil
}

// GetHolder returns one holder's projected balance and lockup.
func (qs *QueryService) GetHolder(ctx context.Context, holder common.Address) (*HolderResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	h, err := scanHolder(qs.db.QueryRowContext(ctx,
		`SELECT `+holderColumns+` FROM projections.holders WHERE holder = $1`, holder.Hex()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("holder %s: %w", holder.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	h.AsOfSequence = asOfSeq
	return &h, nil
}

// ListHolders pages through holders with a non-zero balance in address
// order. after is the last holder of the previous page.
func (qs *QueryService) ListHolders(ctx context.Context, limit int, after *common.Address) ([]HolderResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + holderColumns + ` FROM projections.holders WHERE balance > 0`
	args := []interface{}{}
	argIdx := 1

	if after != nil {
		query += fmt.Sprintf(" AND holder > $%d", argIdx)
		args = append(args, after.Hex())
		argIdx++
	}

	query += " ORDER BY holder ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holders []HolderResponse
	for rows.Next() {
		h, err := scanHolder(rows)
		if err != nil {
			return nil, err
		}
		h.AsOfSequence = asOfSeq
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

// GetPool returns the projected pool state.
func (qs *QueryService) GetPool(ctx context.Context) (*PoolResponse, error) {
	var (
		p                      PoolResponse
		userDebt, dragon, rate sql.NullString
		lastReport             sql.NullTime
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT total_assets::TEXT, total_supply::TEXT, shutdown,
		       user_debt::TEXT, dragon_debt::TEXT, last_reported_rate::TEXT,
		       last_report, last_sequence
		FROM projections.pool WHERE id = 1
	`).Scan(&p.TotalAssets, &p.TotalSupply, &p.Shutdown, &userDebt, &dragon, &rate, &lastReport, &p.AsOfSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.UserDebt = nullString(userDebt)
	p.DragonDebt = nullString(dragon)
	p.LastReportedRate = nullString(rate)
	p.LastReport = nullTime(lastReport)
	return &p, nil
}

// GetReportHistory returns settled reports newest first. beforeSequence
// continues from the previous page.
func (qs *QueryService) GetReportHistory(ctx context.Context, limit int, beforeSequence *int64) ([]ReportResponse, error) {
	query := `
		SELECT sequence, mode, profit::TEXT, loss::TEXT, unrecovered::TEXT,
		       shares_minted::TEXT, shares_burned::TEXT, total_assets::TEXT, rate::TEXT, timestamp
		FROM projections.reports
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []ReportResponse
	for rows.Next() {
		var (
			r    ReportResponse
			rate sql.NullString
		)
		if err := rows.Scan(
			&r.Sequence, &r.Mode, &r.Profit, &r.Loss, &r.Unrecovered,
			&r.SharesMinted, &r.SharesBurned, &r.TotalAssets, &rate, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		r.Rate = nullString(rate)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// GetJournalHistory returns the share movements touching holder, newest
// first, read straight from the operation log.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	holder common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	account := ledger.HolderAccount(holder).AccountPath()

	query := `
		SELECT journal_id, batch_id, operation_ref, sequence,
		       debit_account, credit_account, amount::TEXT, journal_type, timestamp
		FROM vault_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.OperationRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity of the operation log and that
// projected holder balances add up to the projected supply.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// A missing predecessor is a break too.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM vault_log.operations o1
		LEFT JOIN vault_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.sequence > 0 AND (o2.sequence IS NULL OR o1.prev_hash <> o2.state_hash)
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var holderSum, supply string
	err = qs.db.QueryRowContext(ctx, `
		SELECT (SELECT COALESCE(SUM(balance), 0) FROM projections.holders)::TEXT,
		       COALESCE((SELECT total_supply FROM projections.pool WHERE id = 1), 0)::TEXT
	`).Scan(&holderSum, &supply)
	if err != nil {
		return nil, err
	}
	sum, err := decimal.NewFromString(holderSum)
	if err != nil {
		return nil, fmt.Errorf("holder sum %q: %w", holderSum, err)
	}
	total, err := decimal.NewFromString(supply)
	if err != nil {
		return nil, fmt.Errorf("total supply %q: %w", supply, err)
	}
	if !sum.Equal(total) {
		report.SupplyMismatch = &SupplyMismatch{HolderSum: sum.String(), TotalSupply: total.String()}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.SupplyMismatch == nil
	return report, nil
}

// Watermark returns the last sequence the projection worker applied, or -1.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	return qs.getWatermark(ctx)
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
