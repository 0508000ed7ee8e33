package query

import "time"

// Amounts are decimal strings; share and asset values exceed int64.

// HolderResponse is a holder's projected balance and lockup.
type HolderResponse struct {
	Holder       string     `json:"holder"`
	Balance      string     `json:"balance"`
	LockedShares string     `json:"locked_shares"`
	LockupStart  *time.Time `json:"lockup_start,omitempty"`
	UnlockTime   *time.Time `json:"unlock_time,omitempty"`
	IsRageQuit   bool       `json:"is_rage_quit"`
	LastSequence int64      `json:"last_sequence"`
	AsOfSequence int64      `json:"as_of_sequence"`
}

// PoolResponse is the projected pool-wide state.
type PoolResponse struct {
	TotalAssets      string     `json:"total_assets"`
	TotalSupply      string     `json:"total_supply"`
	Shutdown         bool       `json:"shutdown"`
	UserDebt         *string    `json:"user_debt,omitempty"`
	DragonDebt       *string    `json:"dragon_debt,omitempty"`
	LastReportedRate *string    `json:"last_reported_rate,omitempty"`
	LastReport       *time.Time `json:"last_report,omitempty"`
	AsOfSequence     int64      `json:"as_of_sequence"`
}

// ReportResponse is one settled report.
type ReportResponse struct {
	Sequence     int64     `json:"sequence"`
	Mode         string    `json:"mode"`
	Profit       string    `json:"profit"`
	Loss         string    `json:"loss"`
	Unrecovered  string    `json:"unrecovered"`
	SharesMinted string    `json:"shares_minted"`
	SharesBurned string    `json:"shares_burned"`
	TotalAssets  string    `json:"total_assets"`
	Rate         *string   `json:"rate,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// JournalHistoryEntry is one persisted share movement.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	OperationRef  string `json:"operation_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	SupplyMismatch  *SupplyMismatch `json:"supply_mismatch,omitempty"`
}

// SupplyMismatch is reported when projected holder balances do not sum to
// the projected total supply.
type SupplyMismatch struct {
	HolderSum   string `json:"holder_sum"`
	TotalSupply string `json:"total_supply"`
}
