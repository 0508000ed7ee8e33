package keeper

import "time"

// ReportRecord is one keeper run, successful or not.
type ReportRecord struct {
	Timestamp   time.Time
	Mode        string
	Profit      string
	Loss        string
	Unrecovered string
	TotalAssets string
	Insolvent   bool
	Error       string
}

// Recorder keeps a local audit trail of keeper runs.
type Recorder interface {
	RecordReport(rec *ReportRecord) error
	Close() error
}
