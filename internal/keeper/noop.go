package keeper

// NoopRecorder is used when no SQLite path is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordReport(_ *ReportRecord) error { return nil }
func (n *NoopRecorder) Close() error                       { return nil }
