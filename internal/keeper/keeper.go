// Package keeper drives periodic reports on a cron schedule.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/report"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	busyRetries = 5
	busyBackoff = 200 * time.Millisecond
)

// Reporter is the part of the vault the keeper drives.
type Reporter interface {
	Report(ctx context.Context, caller common.Address) (report.Result, error)
	IsInsolvent(ctx context.Context) (bool, error)
	Mode() report.Mode
}

var _ Reporter = (*core.Vault)(nil)

// Keeper calls Report as caller on every tick of its schedule.
type Keeper struct {
	cron     *cron.Cron
	vault    Reporter
	caller   common.Address
	recorder Recorder
	metrics  *observability.Metrics
	logger   zerolog.Logger
	ctx      context.Context
	clock    func() time.Time
}

func NewKeeper(ctx context.Context, vault Reporter, caller common.Address, rec Recorder, metrics *observability.Metrics, logger zerolog.Logger) *Keeper {
	if rec == nil {
		rec = NewNoopRecorder()
	}
	return &Keeper{
		cron:     cron.New(cron.WithSeconds()),
		vault:    vault,
		caller:   caller,
		recorder: rec,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		clock:    time.Now,
	}
}

// Register schedules the report task. spec uses the six-field format with
// seconds, e.g. "0 0 */6 * * *".
func (k *Keeper) Register(spec string) error {
	if _, err := k.cron.AddFunc(spec, func() { k.RunNow() }); err != nil {
		return fmt.Errorf("register report task: %w", err)
	}
	return nil
}

func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info().Msg("keeper started")
}

// Stop waits for a running report to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Info().Msg("keeper stopped")
}

// RunNow reports immediately. Failures are logged, counted and recorded.
// Unrecovered loss is a successful report and is alerted on, not retried.
func (k *Keeper) RunNow() (report.Result, error) {
	rec := &ReportRecord{Timestamp: k.clock(), Mode: string(k.vault.Mode())}

	res, err := k.report()
	if err != nil {
		reason := core.Reason(err)
		if k.metrics != nil {
			k.metrics.KeeperErrors.WithLabelValues(reason).Inc()
		}
		k.logger.Error().Err(err).Str("reason", reason).Msg("report failed")
		rec.Error = err.Error()
		k.record(rec)
		return res, err
	}

	rec.Profit = res.Profit.Dec()
	rec.Loss = res.Loss.Dec()
	rec.Unrecovered = res.Unrecovered.Dec()
	rec.TotalAssets = res.TotalAssets.Dec()

	insolvent, err := k.vault.IsInsolvent(k.ctx)
	if err != nil {
		k.logger.Warn().Err(err).Msg("insolvency check failed")
	}
	rec.Insolvent = insolvent

	if !res.Unrecovered.IsZero() {
		k.logger.Warn().
			Str("unrecovered", res.Unrecovered.Dec()).
			Str("loss", res.Loss.Dec()).
			Msg("loss not covered by dragon shares")
	}
	if insolvent {
		k.logger.Warn().Str("total_assets", res.TotalAssets.Dec()).Msg("vault insolvent after report")
	}

	k.record(rec)
	return res, nil
}

// report retries while another caller holds the vault inside a
// collaborator call.
func (k *Keeper) report() (report.Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := k.vault.Report(k.ctx, k.caller)
		if !errors.Is(err, core.ErrReentrantCall) || attempt == busyRetries {
			return res, err
		}
		select {
		case <-k.ctx.Done():
			return res, err
		case <-time.After(busyBackoff):
		}
	}
}

func (k *Keeper) record(rec *ReportRecord) {
	if err := k.recorder.RecordReport(rec); err != nil {
		k.logger.Error().Err(err).Msg("record report")
	}
}
