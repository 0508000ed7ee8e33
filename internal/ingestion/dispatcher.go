package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/report"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrDuplicate is returned for a command whose idempotency key was applied.
var ErrDuplicate = errors.New("duplicate command")

// Vault is the operation surface commands are applied to.
type Vault interface {
	Deposit(ctx context.Context, caller common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error)
	DepositWithLockup(ctx context.Context, caller common.Address, assets *uint256.Int, receiver common.Address, d time.Duration) (*uint256.Int, error)
	Mint(ctx context.Context, caller common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error)
	MintWithLockup(ctx context.Context, caller common.Address, shares *uint256.Int, receiver common.Address, d time.Duration) (*uint256.Int, error)
	Withdraw(ctx context.Context, caller common.Address, assets *uint256.Int, receiver, owner common.Address, maxLossBps uint64) (*uint256.Int, error)
	Redeem(ctx context.Context, caller common.Address, shares *uint256.Int, receiver, owner common.Address, maxLossBps uint64) (*uint256.Int, error)
	Transfer(ctx context.Context, caller, to common.Address, shares *uint256.Int) error
	TransferFrom(ctx context.Context, caller, from, to common.Address, shares *uint256.Int) error
	Approve(ctx context.Context, caller, spender common.Address, amount *uint256.Int) error
	InitiateRageQuit(ctx context.Context, caller common.Address) error
	Report(ctx context.Context, caller common.Address) (report.Result, error)
	Shutdown(ctx context.Context, caller common.Address) error
	SetMinimumLockupDuration(ctx context.Context, caller common.Address, d time.Duration) error
	SetRageQuitCooldown(ctx context.Context, caller common.Address, d time.Duration) error
}

var _ Vault = (*core.Vault)(nil)

// Result is what an applied command returned.
type Result struct {
	// Shares minted or burned, or assets charged or paid, depending on the
	// operation. Nil for operations that return nothing.
	Amount *uint256.Int
	Report *report.Result
}

// Dispatcher applies parsed commands to the vault exactly once per
// idempotency key.
type Dispatcher struct {
	vault   Vault
	dedup   *Deduplicator
	router  *SubjectRouter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(vault Vault, dedup *Deduplicator, subjects []SubjectConfig, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		vault:   vault,
		dedup:   dedup,
		router:  NewSubjectRouter(subjects),
		metrics: metrics,
		logger:  logger,
	}
}

// Apply runs cmd against the vault. Commands without an idempotency key are
// never deduplicated.
func (d *Dispatcher) Apply(ctx context.Context, cmd *Command) (Result, error) {
	name := cmd.Operation.String()
	if cmd.IdempotencyKey != "" {
		if d.dedup != nil && d.dedup.IsDuplicate(ctx, name, cmd.IdempotencyKey) {
			d.count(name, "duplicate")
			return Result{}, ErrDuplicate
		}
		ctx = core.WithIdempotencyKey(ctx, cmd.IdempotencyKey)
	}

	res, err := d.apply(ctx, cmd)
	if err != nil {
		d.count(name, "rejected")
		return Result{}, err
	}
	if cmd.IdempotencyKey != "" && d.dedup != nil {
		d.dedup.MarkProcessed(name, cmd.IdempotencyKey)
	}
	d.count(name, "applied")
	return res, nil
}

func (d *Dispatcher) apply(ctx context.Context, cmd *Command) (Result, error) {
	var (
		res Result
		err error
	)
	switch cmd.Operation {
	case event.OperationTypeDeposit:
		if cmd.LockupDuration > 0 {
			res.Amount, err = d.vault.DepositWithLockup(ctx, cmd.Caller, cmd.Amount, cmd.Receiver, cmd.LockupDuration)
		} else {
			res.Amount, err = d.vault.Deposit(ctx, cmd.Caller, cmd.Amount, cmd.Receiver)
		}
	case event.OperationTypeMint:
		if cmd.LockupDuration > 0 {
			res.Amount, err = d.vault.MintWithLockup(ctx, cmd.Caller, cmd.Amount, cmd.Receiver, cmd.LockupDuration)
		} else {
			res.Amount, err = d.vault.Mint(ctx, cmd.Caller, cmd.Amount, cmd.Receiver)
		}
	case event.OperationTypeWithdraw:
		res.Amount, err = d.vault.Withdraw(ctx, cmd.Caller, cmd.Amount, cmd.Receiver, cmd.Owner, cmd.MaxLossBps)
	case event.OperationTypeRedeem:
		res.Amount, err = d.vault.Redeem(ctx, cmd.Caller, cmd.Amount, cmd.Receiver, cmd.Owner, cmd.MaxLossBps)
	case event.OperationTypeTransfer:
		if cmd.From == cmd.Caller {
			err = d.vault.Transfer(ctx, cmd.Caller, cmd.To, cmd.Amount)
		} else {
			err = d.vault.TransferFrom(ctx, cmd.Caller, cmd.From, cmd.To, cmd.Amount)
		}
	case event.OperationTypeApprove:
		err = d.vault.Approve(ctx, cmd.Caller, cmd.Spender, cmd.Amount)
	case event.OperationTypeRageQuit:
		err = d.vault.InitiateRageQuit(ctx, cmd.Caller)
	case event.OperationTypeReport:
		var r report.Result
		if r, err = d.vault.Report(ctx, cmd.Caller); err == nil {
			res.Report = &r
		}
	case event.OperationTypeShutdown:
		err = d.vault.Shutdown(ctx, cmd.Caller)
	case event.OperationTypeLockupParams:
		if cmd.MinimumLockup != nil {
			err = d.vault.SetMinimumLockupDuration(ctx, cmd.Caller, *cmd.MinimumLockup)
		}
		if err == nil && cmd.RageQuitCooldown != nil {
			err = d.vault.SetRageQuitCooldown(ctx, cmd.Caller, *cmd.RageQuitCooldown)
		}
	default:
		err = fmt.Errorf("%w: unsupported operation %s", ErrInvalidCommand, cmd.Operation)
	}
	return res, err
}

// Run drains raw NATS commands until ctx is done or rawChan closes.
// Messages are acked once handled: invalid payloads and vault rejections
// are acked and logged, since redelivery cannot change the outcome.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawCommand) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawCommand) {
	op := d.router.Resolve(raw.Subject)
	if op == event.OperationTypeUnknown {
		d.logger.Warn().Str("subject", raw.Subject).Msg("unknown command subject")
		d.count("Unknown", "invalid")
		raw.AckFunc()
		return
	}

	cmd, err := ParseCommand(op, raw.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		d.count(op.String(), "invalid")
		raw.AckFunc()
		return
	}

	if _, err := d.Apply(ctx, cmd); err != nil {
		// redelivered later: shutting down, or the vault is busy in a
		// collaborator call made on another goroutine
		if ctx.Err() != nil || errors.Is(err, core.ErrReentrantCall) {
			raw.NakFunc()
			return
		}
		lvl := zerolog.InfoLevel
		if core.Reason(err) == "internal" && !errors.Is(err, ErrDuplicate) {
			lvl = zerolog.ErrorLevel
		}
		d.logger.WithLevel(lvl).
			Err(err).
			Str("operation", op.String()).
			Str("caller", cmd.Caller.Hex()).
			Str("idempotency_key", cmd.IdempotencyKey).
			Msg("command not applied")
	}
	raw.AckFunc()
}

func (d *Dispatcher) count(operation, outcome string) {
	if d.metrics != nil {
		d.metrics.CommandsReceived.WithLabelValues(operation, outcome).Inc()
	}
}
