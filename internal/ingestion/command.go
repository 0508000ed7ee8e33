package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"VaultLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInvalidCommand marks a payload that cannot become a vault call.
var ErrInvalidCommand = errors.New("invalid command")

// Command is one vault call decoded from the wire.
type Command struct {
	Operation      event.OperationType
	IdempotencyKey string
	Caller         common.Address

	// Assets for deposit and withdraw, shares for mint, redeem and
	// transfer, the allowance for approve.
	Amount *uint256.Int

	Receiver common.Address
	Owner    common.Address
	From     common.Address
	To       common.Address
	Spender  common.Address

	LockupDuration time.Duration
	MaxLossBps     uint64

	MinimumLockup    *time.Duration
	RageQuitCooldown *time.Duration
}

// commandJSON is the wire format. Amounts are decimal strings; field names
// use snake_case to match upstream producers.
type commandJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`

	Assets string `json:"assets,omitempty"`
	Shares string `json:"shares,omitempty"`
	Amount string `json:"amount,omitempty"`

	Receiver string `json:"receiver,omitempty"`
	Owner    string `json:"owner,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Spender  string `json:"spender,omitempty"`

	LockupSeconds int64  `json:"lockup_seconds,omitempty"`
	MaxLossBps    uint64 `json:"max_loss_bps,omitempty"`

	MinimumLockupSeconds    *int64 `json:"minimum_lockup_seconds,omitempty"`
	RageQuitCooldownSeconds *int64 `json:"rage_quit_cooldown_seconds,omitempty"`
}

// ParseCommand decodes data as a command of the given operation.
func ParseCommand(op event.OperationType, data []byte) (*Command, error) {
	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidCommand, op, err)
	}

	caller, err := parseAddress("caller", j.Caller, true)
	if err != nil {
		return nil, err
	}
	cmd := &Command{
		Operation:      op,
		IdempotencyKey: strings.TrimSpace(j.IdempotencyKey),
		Caller:         caller,
		MaxLossBps:     j.MaxLossBps,
	}

	switch op {
	case event.OperationTypeDeposit, event.OperationTypeMint:
		field, raw := "assets", j.Assets
		if op == event.OperationTypeMint {
			field, raw = "shares", j.Shares
		}
		if cmd.Amount, err = parseAmount(field, raw); err != nil {
			return nil, err
		}
		if cmd.Receiver, err = parseAddress("receiver", j.Receiver, false); err != nil {
			return nil, err
		}
		if cmd.Receiver == (common.Address{}) {
			cmd.Receiver = caller
		}
		if j.LockupSeconds < 0 {
			return nil, fmt.Errorf("%w: negative lockup_seconds", ErrInvalidCommand)
		}
		cmd.LockupDuration = time.Duration(j.LockupSeconds) * time.Second

	case event.OperationTypeWithdraw, event.OperationTypeRedeem:
		field, raw := "assets", j.Assets
		if op == event.OperationTypeRedeem {
			field, raw = "shares", j.Shares
		}
		if cmd.Amount, err = parseAmount(field, raw); err != nil {
			return nil, err
		}
		if cmd.Receiver, err = parseAddress("receiver", j.Receiver, false); err != nil {
			return nil, err
		}
		if cmd.Owner, err = parseAddress("owner", j.Owner, false); err != nil {
			return nil, err
		}
		if cmd.Receiver == (common.Address{}) {
			cmd.Receiver = caller
		}
		if cmd.Owner == (common.Address{}) {
			cmd.Owner = caller
		}

	case event.OperationTypeTransfer:
		if cmd.Amount, err = parseAmount("shares", j.Shares); err != nil {
			return nil, err
		}
		if cmd.To, err = parseAddress("to", j.To, true); err != nil {
			return nil, err
		}
		if cmd.From, err = parseAddress("from", j.From, false); err != nil {
			return nil, err
		}
		if cmd.From == (common.Address{}) {
			cmd.From = caller
		}

	case event.OperationTypeApprove:
		if cmd.Amount, err = parseAmount("amount", j.Amount); err != nil {
			return nil, err
		}
		if cmd.Spender, err = parseAddress("spender", j.Spender, true); err != nil {
			return nil, err
		}

	case event.OperationTypeRageQuit, event.OperationTypeReport, event.OperationTypeShutdown:
		// caller only

	case event.OperationTypeLockupParams:
		if j.MinimumLockupSeconds == nil && j.RageQuitCooldownSeconds == nil {
			return nil, fmt.Errorf("%w: no lockup parameter given", ErrInvalidCommand)
		}
		if j.MinimumLockupSeconds != nil {
			d := time.Duration(*j.MinimumLockupSeconds) * time.Second
			cmd.MinimumLockup = &d
		}
		if j.RageQuitCooldownSeconds != nil {
			d := time.Duration(*j.RageQuitCooldownSeconds) * time.Second
			cmd.RageQuitCooldown = &d
		}

	default:
		return nil, fmt.Errorf("%w: unsupported operation %s", ErrInvalidCommand, op)
	}
	return cmd, nil
}

// parseAmount accepts a base-10 integer or "max" for 2^256-1.
func parseAmount(field, s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidCommand, field)
	}
	if s == "max" {
		return new(uint256.Int).SetAllOne(), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidCommand, field, s, err)
	}
	return v, nil
}

func parseAddress(field, s string, required bool) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return common.Address{}, fmt.Errorf("%w: missing %s", ErrInvalidCommand, field)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", ErrInvalidCommand, field, s)
	}
	return common.HexToAddress(s), nil
}
