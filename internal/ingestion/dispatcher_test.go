package ingestion_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"VaultLedger/internal/adapter"
	"VaultLedger/internal/auth"
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/lockup"
	"VaultLedger/internal/report"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	dragon    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	keeper    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice     = common.HexToAddress(aliceHex)
	bob       = common.HexToAddress(bobHex)
)

func newVault(t *testing.T, yield adapter.YieldAdapter) (*core.Vault, chan core.Output) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(chan core.Output, 64)
	authz := auth.NewStaticAuthorizer(map[auth.Role][]common.Address{
		auth.RoleKeeper: {keeper},
	})
	v, err := core.New(core.Params{
		Address:       vaultAddr,
		Beneficiary:   dragon,
		AssetDecimals: 18,
		Lockup:        lockup.DefaultConfig(),
	}, report.NewDonating(), authz, yield,
		core.WithClock(func() time.Time { return now }),
		core.WithOutputs(out, nil),
	)
	require.NoError(t, err)
	return v, out
}

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, *core.Vault, chan core.Output) {
	t.Helper()
	v, out := newVault(t, adapter.NewMemoryAdapter())
	dedup := ingestion.NewDeduplicator(128, nil, nil, zerolog.Nop())
	return ingestion.NewDispatcher(v, dedup, ingestion.DefaultSubjects(), nil, zerolog.Nop()), v, out
}

func balanceOf(t *testing.T, v *core.Vault, holder common.Address) uint64 {
	t.Helper()
	b, err := v.BalanceOf(context.Background(), holder)
	require.NoError(t, err)
	return b.Uint64()
}

type ackCounter struct {
	acks, naks atomic.Int32
}

func (c *ackCounter) msg(subject, body string) ingestion.RawCommand {
	return ingestion.RawCommand{
		Subject: subject,
		Data:    []byte(body),
		AckFunc: func() { c.acks.Add(1) },
		NakFunc: func() { c.naks.Add(1) },
	}
}

func TestDispatcher_AppliesOncePerKey(t *testing.T) {
	d, v, out := newDispatcher(t)
	ctx := context.Background()
	cmd := &ingestion.Command{
		Operation:      event.OperationTypeDeposit,
		IdempotencyKey: "dep-1",
		Caller:         alice,
		Receiver:       alice,
		Amount:         uint256.NewInt(1000),
	}

	res, err := d.Apply(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), res.Amount.Uint64())

	_, err = d.Apply(ctx, cmd)
	require.ErrorIs(t, err, ingestion.ErrDuplicate)
	assert.Equal(t, uint64(1000), balanceOf(t, v, alice), "balance after duplicate")

	o := <-out
	assert.Equal(t, "dep-1", o.Envelope.IdempotencyKey)
	assert.Empty(t, out, "duplicate produced extra outputs")
}

func TestDispatcher_RejectedCommandCanRetry(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()
	redeem := &ingestion.Command{
		Operation:      event.OperationTypeRedeem,
		IdempotencyKey: "r-1",
		Caller:         alice,
		Receiver:       alice,
		Owner:          alice,
		Amount:         uint256.NewInt(10),
	}
	_, err := d.Apply(ctx, redeem)
	require.ErrorIs(t, err, core.ErrRedeemLimitExceeded)

	deposit := &ingestion.Command{Operation: event.OperationTypeDeposit, Caller: alice, Receiver: alice, Amount: uint256.NewInt(100)}
	_, err = d.Apply(ctx, deposit)
	require.NoError(t, err)

	res, err := d.Apply(ctx, redeem)
	require.NoError(t, err, "retried redeem should not be a duplicate")
	assert.Equal(t, uint64(10), res.Amount.Uint64())
}

func TestDispatcher_TransferFromAndReport(t *testing.T) {
	d, v, _ := newDispatcher(t)
	ctx := context.Background()

	steps := []*ingestion.Command{
		{Operation: event.OperationTypeDeposit, Caller: alice, Receiver: alice, Amount: uint256.NewInt(500)},
		{Operation: event.OperationTypeApprove, Caller: alice, Spender: bob, Amount: uint256.NewInt(200)},
		{Operation: event.OperationTypeTransfer, Caller: bob, From: alice, To: bob, Amount: uint256.NewInt(150)},
	}
	for _, cmd := range steps {
		_, err := d.Apply(ctx, cmd)
		require.NoError(t, err, cmd.Operation.String())
	}
	assert.Equal(t, uint64(150), balanceOf(t, v, bob))
	allowance, err := v.Allowance(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), allowance.Uint64())

	res, err := d.Apply(ctx, &ingestion.Command{Operation: event.OperationTypeReport, Caller: keeper})
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	assert.Equal(t, uint64(500), res.Report.TotalAssets.Uint64())
}

func TestDispatcher_RunAcksEveryMessage(t *testing.T) {
	d, v, _ := newDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c ackCounter
	raw := make(chan ingestion.RawCommand, 4)
	raw <- c.msg("vault.commands.unknown.x", `{}`)
	raw <- c.msg("vault.commands.deposit.x", `{"caller":"nope"}`)
	raw <- c.msg("vault.commands.redeem.x", `{"caller":"`+aliceHex+`","shares":"5"}`)
	raw <- c.msg("vault.commands.deposit.x", `{"idempotency_key":"k","caller":"`+aliceHex+`","assets":"42"}`)
	close(raw)

	d.Run(ctx, raw)

	assert.Equal(t, int32(4), c.acks.Load())
	assert.Equal(t, int32(0), c.naks.Load())
	assert.Equal(t, uint64(42), balanceOf(t, v, alice))
}

// busyYield hands the dispatcher a command while the vault is inside
// DeployFunds, as another goroutine's deposit would.
type busyYield struct {
	*adapter.MemoryAdapter
	during func()
}

func (y *busyYield) DeployFunds(ctx context.Context, amount *uint256.Int) error {
	if y.during != nil {
		during := y.during
		y.during = nil
		during()
	}
	return y.MemoryAdapter.DeployFunds(ctx, amount)
}

func TestDispatcher_BusyVaultNaksForRedelivery(t *testing.T) {
	yield := &busyYield{MemoryAdapter: adapter.NewMemoryAdapter()}
	v, _ := newVault(t, yield)
	d := ingestion.NewDispatcher(v, ingestion.NewDeduplicator(128, nil, nil, zerolog.Nop()),
		ingestion.DefaultSubjects(), nil, zerolog.Nop())
	ctx := context.Background()

	var c ackCounter
	body := `{"idempotency_key":"b-1","caller":"` + bobHex + `","assets":"7"}`
	yield.during = func() {
		raw := make(chan ingestion.RawCommand, 1)
		raw <- c.msg("vault.commands.deposit.x", body)
		close(raw)
		d.Run(ctx, raw)
	}

	_, err := v.Deposit(ctx, alice, uint256.NewInt(100), alice)
	require.NoError(t, err)
	assert.Equal(t, int32(1), c.naks.Load())
	assert.Equal(t, int32(0), c.acks.Load())
	assert.Equal(t, uint64(0), balanceOf(t, v, bob))

	// the redelivery lands once the vault is free, and is not a duplicate
	raw := make(chan ingestion.RawCommand, 1)
	raw <- c.msg("vault.commands.deposit.x", body)
	close(raw)
	d.Run(ctx, raw)
	assert.Equal(t, int32(1), c.acks.Load())
	assert.Equal(t, uint64(7), balanceOf(t, v, bob))
}
