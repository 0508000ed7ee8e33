// Package core holds the vault engine: the single-writer operation surface
// that composes the share ledger, lockups, the settlement policy and the
// external collaborators, and emits one envelope per applied operation.
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"VaultLedger/internal/adapter"
	"VaultLedger/internal/auth"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/lockup"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/report"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// conservationCheckInterval is how many operations pass between full
// sum(balances) == supply sweeps.
const conservationCheckInterval = 1024

// Params fixes the identity of a vault.
type Params struct {
	Address       common.Address // the vault's own identity; never a holder
	Beneficiary   common.Address // receives yield ("dragon router")
	AssetDecimals uint8
	Lockup        lockup.Config
}

func (p Params) validate() error {
	if ledger.IsZeroAddress(p.Address) {
		return fmt.Errorf("%w: zero vault address", ErrInvalidConfig)
	}
	if ledger.IsZeroAddress(p.Beneficiary) || p.Beneficiary == p.Address {
		return fmt.Errorf("%w: beneficiary %s", ErrInvalidConfig, p.Beneficiary.Hex())
	}
	if p.AssetDecimals > fpmath.RayDecimals {
		return fmt.Errorf("%w: asset decimals %d", ErrInvalidConfig, p.AssetDecimals)
	}
	if err := p.Lockup.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Vault is the accounting engine. All mutating operations hold the write
// lock for their whole duration, collaborator calls included, so each one
// is atomic with respect to every other. Views take the read lock.
//
// While a collaborator call is in flight every entry point, views included,
// fails with ErrReentrantCall instead of waiting on the lock. This holds
// whatever context the caller passes, so a collaborator that calls back
// with a fresh context is rejected rather than deadlocked. Collaborators
// also receive a context marked with the in-flight vault, which is
// checked first. A concurrent caller that races a collaborator call gets
// the same error and may retry.
type Vault struct {
	mu sync.RWMutex

	// inCall counts collaborator calls in flight. Views run under the read
	// lock and may each hold a quote call open, hence a counter.
	inCall atomic.Int32

	address       common.Address
	beneficiary   common.Address
	assetDecimals uint8

	ledger    *ledger.ShareLedger
	validator *ledger.InvariantValidator
	lockups   *lockup.Manager
	policy    report.Policy

	authz   auth.Authorizer
	yield   adapter.YieldAdapter
	limiter adapter.DepositLimiter

	totalAssets uint256.Int
	lastReport  time.Time
	shutdown    bool

	sequence int64
	hasher   *StateHasher

	clock   func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock replaces the wall clock. The engine reads it once per operation.
func WithClock(clock func() time.Time) Option {
	return func(v *Vault) { v.clock = clock }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithOutputs sets the channels applied operations are emitted to. The
// persist channel is sent to blocking; the projection channel drops when
// full. Either may be nil.
func WithOutputs(persist, projection chan<- Output) Option {
	return func(v *Vault) {
		v.persistChan = persist
		v.projectionChan = projection
	}
}

// WithDepositLimiter overrides the deposit ceiling source. By default the
// yield adapter is used when it implements adapter.DepositLimiter.
func WithDepositLimiter(l adapter.DepositLimiter) Option {
	return func(v *Vault) { v.limiter = l }
}

// New builds an empty vault.
func New(params Params, policy report.Policy, authz auth.Authorizer, yield adapter.YieldAdapter, opts ...Option) (*Vault, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if policy == nil || authz == nil || yield == nil {
		return nil, fmt.Errorf("%w: policy, authorizer and yield adapter are required", ErrInvalidConfig)
	}

	shares := ledger.NewShareLedger(params.Address)
	v := &Vault{
		address:       params.Address,
		beneficiary:   params.Beneficiary,
		assetDecimals: params.AssetDecimals,
		ledger:        shares,
		validator:     ledger.NewInvariantValidator(shares),
		lockups:       lockup.NewManager(params.Lockup),
		policy:        policy,
		authz:         authz,
		yield:         yield,
		hasher:        NewStateHasher(),
		clock:         time.Now,
		logger:        zerolog.Nop(),
	}
	if l, ok := yield.(adapter.DepositLimiter); ok {
		v.limiter = l
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// inFlightKey marks contexts handed to collaborators during an operation.
type inFlightKey struct{}

func (v *Vault) reentrant(ctx context.Context) bool {
	if v.inCall.Load() > 0 {
		return true
	}
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(inFlightKey{}).(*Vault)
	return owner == v
}

// lock acquires the write lock and returns the context collaborators get.
func (v *Vault) lock(ctx context.Context) (context.Context, error) {
	if v.reentrant(ctx) {
		return nil, ErrReentrantCall
	}
	v.mu.Lock()
	return context.WithValue(ctx, inFlightKey{}, v), nil
}

func (v *Vault) rlock(ctx context.Context) (context.Context, error) {
	if v.reentrant(ctx) {
		return nil, ErrReentrantCall
	}
	v.mu.RLock()
	return context.WithValue(ctx, inFlightKey{}, v), nil
}

// read runs fn under the read lock.
func (v *Vault) read(ctx context.Context, fn func()) error {
	if _, err := v.rlock(ctx); err != nil {
		return err
	}
	defer v.mu.RUnlock()
	fn()
	return nil
}

// Every call out of the vault goes through one of these so the in-flight
// counter is raised for exactly its duration.

func (v *Vault) deployFunds(ctx context.Context, assets *uint256.Int) error {
	v.inCall.Add(1)
	defer v.inCall.Add(-1)
	return v.yield.DeployFunds(ctx, assets)
}

func (v *Vault) freeFunds(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	v.inCall.Add(1)
	defer v.inCall.Add(-1)
	return v.yield.FreeFunds(ctx, assets)
}

func (v *Vault) harvestAndReport(ctx context.Context) (*uint256.Int, error) {
	v.inCall.Add(1)
	defer v.inCall.Add(-1)
	return v.yield.HarvestAndReport(ctx)
}

func (v *Vault) availableDepositLimit(ctx context.Context, receiver common.Address) (*uint256.Int, error) {
	v.inCall.Add(1)
	defer v.inCall.Add(-1)
	return v.limiter.AvailableDepositLimit(ctx, receiver)
}

func (v *Vault) quote(ctx context.Context) (report.Quote, error) {
	v.inCall.Add(1)
	defer v.inCall.Add(-1)
	return v.policy.Quote(ctx)
}

func (v *Vault) Address() common.Address     { return v.address }
func (v *Vault) Beneficiary() common.Address { return v.beneficiary }
func (v *Vault) AssetDecimals() uint8        { return v.assetDecimals }
func (v *Vault) Mode() report.Mode           { return v.policy.Mode() }

func (v *Vault) authorize(caller common.Address, roles ...auth.Role) error {
	if !auth.AnyRole(v.authz, caller, roles...) {
		return fmt.Errorf("%w: %s lacks %v", ErrUnauthorized, caller.Hex(), roles)
	}
	return nil
}
