package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/lockup"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// rayDecimals is the fixed-point scale of reported exchange rates.
const rayDecimals = 27

var (
	errBadRequest  = errors.New("bad request")
	errUnavailable = errors.New("not configured")
)

// VaultReader is the read side of the vault served over HTTP.
type VaultReader interface {
	AssetDecimals() uint8
	State(ctx context.Context) (core.PoolState, error)
	BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error)
	UnlockedShares(ctx context.Context, holder common.Address) (*uint256.Int, error)
	GetUserLockupInfo(ctx context.Context, holder common.Address) (lockup.Info, error)
	LockupState(ctx context.Context, holder common.Address) (lockup.State, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)

	ConvertToShares(ctx context.Context, assets *uint256.Int) (*uint256.Int, error)
	ConvertToAssets(ctx context.Context, shares *uint256.Int) (*uint256.Int, error)
	PreviewDeposit(ctx context.Context, assets *uint256.Int) (*uint256.Int, error)
	PreviewMint(ctx context.Context, shares *uint256.Int) (*uint256.Int, error)
	PreviewWithdraw(ctx context.Context, assets *uint256.Int) (*uint256.Int, error)
	PreviewRedeem(ctx context.Context, shares *uint256.Int) (*uint256.Int, error)

	MaxDeposit(ctx context.Context, receiver common.Address) (*uint256.Int, error)
	MaxMint(ctx context.Context, receiver common.Address) (*uint256.Int, error)
	MaxWithdraw(ctx context.Context, owner common.Address) (*uint256.Int, error)
	MaxRedeem(ctx context.Context, owner common.Address) (*uint256.Int, error)
	IsInsolvent(ctx context.Context) (bool, error)
}

var _ VaultReader = (*core.Vault)(nil)

// HistoryReader serves projections and the persisted log.
type HistoryReader interface {
	GetHolder(ctx context.Context, holder common.Address) (*query.HolderResponse, error)
	ListHolders(ctx context.Context, limit int, after *common.Address) ([]query.HolderResponse, error)
	GetPool(ctx context.Context) (*query.PoolResponse, error)
	GetReportHistory(ctx context.Context, limit int, beforeSequence *int64) ([]query.ReportResponse, error)
	GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
	Watermark(ctx context.Context) (int64, error)
}

var _ HistoryReader = (*query.QueryService)(nil)

type SnapshotTaker interface {
	Take(ctx context.Context) error
}

// Amount renders a raw integer next to its decimal-scaled form.
type Amount struct {
	Raw       string `json:"raw"`
	Formatted string `json:"formatted"`
}

func newAmount(v *uint256.Int, decimals uint8) Amount {
	if v == nil {
		v = new(uint256.Int)
	}
	return Amount{
		Raw:       v.Dec(),
		Formatted: decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String(),
	}
}

type gateway struct {
	vault     VaultReader
	query     HistoryReader
	snapshots SnapshotTaker
	rebuild   func(ctx context.Context) (int64, error)
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func newGateway(deps *ServerDeps) (*runtime.ServeMux, error) {
	g := &gateway{
		vault:     deps.Vault,
		query:     deps.Query,
		snapshots: deps.Snapshots,
		rebuild:   deps.Rebuild,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}

	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern, name string
		fn                    func(r *http.Request, p map[string]string) (any, error)
	}{
		{"GET", "/v1/vault", "vault", g.getVault},
		{"GET", "/v1/vault/solvency", "solvency", g.getSolvency},
		{"GET", "/v1/holders/{address}", "holder", g.getHolder},
		{"GET", "/v1/holders/{address}/limits", "limits", g.getLimits},
		{"GET", "/v1/holders/{owner}/allowances/{spender}", "allowance", g.getAllowance},
		{"GET", "/v1/preview/{kind}", "preview", g.getPreview},
		{"GET", "/v1/projections/pool", "projected_pool", g.getProjectedPool},
		{"GET", "/v1/projections/holders", "projected_holders", g.listProjectedHolders},
		{"GET", "/v1/projections/holders/{address}", "projected_holder", g.getProjectedHolder},
		{"GET", "/v1/history/reports", "reports", g.getReports},
		{"GET", "/v1/history/journals/{address}", "journals", g.getJournals},
		{"GET", "/v1/admin/integrity", "integrity", g.getIntegrity},
		{"POST", "/v1/admin/snapshot", "snapshot", g.postSnapshot},
		{"POST", "/v1/admin/projections/rebuild", "rebuild", g.postRebuild},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, g.instrument(rt.name, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func (g *gateway) instrument(name string, fn func(r *http.Request, p map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		body, err := fn(r, p)
		code := http.StatusOK
		if err != nil {
			code = statusFor(err)
			body = map[string]string{"error": err.Error()}
			if code == http.StatusInternalServerError {
				g.logger.Error().Err(err).Str("endpoint", name).Msg("request failed")
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(body)

		if g.metrics != nil {
			g.metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(code)).Inc()
			g.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// statusFor maps operation and query errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrZeroShares), errors.Is(err, core.ErrZeroAssets):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrInsolvent), errors.Is(err, core.ErrShutdown),
		errors.Is(err, core.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// --- live vault reads ---

type solvencyJSON struct {
	UserDebt         Amount `json:"user_debt"`
	DragonDebt       Amount `json:"dragon_debt"`
	LastReportedRate Amount `json:"last_reported_rate"`
}

type vaultJSON struct {
	Address                 string        `json:"address"`
	Beneficiary             string        `json:"beneficiary"`
	Mode                    string        `json:"mode"`
	AssetDecimals           uint8         `json:"asset_decimals"`
	TotalAssets             Amount        `json:"total_assets"`
	TotalSupply             Amount        `json:"total_supply"`
	LastReport              *time.Time    `json:"last_report,omitempty"`
	Shutdown                bool          `json:"shutdown"`
	Sequence                int64         `json:"sequence"`
	StateHash               string        `json:"state_hash"`
	MinimumLockupSeconds    int64         `json:"minimum_lockup_seconds"`
	RageQuitCooldownSeconds int64         `json:"rage_quit_cooldown_seconds"`
	Solvency                *solvencyJSON `json:"solvency,omitempty"`
}

func (g *gateway) getVault(r *http.Request, _ map[string]string) (any, error) {
	st, err := g.vault.State(r.Context())
	if err != nil {
		return nil, err
	}
	out := vaultJSON{
		Address:                 st.Address.Hex(),
		Beneficiary:             st.Beneficiary.Hex(),
		Mode:                    string(st.Mode),
		AssetDecimals:           st.AssetDecimals,
		TotalAssets:             newAmount(st.TotalAssets, st.AssetDecimals),
		TotalSupply:             newAmount(st.TotalSupply, st.AssetDecimals),
		Shutdown:                st.Shutdown,
		Sequence:                st.Sequence,
		StateHash:               st.StateHash.Hex(),
		MinimumLockupSeconds:    int64(st.Lockup.MinimumLockupDuration / time.Second),
		RageQuitCooldownSeconds: int64(st.Lockup.RageQuitCooldown / time.Second),
	}
	if !st.LastReport.IsZero() {
		out.LastReport = &st.LastReport
	}
	if st.Solvency != nil {
		out.Solvency = &solvencyJSON{
			UserDebt:         newAmount(&st.Solvency.UserDebt, st.AssetDecimals),
			DragonDebt:       newAmount(&st.Solvency.DragonDebt, st.AssetDecimals),
			LastReportedRate: newAmount(&st.Solvency.LastReportedRate, rayDecimals),
		}
	}
	return out, nil
}

func (g *gateway) getSolvency(r *http.Request, _ map[string]string) (any, error) {
	insolvent, err := g.vault.IsInsolvent(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]bool{"insolvent": insolvent}, nil
}

type lockupJSON struct {
	State        string     `json:"state"`
	LockedShares Amount     `json:"locked_shares"`
	LockupStart  *time.Time `json:"lockup_start,omitempty"`
	UnlockTime   *time.Time `json:"unlock_time,omitempty"`
	IsRageQuit   bool       `json:"is_rage_quit"`
}

type holderJSON struct {
	Holder   string     `json:"holder"`
	Balance  Amount     `json:"balance"`
	Unlocked Amount     `json:"unlocked"`
	Lockup   lockupJSON `json:"lockup"`
	Sequence int64      `json:"sequence"`
}

func (g *gateway) getHolder(r *http.Request, p map[string]string) (any, error) {
	holder, err := parseAddress(p["address"])
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	// The reads are not one snapshot. Sequence is read last, so it is never
	// older than the fields above it.
	info, err := g.vault.GetUserLockupInfo(ctx, holder)
	if err != nil {
		return nil, err
	}
	balance, err := g.vault.BalanceOf(ctx, holder)
	if err != nil {
		return nil, err
	}
	unlocked, err := g.vault.UnlockedShares(ctx, holder)
	if err != nil {
		return nil, err
	}
	state, err := g.vault.LockupState(ctx, holder)
	if err != nil {
		return nil, err
	}
	st, err := g.vault.State(ctx)
	if err != nil {
		return nil, err
	}

	dec := g.vault.AssetDecimals()
	out := holderJSON{
		Holder:   holder.Hex(),
		Balance:  newAmount(balance, dec),
		Unlocked: newAmount(unlocked, dec),
		Lockup: lockupJSON{
			State:        state.String(),
			LockedShares: newAmount(&info.LockedShares, dec),
			IsRageQuit:   info.IsRageQuit,
		},
		Sequence: st.Sequence,
	}
	if !info.IsZero() {
		out.Lockup.LockupStart = &info.LockupStart
		out.Lockup.UnlockTime = &info.UnlockTime
	}
	return out, nil
}

func (g *gateway) getLimits(r *http.Request, p map[string]string) (any, error) {
	holder, err := parseAddress(p["address"])
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	dec := g.vault.AssetDecimals()

	limits := map[string]Amount{}
	for name, fn := range map[string]func(context.Context, common.Address) (*uint256.Int, error){
		"max_deposit":  g.vault.MaxDeposit,
		"max_mint":     g.vault.MaxMint,
		"max_withdraw": g.vault.MaxWithdraw,
		"max_redeem":   g.vault.MaxRedeem,
	} {
		v, err := fn(ctx, holder)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		limits[name] = newAmount(v, dec)
	}
	return limits, nil
}

func (g *gateway) getAllowance(r *http.Request, p map[string]string) (any, error) {
	owner, err := parseAddress(p["owner"])
	if err != nil {
		return nil, err
	}
	spender, err := parseAddress(p["spender"])
	if err != nil {
		return nil, err
	}
	allowance, err := g.vault.Allowance(r.Context(), owner, spender)
	if err != nil {
		return nil, err
	}
	return map[string]Amount{"allowance": newAmount(allowance, g.vault.AssetDecimals())}, nil
}

func (g *gateway) getPreview(r *http.Request, p map[string]string) (any, error) {
	var fn func(context.Context, *uint256.Int) (*uint256.Int, error)
	switch p["kind"] {
	case "deposit":
		fn = g.vault.PreviewDeposit
	case "mint":
		fn = g.vault.PreviewMint
	case "withdraw":
		fn = g.vault.PreviewWithdraw
	case "redeem":
		fn = g.vault.PreviewRedeem
	case "convert_to_shares":
		fn = g.vault.ConvertToShares
	case "convert_to_assets":
		fn = g.vault.ConvertToAssets
	default:
		return nil, fmt.Errorf("%w: unknown preview %q", errBadRequest, p["kind"])
	}

	raw := r.URL.Query().Get("amount")
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", errBadRequest, raw, err)
	}
	v, err := fn(r.Context(), amount)
	if err != nil {
		return nil, err
	}
	dec := g.vault.AssetDecimals()
	return map[string]Amount{
		"input":  newAmount(amount, dec),
		"result": newAmount(v, dec),
	}, nil
}

// --- projections and history ---

func (g *gateway) getProjectedPool(r *http.Request, _ map[string]string) (any, error) {
	if g.query == nil {
		return nil, errUnavailable
	}
	return g.query.GetPool(r.Context())
}

func (g *gateway) listProjectedHolders(r *http.Request, _ map[string]string) (any, error) {
	if g.query == nil {
		return nil, errUnavailable
	}
	limit, err := pageSize(r, 50, 500)
	if err != nil {
		return nil, err
	}
	var after *common.Address
	if s := r.URL.Query().Get("after"); s != "" {
		a, err := parseAddress(s)
		if err != nil {
			return nil, err
		}
		after = &a
	}
	return g.query.ListHolders(r.Context(), limit, after)
}

func (g *gateway) getProjectedHolder(r *http.Request, p map[string]string) (any, error) {
	if g.query == nil {
		return nil, errUnavailable
	}
	holder, err := parseAddress(p["address"])
	if err != nil {
		return nil, err
	}
	return g.query.GetHolder(r.Context(), holder)
}

func (g *gateway) getReports(r *http.Request, _ map[string]string) (any, error) {
	if g.query == nil {
		return nil, errUnavailable
	}
	limit, err := pageSize(r, 50, 100)
	if err != nil {
		return nil, err
	}
	before, err := cursor(r, "before")
	if err != nil {
		return nil, err
	}
	return g.query.GetReportHistory(r.Context(), limit, before)
}

func (g *gateway) getJournals(r *http.Request, p map[string]string) (any, error) {
	if g.query == nil {
		return nil, errUnavailable
	}
	holder, err := parseAddress(p["address"])
	if err != nil {
		return nil, err
	}
	limit, err := pageSize(r, 100, 500)
	if err != nil {
		return nil, err
	}
	before, err := cursor(r, "before")
	if err != nil {
		return nil, err
	}
	return g.query.GetJournalHistory(r.Context(), holder, limit, before)
}

// --- admin ---

func (g *gateway) getIntegrity(r *http.Request, _ map[string]string) (any, error) {
	if g.query == nil {
		return nil, errUnavailable
	}
	return g.query.VerifyIntegrity(r.Context())
}

func (g *gateway) postSnapshot(r *http.Request, _ map[string]string) (any, error) {
	if g.snapshots == nil {
		return nil, errUnavailable
	}
	if err := g.snapshots.Take(r.Context()); err != nil {
		return nil, err
	}
	st, err := g.vault.State(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]any{"taken": true, "sequence": st.Sequence - 1}, nil
}

func (g *gateway) postRebuild(r *http.Request, _ map[string]string) (any, error) {
	if g.rebuild == nil {
		return nil, errUnavailable
	}
	n, err := g.rebuild(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]int64{"operations": n}, nil
}

// --- helpers ---

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, s)
	}
	return common.HexToAddress(s), nil
}

func pageSize(r *http.Request, def, limitMax int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid limit %q", errBadRequest, s)
	}
	if n > limitMax {
		n = limitMax
	}
	return n, nil
}

func cursor(r *http.Request, name string) (*int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, s)
	}
	return &n, nil
}
