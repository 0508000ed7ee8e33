package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"VaultLedger/internal/adapter"
	"VaultLedger/internal/auth"
	"VaultLedger/internal/core"
	"VaultLedger/internal/lockup"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/query"
	"VaultLedger/internal/report"
	"VaultLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	dragon    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	alice     = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

// fakeHistory answers every projection read with ErrNotFound except
// integrity, which reports a healthy log.
type fakeHistory struct{}

func (fakeHistory) GetHolder(context.Context, common.Address) (*query.HolderResponse, error) {
	return nil, query.ErrNotFound
}

func (fakeHistory) ListHolders(context.Context, int, *common.Address) ([]query.HolderResponse, error) {
	return nil, nil
}

func (fakeHistory) GetPool(context.Context) (*query.PoolResponse, error) {
	return nil, query.ErrNotFound
}

func (fakeHistory) GetReportHistory(_ context.Context, limit int, before *int64) ([]query.ReportResponse, error) {
	if before == nil {
		return nil, nil
	}
	return []query.ReportResponse{{Sequence: *before - 1, Mode: "donating"}}, nil
}

func (fakeHistory) GetJournalHistory(context.Context, common.Address, int, *int64) ([]query.JournalHistoryEntry, error) {
	return nil, nil
}

func (fakeHistory) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

func (fakeHistory) Watermark(context.Context) (int64, error) { return 0, nil }

type fixture struct {
	handler http.Handler
	vault   *core.Vault
	metrics *observability.Metrics
	reg     *prometheus.Registry
	health  *observability.HealthChecker
}

func newFixture(t *testing.T, history server.HistoryReader) *fixture {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v, err := core.New(core.Params{
		Address:       vaultAddr,
		Beneficiary:   dragon,
		AssetDecimals: 6,
		Lockup:        lockup.DefaultConfig(),
	}, report.NewDonating(), auth.NewStaticAuthorizer(nil), adapter.NewMemoryAdapter(),
		core.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	_, err = v.Deposit(context.Background(), alice, uint256.NewInt(1_500_000), alice)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg)
	health := observability.NewHealthChecker()

	h, err := server.NewHTTPHandler(&server.ServerDeps{
		Vault:         v,
		Query:         history,
		HealthChecker: health,
		Metrics:       metrics,
		Gatherer:      reg,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	return &fixture{handler: h, vault: v, metrics: metrics, reg: reg, health: health}
}

func (f *fixture) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
	}
	return rec.Code, body
}

// ============================================================================
// Live vault reads
// ============================================================================

func TestGateway_VaultState(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, "GET", "/v1/vault")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "donating", body["mode"])
	assert.Equal(t, float64(1), body["sequence"])
	assets := body["total_assets"].(map[string]any)
	assert.Equal(t, "1500000", assets["raw"])
	assert.Equal(t, "1.5", assets["formatted"])
	assert.Nil(t, body["solvency"])
}

func TestGateway_Holder(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, "GET", "/v1/holders/"+alice.Hex())
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, alice.Hex(), body["holder"])
	assert.Equal(t, "1500000", body["balance"].(map[string]any)["raw"])
	assert.Equal(t, "1500000", body["unlocked"].(map[string]any)["raw"])
	assert.Equal(t, "unlocked", body["lockup"].(map[string]any)["state"])
}

func TestGateway_Limits(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, "GET", "/v1/holders/"+alice.Hex()+"/limits")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1500000", body["max_redeem"].(map[string]any)["raw"])
	assert.Equal(t, "1500000", body["max_withdraw"].(map[string]any)["raw"])
}

func TestGateway_Preview(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, "GET", "/v1/preview/redeem?amount=500000")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "500000", body["result"].(map[string]any)["raw"])
	assert.Equal(t, "0.5", body["result"].(map[string]any)["formatted"])
}

// ============================================================================
// Error mapping
// ============================================================================

func TestGateway_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		path string
	}{
		{"unknown preview", "/v1/preview/bogus?amount=1"},
		{"bad amount", "/v1/preview/deposit?amount=abc"},
		{"bad address", "/v1/holders/not-an-address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, "GET", tt.path)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGateway_HistoryUnavailableWithoutQuery(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(t, "GET", "/v1/projections/pool")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = f.do(t, "POST", "/v1/admin/snapshot")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestGateway_History(t *testing.T) {
	f := newFixture(t, fakeHistory{})

	code, _ := f.do(t, "GET", "/v1/projections/holders/"+alice.Hex())
	assert.Equal(t, http.StatusNotFound, code)

	code, body := f.do(t, "GET", "/v1/admin/integrity")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_healthy"])

	req := httptest.NewRequest("GET", "/v1/history/reports?limit=5&before=10", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var reports []query.ReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, int64(9), reports[0].Sequence)

	code, _ = f.do(t, "GET", "/v1/history/reports?before=x")
	assert.Equal(t, http.StatusBadRequest, code)
}

// ============================================================================
// Health and metrics
// ============================================================================

func TestGateway_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(t, "GET", "/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, body := f.do(t, "GET", "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])

	f.health.SetReady(true)
	code, _ = f.do(t, "GET", "/readyz")
	assert.Equal(t, http.StatusOK, code)

	f.do(t, "GET", "/v1/vault")
	f.do(t, "GET", "/v1/preview/bogus?amount=1")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("vault", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueryRequests.WithLabelValues("preview", "400")))

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vault_query_requests_total")
}
