package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/skim/internal/domain"
	"github.com/vadiminshakov/skim/internal/engine"
	"github.com/vadiminshakov/skim/internal/exchange"
	"github.com/vadiminshakov/skim/internal/reporting"
	"go.uber.org/zap"
)

type fakeStore struct {
	snap domain.PairsSnapshot
}

func (s *fakeStore) Latest() (domain.PairsSnapshot, error) {
	return s.snap, nil
}

func (s *fakeStore) Save(pairs []domain.PairConfig) (domain.PairsSnapshot, error) {
	s.snap = domain.PairsSnapshot{Version: s.snap.Version + 1, Pairs: pairs}
	return s.snap, nil
}

type fakeReports struct{}

func (fakeReports) Summary() reporting.Summary {
	return reporting.Summary{Since: time.Now().UTC(), Rows: map[string]reporting.Row{}}
}

type fakeScheduler struct {
	paused    bool
	trades    []domain.Trade
	tradesErr error
}

func (s *fakeScheduler) Status() engine.Status { return engine.Status{Paused: s.paused} }
func (s *fakeScheduler) Pause()                { s.paused = true }
func (s *fakeScheduler) Resume()               { s.paused = false }

func (s *fakeScheduler) VenueTrades(_ context.Context, exchangeID string, _ domain.Pair, _ time.Time) ([]domain.Trade, error) {
	if exchangeID != "binance" {
		return nil, exchange.ErrUnknownExchange
	}
	if s.tradesErr != nil {
		return nil, s.tradesErr
	}
	return s.trades, nil
}

type fakeCatalog struct {
	known map[string]bool
}

func (c *fakeCatalog) Known(id string) bool { return c.known[id] }
func (c *fakeCatalog) Exchanges() []string {
	out := make([]string, 0, len(c.known))
	for id := range c.known {
		out = append(out, id)
	}
	return out
}

func newTestServer() (*Server, *fakeStore, *fakeScheduler) {
	store := &fakeStore{}
	sched := &fakeScheduler{trades: []domain.Trade{
		domain.NewTrade("binance", domain.Pair{Base: "BTC", Quote: "USDT"},
			domain.SideSell, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero, time.Now().UTC()),
	}}
	catalog := &fakeCatalog{known: map[string]bool{"binance": true, "bybit": true}}
	srv := NewServer(":0", store, fakeReports{}, sched, catalog, zap.NewNop())
	return srv, store, sched
}

func TestSummaryEndpoint(t *testing.T) {
	srv, _, sched := newTestServer()
	sched.paused = true

	rec := httptest.NewRecorder()
	srv.handleSummary(rec, httptest.NewRequest(http.MethodGet, "/summary", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Engine engine.Status `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Engine.Paused)

	rec = httptest.NewRecorder()
	srv.handleSummary(rec, httptest.NewRequest(http.MethodPost, "/summary", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPairsGetAndPut(t *testing.T) {
	srv, store, _ := newTestServer()

	rec := httptest.NewRecorder()
	srv.handlePairs(rec, httptest.NewRequest(http.MethodGet, "/pairs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	payload := `[{"exchange":"binance","pair":"BTC_USDT","quote_budget":"100","deviation_pct":"1","gap_mode":"off","active":true}]`
	rec = httptest.NewRecorder()
	srv.handlePairs(rec, httptest.NewRequest(http.MethodPut, "/pairs", strings.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, store.snap.Pairs, 1)
	saved := store.snap.Pairs[0]
	assert.Equal(t, "binance", saved.Exchange)
	assert.Equal(t, domain.Pair{Base: "BTC", Quote: "USDT"}, saved.Pair)
	assert.True(t, saved.QuoteBudget.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, uint64(1), store.snap.Version)
}

func TestPairsPutRejectsUnknownExchange(t *testing.T) {
	srv, store, _ := newTestServer()

	payload := `[{"exchange":"kraken","pair":"BTC_USDT","quote_budget":"100","active":true}]`
	rec := httptest.NewRecorder()
	srv.handlePairs(rec, httptest.NewRequest(http.MethodPut, "/pairs", strings.NewReader(payload)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown exchange")
	assert.Equal(t, uint64(0), store.snap.Version, "nothing is saved")
}

func TestPairsPutRejectsMalformedPayload(t *testing.T) {
	srv, _, _ := newTestServer()

	rec := httptest.NewRecorder()
	srv.handlePairs(rec, httptest.NewRequest(http.MethodPut, "/pairs", strings.NewReader(`{"not":"a list"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.handlePairs(rec, httptest.NewRequest(http.MethodPut, "/pairs",
		strings.NewReader(`[{"exchange":"binance","pair":"BTCUSDT","quote_budget":"100"}]`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed pair string is rejected")
}

func TestTradesEndpoint(t *testing.T) {
	srv, _, _ := newTestServer()

	rec := httptest.NewRecorder()
	srv.handleTrades(rec, httptest.NewRequest(http.MethodGet, "/trades?exchange=binance&pair=BTC_USDT", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var trades []domain.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideSell, trades[0].Side)

	rec = httptest.NewRecorder()
	srv.handleTrades(rec, httptest.NewRequest(http.MethodGet, "/trades?exchange=kraken&pair=BTC_USDT", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.handleTrades(rec, httptest.NewRequest(http.MethodGet, "/trades?exchange=binance&pair=BTCUSDT", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed pair is rejected")
}

func TestTradesEndpointVenueFailure(t *testing.T) {
	srv, _, sched := newTestServer()
	sched.tradesErr = errors.New("venue unavailable")

	rec := httptest.NewRecorder()
	srv.handleTrades(rec, httptest.NewRequest(http.MethodGet, "/trades?exchange=binance&pair=BTC_USDT", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code, "a venue failure is not the caller's fault")
}

func TestPauseAndResumeEndpoints(t *testing.T) {
	srv, _, sched := newTestServer()

	rec := httptest.NewRecorder()
	srv.handlePause(rec, httptest.NewRequest(http.MethodPost, "/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sched.paused)

	rec = httptest.NewRecorder()
	srv.handleResume(rec, httptest.NewRequest(http.MethodPost, "/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sched.paused)

	rec = httptest.NewRecorder()
	srv.handlePause(rec, httptest.NewRequest(http.MethodGet, "/pause", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
