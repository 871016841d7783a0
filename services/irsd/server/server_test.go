package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"irsvenue/core/events"
	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
	"irsvenue/native/funding"
	"irsvenue/native/irs"
	"irsvenue/native/rateindex"
	"irsvenue/native/risk"
	"irsvenue/services/irsd/indexer"
	"irsvenue/storage"
)

const testSecret = "irsd-test-secret"

func addressFor(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0xee
	raw[crypto.AddressLength-1] = b
	return crypto.NewAddress(crypto.TraderPrefix, raw)
}

type harness struct {
	t        *testing.T
	server   *Server
	venue    *irs.Venue
	pauses   *nativecommon.Pauses
	indexer  *indexer.Indexer
	now      uint64
	owner    crypto.Address
	settle   crypto.Address
	trader   crypto.Address
	reporter crypto.Address
	key      funding.PoolKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		now:      1_700_000_000,
		owner:    addressFor(1),
		settle:   addressFor(2),
		trader:   addressFor(3),
		reporter: addressFor(4),
		pauses:   nativecommon.NewPauses(),
		key: funding.PoolKey{
			Currency0:   addressFor(10),
			Currency1:   addressFor(11),
			Fee:         500,
			TickSpacing: 10,
		},
	}
	h.venue = irs.NewVenue(storage.NewMemDB(), crypto.NewAddress(crypto.ModulePrefix, bytes.Repeat([]byte{9}, crypto.AddressLength)))
	h.venue.SetClock(func() uint64 { return h.now })
	h.venue.SetPauses(h.pauses)

	require.NoError(t, h.venue.PostObservation(h.reporter, uint256.NewInt(20), h.now))
	require.NoError(t, h.venue.Bootstrap(irs.BootstrapConfig{
		Owner:      h.owner,
		Settlement: h.settle,
		Index: irs.IndexConfig{
			AlphaPPM:        500_000,
			MaxDeviationPPM: rateindex.PPMOne,
			MaxStaleness:    3_600,
			Sources:         []crypto.Address{h.reporter},
		},
		Collateral: []risk.CollateralConfig{{ID: "USDC", Decimals: 18, Price: new(big.Int).Set(risk.WAD), Enabled: true}},
	}))
	_, err := h.venue.InitializePool(h.owner, h.key, irs.PoolConfig{
		Maturity: h.now + risk.YearSeconds,
		Kappa:    big.NewInt(1),
		Risk: risk.PoolRiskParams{
			IMBps:               2_000,
			MMBps:               1_000,
			DurationFactor:      new(big.Int).Set(risk.WAD),
			MaxPositionNotional: big.NewInt(1_000_000_000),
			MaxAccountNotional:  big.NewInt(1_000_000_000),
			Enabled:             true,
		},
	})
	require.NoError(t, err)

	h.indexer, err = indexer.Open("sqlite", "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.indexer.Close() })
	hub := NewHub()
	h.venue.SetEmitter(events.NewFanout(h.indexer, hub))

	h.server, err = New(Config{
		ListenAddress: "127.0.0.1:0",
		Owner:         h.owner,
		Auth:          AuthConfig{HMACSecret: testSecret, Issuer: "irsd-test"},
	}, h.venue, h.indexer, hub, h.pauses, nil)
	require.NoError(t, err)
	return h
}

func (h *harness) token(subject string, scopes ...string) string {
	h.t.Helper()
	tok, err := Sign(testSecret, Claims(subject, "irsd-test", "", scopes, time.Hour, time.Now()))
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func (h *harness) poolID() string {
	return events.IDString(h.key.ID())
}

func TestPublicReads(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = h.do(http.MethodGet, "/v1/index", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var idx indexView
	decode(t, rec, &idx)
	require.True(t, idx.Initialized)
	require.Equal(t, "20", idx.RatePerSecond)
	require.Equal(t, []string{h.reporter.String()}, idx.Sources)

	rec = h.do(http.MethodGet, "/v1/pools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pools struct {
		Pools []poolView `json:"pools"`
	}
	decode(t, rec, &pools)
	require.Len(t, pools.Pools, 1)
	require.Equal(t, h.poolID(), pools.Pools[0].ID)
	require.Equal(t, uint64(2_000), pools.Pools[0].Risk.IMBps)

	rec = h.do(http.MethodGet, "/v1/pools/0x1234", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var missing [32]byte
	missing[0] = 0x42
	rec = h.do(http.MethodGet, "/v1/pools/"+events.IDString(missing), "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTradeRoutesRequireScope(t *testing.T) {
	h := newHarness(t)
	body := collateralRequest{Collateral: "usdc", Amount: "1000"}

	rec := h.do(http.MethodPost, "/v1/collateral/deposit", "", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/v1/collateral/deposit", h.token(h.trader.String(), ScopeSettle), body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/collateral/deposit", h.token("service-account", ScopeTrade), body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/collateral/deposit", h.token(h.trader.String(), ScopeTrade), body)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct accountView
	decode(t, rec, &acct)
	require.Equal(t, "1000", acct.Collateral["USDC"])

	expired, err := Sign(testSecret, Claims(h.trader.String(), "irsd-test", "", []string{ScopeTrade}, -time.Hour, time.Now()))
	require.NoError(t, err)
	rec = h.do(http.MethodPost, "/v1/collateral/deposit", expired, body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExposureLifecycle(t *testing.T) {
	h := newHarness(t)
	trade := h.token(h.trader.String(), ScopeTrade)

	rec := h.do(http.MethodPost, "/v1/collateral/deposit", trade, collateralRequest{Collateral: "USDC", Amount: "1000000"})
	require.Equal(t, http.StatusOK, rec.Code)

	exposure := exposureRequest{
		positionBody: positionBody{Pool: h.poolID(), TickLower: -100, TickUpper: 100},
		Liquidity:    "1000",
	}
	rec = h.do(http.MethodPost, "/v1/exposure/add", trade, exposure)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pos positionView
	decode(t, rec, &pos)
	require.Equal(t, "1000", pos.Liquidity)

	rec = h.do(http.MethodGet, "/v1/positions?owner="+h.trader.String()+"&pool="+h.poolID()+"&tickLower=-100&tickUpper=100", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &pos)
	require.Equal(t, "1000", pos.Liquidity)

	rec = h.do(http.MethodGet, "/v1/accounts/"+h.trader.String()+"/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthView
	decode(t, rec, &health)
	require.False(t, health.Liquidatable)
	require.NotEqual(t, "0", health.InitialMargin)

	rec = h.do(http.MethodPost, "/v1/collateral/withdraw", trade, collateralRequest{Collateral: "USDC", Amount: "1000000"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodPost, "/v1/exposure/remove", trade, exposureRequest{positionBody: exposure.positionBody, Liquidity: "5000"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodPost, "/v1/exposure/add", trade, exposureRequest{positionBody: exposure.positionBody, Liquidity: "-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/v1/accounts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts struct {
		Accounts []string `json:"accounts"`
	}
	decode(t, rec, &accounts)
	require.Contains(t, accounts.Accounts, h.trader.String())
}

func TestCollectFundingRequiresSettlement(t *testing.T) {
	h := newHarness(t)
	trade := h.token(h.trader.String(), ScopeTrade)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/collateral/deposit", trade, collateralRequest{Collateral: "USDC", Amount: "1000000"}).Code)
	body := positionBody{Pool: h.poolID(), TickLower: -100, TickUpper: 100}
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/exposure/add", trade, exposureRequest{positionBody: body, Liquidity: "1000"}).Code)
	h.now += 50

	collect := collectRequest{positionBody: body, Owner: h.trader.String()}
	rec := h.do(http.MethodPost, "/v1/funding/collect", h.token(h.trader.String(), ScopeSettle), collect)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/funding/collect", h.token(h.settle.String(), ScopeSettle), collect)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	decode(t, rec, &out)
	require.NotEmpty(t, out["cleared"])
}

func TestAdminRoutesActAsOwner(t *testing.T) {
	h := newHarness(t)
	admin := h.token("ops", ScopeAdmin)

	rec := h.do(http.MethodPost, "/v1/admin/pause", h.token("ops", ScopeTrade), pauseRequest{Module: "irs", Paused: true})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/admin/pause", admin, pauseRequest{Module: "IRS", Paused: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, h.pauses.IsPaused(irs.ModuleName))

	trade := h.token(h.trader.String(), ScopeTrade)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/collateral/deposit", trade, collateralRequest{Collateral: "USDC", Amount: "1000000"}).Code)
	rec = h.do(http.MethodPost, "/v1/exposure/add", trade, exposureRequest{positionBody: positionBody{Pool: h.poolID()}, Liquidity: "10"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(http.MethodPost, "/v1/admin/pause", admin, pauseRequest{Module: "lending", Paused: true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	pool := map[string]interface{}{
		"Currency0":           addressFor(20).String(),
		"Currency1":           addressFor(21).String(),
		"Fee":                 3000,
		"TickSpacing":         60,
		"Maturity":            h.now + 86_400,
		"Kappa":               "10",
		"IMBps":               1500,
		"MMBps":               750,
		"DurationFactor":      "1_000_000_000_000_000_000",
		"MaxPositionNotional": "1000000",
		"MaxAccountNotional":  "2000000",
	}
	rec = h.do(http.MethodPost, "/v1/admin/pools", admin, pool)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created poolView
	decode(t, rec, &created)
	require.Equal(t, "10", created.Kappa)
	require.Equal(t, uint64(750), created.Risk.MMBps)

	rec = h.do(http.MethodPost, "/v1/admin/pools", admin, pool)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/v1/admin/collateral", admin, map[string]interface{}{
		"ID": "weth", "Decimals": 18, "Price": "2000000000000000000000", "HaircutBps": 1500,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/admin/index/freeze", admin, freezeRequest{Frozen: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var idx indexView
	decode(t, rec, &idx)
	require.True(t, idx.Frozen)

	rec = h.do(http.MethodPost, "/v1/admin/index/manual", admin, manualRateRequest{Rate: "7", Enabled: true})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &idx)
	require.True(t, idx.UseManualRate)
	require.Equal(t, "7", idx.EffectiveRate)
}

func TestObservationsAndPoke(t *testing.T) {
	h := newHarness(t)
	admin := h.token("ops", ScopeAdmin)
	h.now += 10

	rec := h.do(http.MethodPost, "/v1/admin/observations", admin, observationRequest{Reporter: h.reporter.String(), Rate: "20", UpdatedAt: h.now})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(http.MethodPost, "/v1/admin/observations", admin, observationRequest{Reporter: h.reporter.String(), Rate: "20", UpdatedAt: h.now - 100})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodPost, "/v1/poke", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	decode(t, rec, &out)
	require.Equal(t, "20", out["ratePerSecond"])

	rec = h.do(http.MethodPost, "/v1/poke", "", pokeRequest{Pools: []string{h.poolID()}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsEndpointReadsIndexer(t *testing.T) {
	h := newHarness(t)
	trade := h.token(h.trader.String(), ScopeTrade)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/collateral/deposit", trade, collateralRequest{Collateral: "USDC", Amount: "5"}).Code)

	rec := h.do(http.MethodGet, "/v1/events?type="+events.TypeCollateralDeposited+"&trader="+h.trader.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Events []struct {
			Seq        uint64            `json:"seq"`
			Type       string            `json:"type"`
			Attributes map[string]string `json:"attributes"`
		} `json:"events"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Events, 1)
	require.Equal(t, "5", out.Events[0].Attributes["amount"])

	rec = h.do(http.MethodGet, "/v1/events?after=nope", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1})
	handler := limiter.Middleware("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusNoContent, call("10.0.0.1:1000"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1001"))
	require.Equal(t, http.StatusNoContent, call("10.0.0.2:1000"))

	require.Nil(t, NewRateLimiter(RateLimit{}))
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	hub := NewHub()
	fast, cancelFast := hub.subscribe("irs.collateral")
	defer cancelFast()
	filtered, cancelFiltered := hub.subscribe("irs.liquidation")
	defer cancelFiltered()
	require.Equal(t, 2, hub.Subscribers())

	evt := events.CollateralMoved{Account: addressFor(1), Collateral: "USDC", Amount: big.NewInt(1), Balance: big.NewInt(1)}
	for i := 0; i < wsBuffer+1; i++ {
		hub.Emit(evt)
	}
	select {
	case <-fast.done:
	default:
		t.Fatal("expected slow subscriber to be closed")
	}
	select {
	case <-filtered.done:
		t.Fatal("filtered subscriber should not receive events")
	default:
	}
	require.Len(t, fast.ch, wsBuffer)
	got := <-fast.ch
	require.True(t, strings.HasPrefix(got.Type, "irs.collateral"))
}

func TestClassifyMapsVenueErrors(t *testing.T) {
	cases := map[error]int{
		nativecommon.ErrModulePaused:                      http.StatusServiceUnavailable,
		nativecommon.ErrReentrant:                         http.StatusConflict,
		fmt.Errorf("withdraw: %w", risk.ErrInitialMargin): http.StatusUnprocessableEntity,
		funding.ErrPoolNotFound:                           http.StatusNotFound,
		irs.ErrUnauthorized:                               http.StatusForbidden,
		nativecommon.ErrQuotaVolumeExceeded:               http.StatusTooManyRequests,
		badRequest("x"):                                   http.StatusBadRequest,
	}
	for err, want := range cases {
		got, _ := classify(err)
		require.Equal(t, want, got, err.Error())
	}
	got, reason := classify(errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, got)
	require.Equal(t, "internal", reason)
}
