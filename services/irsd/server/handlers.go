package server

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	protocol "irsvenue/config"
	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
	"irsvenue/native/funding"
	"irsvenue/native/irs"
	"irsvenue/native/rateindex"
	"irsvenue/native/risk"
	"irsvenue/observability"
	"irsvenue/services/irsd/indexer"
)

var errBadRequest = errors.New("bad request")

type errorClass struct {
	status int
	reason string
	errs   []error
}

// errorClasses maps venue errors onto HTTP statuses. The first match wins.
var errorClasses = []errorClass{
	{http.StatusForbidden, "unauthorized", []error{irs.ErrUnauthorized, funding.ErrUnauthorized, risk.ErrUnauthorized, rateindex.ErrUnauthorized}},
	{http.StatusServiceUnavailable, "paused", []error{nativecommon.ErrModulePaused}},
	{http.StatusTooManyRequests, "quota", []error{nativecommon.ErrQuotaActionsExceeded, nativecommon.ErrQuotaVolumeExceeded, nativecommon.ErrQuotaCounterOverflow}},
	{http.StatusConflict, "reentrant", []error{nativecommon.ErrReentrant}},
	{http.StatusConflict, "exists", []error{funding.ErrPoolExists, funding.ErrRolesConfigured, risk.ErrRolesConfigured, rateindex.ErrAlreadyInitialized, rateindex.ErrDuplicateSource}},
	{http.StatusNotFound, "not_found", []error{funding.ErrPoolNotFound, funding.ErrPositionNotFound, risk.ErrUnknownCollateral, rateindex.ErrUnknownSource, rateindex.ErrNotInitialized}},
	{http.StatusUnprocessableEntity, "matured", []error{irs.ErrPoolMatured, risk.ErrPoolMatured}},
	{http.StatusUnprocessableEntity, "margin", []error{risk.ErrInitialMargin, risk.ErrInsufficientBalance, risk.ErrNotLiquidatable, risk.ErrInsufficientCollateral}},
	{http.StatusUnprocessableEntity, "limit", []error{risk.ErrPositionNotionalCap, risk.ErrAccountNotionalCap, risk.ErrPoolDisabled, risk.ErrCollateralDisabled}},
	{http.StatusUnprocessableEntity, "liquidity", []error{funding.ErrInsufficientLiquidity, risk.ErrInsufficientLiquidity, risk.ErrNewPositionDelta}},
	{http.StatusUnprocessableEntity, "stale", []error{rateindex.ErrStaleObservation}},
	{http.StatusBadRequest, "invalid", []error{errBadRequest, irs.ErrInvalidAmount, risk.ErrInvalidAmount, risk.ErrInvalidParams, risk.ErrZeroRepay, rateindex.ErrInvalidPPM, rateindex.ErrZeroSource, rateindex.ErrZeroOwner}},
}

func classify(err error) (int, string) {
	for _, class := range errorClasses {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.status, class.reason
			}
		}
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err and records rejected venue operations.
func (s *Server) fail(w http.ResponseWriter, operation string, err error) {
	status, reason := classify(err)
	if status < http.StatusInternalServerError {
		observability.Venue().RecordRejection(operation, reason)
	} else {
		s.logger.Error("venue call failed", "operation", operation, "error", err)
	}
	writeError(w, status, err.Error())
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// Reads.

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	view, err := s.venue.Index()
	if err != nil {
		s.fail(w, "index", err)
		return
	}
	writeJSON(w, http.StatusOK, renderIndex(view))
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	ids, err := s.venue.Pools()
	if err != nil {
		s.fail(w, "pools", err)
		return
	}
	out := make([]poolView, 0, len(ids))
	for _, id := range ids {
		view, err := s.venue.PoolState(id)
		if err != nil {
			s.fail(w, "pools", err)
			return
		}
		out = append(out, renderPool(view))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": out})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), true)
	if err != nil {
		s.fail(w, "pool", err)
		return
	}
	view, err := s.venue.PoolState(id)
	if err != nil {
		s.fail(w, "pool", err)
		return
	}
	writeJSON(w, http.StatusOK, renderPool(view))
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.venue.Accounts()
	if err != nil {
		s.fail(w, "accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": renderAddresses(list)})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	trader, err := parseTrader(chi.URLParam(r, "trader"))
	if err != nil {
		s.fail(w, "account", err)
		return
	}
	acct, err := s.venue.Account(trader)
	if err != nil {
		s.fail(w, "account", err)
		return
	}
	writeJSON(w, http.StatusOK, renderAccount(acct))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	trader, err := parseTrader(chi.URLParam(r, "trader"))
	if err != nil {
		s.fail(w, "health", err)
		return
	}
	health, err := s.venue.Health(trader)
	if err != nil {
		s.fail(w, "health", err)
		return
	}
	writeJSON(w, http.StatusOK, renderHealth(health))
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, err := parseTrader(q.Get("owner"))
	if err != nil {
		s.fail(w, "position", err)
		return
	}
	body := positionBody{Pool: q.Get("pool"), Salt: q.Get("salt")}
	if body.TickLower, err = parseTick(q.Get("tickLower")); err != nil {
		s.fail(w, "position", err)
		return
	}
	if body.TickUpper, err = parseTick(q.Get("tickUpper")); err != nil {
		s.fail(w, "position", err)
		return
	}
	ref, err := positionRef(owner, body)
	if err != nil {
		s.fail(w, "position", err)
		return
	}
	pos, err := s.venue.Position(ref)
	if err != nil {
		s.fail(w, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, renderPosition(pos))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "event index not configured")
		return
	}
	q := r.URL.Query()
	filter := indexer.Filter{Type: q.Get("type"), Pool: q.Get("pool"), Trader: q.Get("trader")}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		filter.After = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	records, err := s.indexer.Query(r.Context(), filter)
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		attrs, err := rec.Decode()
		if err != nil {
			s.fail(w, "events", err)
			return
		}
		out = append(out, map[string]interface{}{
			"seq":        rec.Seq,
			"id":         rec.ID.String(),
			"type":       rec.Type,
			"createdAt":  rec.CreatedAt,
			"attributes": attrs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// Keeper calls.

type pokeRequest struct {
	Pools []string `json:"pools"`
}

func (s *Server) handlePoke(w http.ResponseWriter, r *http.Request) {
	var req pokeRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, "poke", badRequest("%v", err))
		return
	}
	pools := make([][32]byte, 0, len(req.Pools))
	for _, raw := range req.Pools {
		id, err := parseID(raw, true)
		if err != nil {
			s.fail(w, "poke", err)
			return
		}
		pools = append(pools, id)
	}
	rate, err := s.venue.Poke(pools...)
	if err != nil {
		s.fail(w, "poke", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ratePerSecond": u256(rate)})
}

// Trader calls. The acting trader is always the token's subject.

type collateralRequest struct {
	Collateral string `json:"collateral"`
	Amount     string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, "deposit", s.venue.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, "withdraw", s.venue.Withdraw)
}

func (s *Server) moveCollateral(w http.ResponseWriter, r *http.Request, op string, move func(crypto.Address, string, *big.Int) (*risk.Account, error)) {
	trader, ok := s.caller(w, r, op)
	if !ok {
		return
	}
	var req collateralRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, op, badRequest("%v", err))
		return
	}
	amount, err := parsePositive(req.Amount)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	acct, err := move(trader, req.Collateral, amount)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAccount(acct))
}

type positionBody struct {
	Pool      string `json:"pool"`
	TickLower int32  `json:"tickLower"`
	TickUpper int32  `json:"tickUpper"`
	Salt      string `json:"salt"`
}

type exposureRequest struct {
	positionBody
	Liquidity string `json:"liquidity"`
}

func (s *Server) handleAddExposure(w http.ResponseWriter, r *http.Request) {
	s.changeExposure(w, r, "add_exposure", s.venue.AddExposure)
}

func (s *Server) handleRemoveExposure(w http.ResponseWriter, r *http.Request) {
	s.changeExposure(w, r, "remove_exposure", s.venue.RemoveExposure)
}

func (s *Server) changeExposure(w http.ResponseWriter, r *http.Request, op string, change func(crypto.Address, funding.PositionRef, *big.Int) (*funding.Position, error)) {
	trader, ok := s.caller(w, r, op)
	if !ok {
		return
	}
	var req exposureRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, op, badRequest("%v", err))
		return
	}
	ref, err := positionRef(trader, req.positionBody)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	liquidity, err := parsePositive(req.Liquidity)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	pos, err := change(trader, ref, liquidity)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPosition(pos))
}

type liquidationRequest struct {
	Trader          string   `json:"trader"`
	Repay           string   `json:"repay"`
	CollateralOrder []string `json:"collateralOrder"`
	Recipient       string   `json:"recipient"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	liquidator, ok := s.caller(w, r, "liquidate")
	if !ok {
		return
	}
	var req liquidationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, "liquidate", badRequest("%v", err))
		return
	}
	trader, err := parseTrader(req.Trader)
	if err != nil {
		s.fail(w, "liquidate", err)
		return
	}
	repay, err := parsePositive(req.Repay)
	if err != nil {
		s.fail(w, "liquidate", err)
		return
	}
	recipient := liquidator
	if strings.TrimSpace(req.Recipient) != "" {
		if recipient, err = parseTrader(req.Recipient); err != nil {
			s.fail(w, "liquidate", err)
			return
		}
	}
	res, err := s.venue.Liquidate(risk.LiquidationRequest{
		Liquidator:      liquidator,
		Trader:          trader,
		Repay:           repay,
		CollateralOrder: req.CollateralOrder,
		Recipient:       recipient,
	})
	if err != nil {
		s.fail(w, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusOK, renderLiquidation(res))
}

type collectRequest struct {
	positionBody
	Owner string `json:"owner"`
}

func (s *Server) handleCollectFunding(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r, "collect_funding")
	if !ok {
		return
	}
	var req collectRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, "collect_funding", badRequest("%v", err))
		return
	}
	owner, err := parseTrader(req.Owner)
	if err != nil {
		s.fail(w, "collect_funding", err)
		return
	}
	ref, err := positionRef(owner, req.positionBody)
	if err != nil {
		s.fail(w, "collect_funding", err)
		return
	}
	amount, err := s.venue.CollectFunding(caller, ref)
	if err != nil {
		s.fail(w, "collect_funding", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cleared": num(amount)})
}

// Admin calls act as the configured owner.

func (s *Server) handleAdminPool(w http.ResponseWriter, r *http.Request) {
	var req protocol.Pool
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, "init_pool", badRequest("%v", err))
		return
	}
	entry, err := req.Entry()
	if err != nil {
		s.fail(w, "init_pool", badRequest("%v", err))
		return
	}
	if _, err := s.venue.InitializePool(s.cfg.Owner, entry.Key, entry.Config); err != nil {
		s.fail(w, "init_pool", err)
		return
	}
	view, err := s.venue.PoolState(entry.Key.ID())
	if err != nil {
		s.fail(w, "init_pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, renderPool(view))
}

func (s *Server) handleAdminCollateral(w http.ResponseWriter, r *http.Request) {
	var req protocol.Collateral
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, "set_collateral", badRequest("%v", err))
		return
	}
	cfg, err := req.Build()
	if err != nil {
		s.fail(w, "set_collateral", badRequest("%v", err))
		return
	}
	err = s.venue.Govern(func(_ *rateindex.Engine, _ *funding.Engine, engine *risk.Engine) error {
		return engine.SetCollateral(s.cfg.Owner, cfg)
	})
	if err != nil {
		s.fail(w, "set_collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": strings.ToUpper(strings.TrimSpace(cfg.ID)), "enabled": cfg.Enabled})
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, "pause", badRequest("%v", err))
		return
	}
	module := strings.ToLower(strings.TrimSpace(req.Module))
	if module != irs.ModuleName && module != risk.ModuleName {
		s.fail(w, "pause", badRequest("unknown module %q", req.Module))
		return
	}
	s.pauses.Set(module, req.Paused)
	s.logger.Info("module pause toggled", "module", module, "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]interface{}{"module": module, "paused": s.pauses.IsPaused(module)})
}

type manualRateRequest struct {
	Rate    string `json:"rate"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleAdminManualRate(w http.ResponseWriter, r *http.Request) {
	var req manualRateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, "manual_rate", badRequest("%v", err))
		return
	}
	rate, err := parseRate(req.Rate)
	if err != nil {
		s.fail(w, "manual_rate", err)
		return
	}
	err = s.venue.Govern(func(index *rateindex.Engine, _ *funding.Engine, _ *risk.Engine) error {
		return index.SetManualRate(s.cfg.Owner, rate, req.Enabled)
	})
	if err != nil {
		s.fail(w, "manual_rate", err)
		return
	}
	s.handleIndex(w, r)
}

type freezeRequest struct {
	Frozen bool `json:"frozen"`
}

func (s *Server) handleAdminFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, "freeze", badRequest("%v", err))
		return
	}
	err := s.venue.Govern(func(index *rateindex.Engine, _ *funding.Engine, _ *risk.Engine) error {
		return index.SetFreeze(s.cfg.Owner, req.Frozen)
	})
	if err != nil {
		s.fail(w, "freeze", err)
		return
	}
	s.handleIndex(w, r)
}

type observationRequest struct {
	Reporter  string `json:"reporter"`
	Rate      string `json:"rate"`
	UpdatedAt uint64 `json:"updatedAt"`
}

func (s *Server) handleAdminObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, "post_observation", badRequest("%v", err))
		return
	}
	reporter, err := parseTrader(req.Reporter)
	if err != nil {
		s.fail(w, "post_observation", err)
		return
	}
	rate, err := parseRate(req.Rate)
	if err != nil {
		s.fail(w, "post_observation", err)
		return
	}
	if err := s.venue.PostObservation(reporter, rate, req.UpdatedAt); err != nil {
		s.fail(w, "post_observation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"reporter": reporter.String(), "rate": rate.Dec(), "updatedAt": req.UpdatedAt})
}

// caller resolves the acting address from the authenticated principal.
func (s *Server) caller(w http.ResponseWriter, r *http.Request, op string) (crypto.Address, bool) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok || principal.Address.IsZero() {
		observability.Venue().RecordRejection(op, "unauthorized")
		writeError(w, http.StatusForbidden, "token subject is not an address")
		return crypto.Address{}, false
	}
	return principal.Address, true
}

func parseTrader(raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, badRequest("address required")
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, badRequest("invalid address %q", trimmed)
	}
	return addr, nil
}

// parseID decodes a 0x-prefixed 32-byte identifier. Optional ids default to
// zero when empty.
func parseID(raw string, required bool) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if required {
			return out, badRequest("identifier required")
		}
		return out, nil
	}
	decoded, err := hexutil.Decode(trimmed)
	if err != nil || len(decoded) != len(out) {
		return out, badRequest("invalid identifier %q", trimmed)
	}
	copy(out[:], decoded)
	return out, nil
}

func parseTick(raw string) (int32, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, badRequest("invalid tick %q", raw)
	}
	return int32(v), nil
}

func positionRef(owner crypto.Address, body positionBody) (funding.PositionRef, error) {
	ref := funding.PositionRef{Owner: owner, TickLower: body.TickLower, TickUpper: body.TickUpper}
	var err error
	if ref.Pool, err = parseID(body.Pool, true); err != nil {
		return ref, err
	}
	if ref.Salt, err = parseID(body.Salt, false); err != nil {
		return ref, err
	}
	return ref, nil
}

func parsePositive(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, badRequest("amount must be a positive integer, got %q", raw)
	}
	return v, nil
}

func parseRate(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, badRequest("invalid rate %q", raw)
	}
	return v, nil
}
