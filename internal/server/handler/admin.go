package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// AdminService is what the admin handler needs from the service layer.
type AdminService interface {
	ProfitParams() domain.ProfitParams
	ProfitShares() []domain.ProfitShare
	SetProfitParams(ctx context.Context, admin common.Address, p domain.ProfitParams) error
	SetBreakerLimits(ctx context.Context, admin common.Address, l domain.BreakerLimits) error
	ForceBreaker(ctx context.Context, admin common.Address, state domain.BreakerState) error
	ClearBreakerOverride(ctx context.Context, admin common.Address) error
	ResetRoute(ctx context.Context, admin common.Address, fp common.Hash) error
	RegisterVenue(ctx context.Context, admin common.Address, spec venue.Spec) error
	DeregisterVenue(ctx context.Context, admin common.Address, addr common.Address) error
	SetProfitShares(ctx context.Context, admin common.Address, shares []domain.ProfitShare) error
	SetVolatilityIndex(ctx context.Context, admin common.Address, index uint32) error
	AuditLog(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEvent, error)
}

// AdminHandler serves the administrative endpoints. The acting
// administrator is the request signer; authorization itself is decided by
// the engine.
type AdminHandler struct {
	admin  AdminService
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(admin AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, logger: logHandler(logger, "admin")}
}

type breakerLimitsRequest struct {
	MaxVolumePerPeriod string `json:"max_volume_per_period"`
	MaxTradesPerPeriod uint64 `json:"max_trades_per_period"`
	Period             string `json:"period"`
	WarningRatioBps    uint32 `json:"warning_ratio_bps"`
}

type forceBreakerRequest struct {
	State domain.BreakerState `json:"state"`
}

type sharesRequest struct {
	Shares []domain.ProfitShare `json:"shares"`
}

type volatilityRequest struct {
	Index uint32 `json:"index"`
}

type auditResponse struct {
	Events []domain.AuditEvent `json:"events"`
}

type profitResponse struct {
	Params domain.ProfitParams  `json:"params"`
	Shares []domain.ProfitShare `json:"shares"`
}

// Profit returns the profit guard parameters and recipients.
// GET /api/admin/profit
func (h *AdminHandler) Profit(w http.ResponseWriter, r *http.Request) {
	shares := h.admin.ProfitShares()
	if shares == nil {
		shares = []domain.ProfitShare{}
	}
	writeJSON(w, http.StatusOK, profitResponse{Params: h.admin.ProfitParams(), Shares: shares})
}

// SetProfitParams replaces the dynamic minimum-profit parameters.
// PUT /api/admin/profit
func (h *AdminHandler) SetProfitParams(w http.ResponseWriter, r *http.Request) {
	var p domain.ProfitParams
	h.run(w, r, "set_profit_params", &p, func(ctx context.Context, admin common.Address) error {
		return h.admin.SetProfitParams(ctx, admin, p)
	})
}

// SetBreakerLimits replaces the breaker thresholds.
// PUT /api/admin/breaker
func (h *AdminHandler) SetBreakerLimits(w http.ResponseWriter, r *http.Request) {
	var req breakerLimitsRequest
	h.run(w, r, "set_breaker_limits", &req, func(ctx context.Context, admin common.Address) error {
		limits, err := req.limits()
		if err != nil {
			return err
		}
		return h.admin.SetBreakerLimits(ctx, admin, limits)
	})
}

func (b breakerLimitsRequest) limits() (domain.BreakerLimits, error) {
	l := domain.BreakerLimits{
		MaxTradesPerPeriod: b.MaxTradesPerPeriod,
		WarningRatioBps:    b.WarningRatioBps,
	}
	if b.MaxVolumePerPeriod != "" {
		v, ok := new(big.Int).SetString(b.MaxVolumePerPeriod, 10)
		if !ok {
			return l, badRequest("max_volume_per_period must be an integer")
		}
		l.MaxVolumePerPeriod = v
	}
	d, err := time.ParseDuration(b.Period)
	if err != nil {
		return l, badRequest("period must be a duration such as 1h")
	}
	l.PeriodDuration = d
	return l, nil
}

// ForceBreaker pins the breaker to a state.
// POST /api/admin/breaker/force
func (h *AdminHandler) ForceBreaker(w http.ResponseWriter, r *http.Request) {
	var req forceBreakerRequest
	h.run(w, r, "force_breaker", &req, func(ctx context.Context, admin common.Address) error {
		return h.admin.ForceBreaker(ctx, admin, req.State)
	})
}

// ClearBreakerOverride returns the breaker to automatic evaluation.
// DELETE /api/admin/breaker/force
func (h *AdminHandler) ClearBreakerOverride(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "clear_breaker_override", nil, func(ctx context.Context, admin common.Address) error {
		return h.admin.ClearBreakerOverride(ctx, admin)
	})
}

// ResetRoute clears a failed-route record.
// DELETE /api/admin/routes/{fingerprint}
func (h *AdminHandler) ResetRoute(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("fingerprint")
	fp := common.HexToHash(raw)
	if len(raw) != 2+2*common.HashLength || fp == (common.Hash{}) {
		writeError(w, http.StatusBadRequest, "invalid route fingerprint")
		return
	}
	h.run(w, r, "reset_route", nil, func(ctx context.Context, admin common.Address) error {
		return h.admin.ResetRoute(ctx, admin, fp)
	})
}

// RegisterVenue builds and registers a venue at the path address.
// POST /api/admin/venues/{address}
func (h *AdminHandler) RegisterVenue(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid venue address")
		return
	}
	var spec venue.Spec
	h.run(w, r, "register_venue", &spec, func(ctx context.Context, admin common.Address) error {
		if spec.Address != (common.Address{}) && spec.Address != addr {
			return badRequest("body address does not match path")
		}
		spec.Address = addr
		return h.admin.RegisterVenue(ctx, admin, spec)
	})
}

// DeregisterVenue removes a venue.
// DELETE /api/admin/venues/{address}
func (h *AdminHandler) DeregisterVenue(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid venue address")
		return
	}
	h.run(w, r, "deregister_venue", nil, func(ctx context.Context, admin common.Address) error {
		return h.admin.DeregisterVenue(ctx, admin, addr)
	})
}

// SetProfitShares replaces the profit recipients.
// PUT /api/admin/shares
func (h *AdminHandler) SetProfitShares(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	h.run(w, r, "set_profit_shares", &req, func(ctx context.Context, admin common.Address) error {
		return h.admin.SetProfitShares(ctx, admin, req.Shares)
	})
}

// SetVolatilityIndex overrides the volatility index.
// PUT /api/admin/volatility
func (h *AdminHandler) SetVolatilityIndex(w http.ResponseWriter, r *http.Request) {
	var req volatilityRequest
	h.run(w, r, "set_volatility_index", &req, func(ctx context.Context, admin common.Address) error {
		return h.admin.SetVolatilityIndex(ctx, admin, req.Index)
	})
}

// AuditLog lists audited changes newest first. It accepts action and actor
// filters on top of the usual pagination and time window.
// GET /api/admin/audit
func (h *AdminHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := domain.AuditFilter{ListOpts: opts}
	q := r.URL.Query()
	if v := q.Get("action"); v != "" {
		if f.Action, err = domain.ParseAuditAction(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("actor"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, http.StatusBadRequest, "invalid actor address")
			return
		}
		actor := common.HexToAddress(v)
		f.Actor = &actor
	}

	events, err := h.admin.AuditLog(r.Context(), f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit log failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Events: events})
}

// run resolves the signing administrator, decodes body into dst when non-nil and
// applies fn. Rejections that are neither authorization nor lookup failures
// are reported as bad requests.
func (h *AdminHandler) run(w http.ResponseWriter, r *http.Request, action string, dst any, fn func(ctx context.Context, admin common.Address) error) {
	admin, ok := signerOf(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnsigned)
		return
	}
	if dst != nil {
		if err := decodeBody(w, r, dst); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if err := fn(r.Context(), admin); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		h.logger.InfoContext(r.Context(), "admin request rejected",
			slog.String("action", action),
			slog.String("admin", admin.Hex()),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": action})
}

type badRequest string

func (e badRequest) Error() string { return string(e) }
