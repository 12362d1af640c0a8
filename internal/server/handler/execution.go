package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/service"
)

// ExecutionService is what the execution handler needs from the service
// layer.
type ExecutionService interface {
	Execute(ctx context.Context, caller common.Address, req domain.TradeRequest) (domain.TradeResult, error)
	Get(ctx context.Context, id uint64) (domain.TradeResult, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeResult, error)
	Statistics() domain.Statistics
	Breaker() domain.CircuitBreakerState
	FailedRoutes() []domain.FailedRouteRecord
	MinProfitBps(requestBps uint32) uint32
}

// ExecutionHandler serves trade execution, history and engine state.
type ExecutionHandler struct {
	executions ExecutionService
	logger     *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(executions ExecutionService, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		executions: executions,
		logger:     logHandler(logger, "execution"),
	}
}

type listExecutionsResponse struct {
	Executions []domain.TradeResult `json:"executions"`
}

type statsResponse struct {
	Statistics   domain.Statistics `json:"statistics"`
	MinProfitBps uint32            `json:"min_profit_bps"`
}

type routesResponse struct {
	Routes []domain.FailedRouteRecord `json:"routes"`
}

// Execute runs one arbitrage request as the request signer. A recorded
// failure is returned with its class, stage and the stored result.
// POST /api/executions
func (h *ExecutionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	caller, ok := signerOf(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnsigned)
		return
	}
	var in service.ExecutionInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req, err := in.Decode(caller)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	res, err := h.executions.Execute(r.Context(), caller, req)
	if err != nil {
		status := statusFor(err)
		body := errorBody{Error: err.Error(), Class: domain.Classify(err)}
		body.Stage, body.Step = domain.StageOf(err)
		if res.ID != 0 {
			body.Result = &res
		}
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "execution failed",
				slog.String("caller", caller.Hex()),
				slog.String("error", err.Error()),
			)
			body.Error = "execution failed"
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListExecutions returns recorded attempts, newest first.
// GET /api/executions?limit=50&offset=0&since=...&until=...
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := h.executions.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if results == nil {
		results = []domain.TradeResult{}
	}
	writeJSON(w, http.StatusOK, listExecutionsResponse{Executions: results})
}

// GetExecution returns one attempt by id.
// GET /api/executions/{id}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid execution id")
		return
	}
	res, err := h.executions.Get(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, "execution not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get execution failed",
			slog.Uint64("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stats returns the aggregate statistics and the current base threshold.
// GET /api/stats
func (h *ExecutionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Statistics:   h.executions.Statistics(),
		MinProfitBps: h.executions.MinProfitBps(0),
	})
}

// Breaker returns the circuit breaker window.
// GET /api/breaker
func (h *ExecutionHandler) Breaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.executions.Breaker())
}

// Routes returns the failed-route table.
// GET /api/routes
func (h *ExecutionHandler) Routes(w http.ResponseWriter, r *http.Request) {
	routes := h.executions.FailedRoutes()
	if routes == nil {
		routes = []domain.FailedRouteRecord{}
	}
	writeJSON(w, http.StatusOK, routesResponse{Routes: routes})
}
