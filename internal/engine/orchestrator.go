// Package engine drives flash-loan funded arbitrage executions: admission,
// route validation, the loan callback, swaps, profit checks, repayment and
// distribution, all as one unit that is unwound on any failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// VenueRegistry resolves venues and accepts administrative changes.
type VenueRegistry interface {
	domain.VenueResolver
	Register(v domain.SwapVenue)
	Deregister(addr common.Address) bool
}

// Config holds the orchestrator's fixed settings.
type Config struct {
	// Self is the engine's account on the ledger.
	Self common.Address
	// MEVBlockSpacing is the minimum number of blocks between a caller's
	// successful execution and its next MEV-protected one.
	MEVBlockSpacing uint64
	// ExecutionBudget bounds wall time between admission and the loan
	// callback. Zero disables the check.
	ExecutionBudget time.Duration
	// DivergenceBps records a route failure when realized profit falls
	// short of the projected profit by more than this share of the loan.
	// Zero disables divergence tracking.
	DivergenceBps uint32
	Gas           GasSchedule
}

// Deps are the collaborators and aggregate holders of an Orchestrator.
type Deps struct {
	Ledger      domain.Ledger
	Lender      domain.Lender
	Oracle      domain.QuoteOracle
	Venues      VenueRegistry
	Breaker     *Breaker
	Guard       *Guard
	Routes      *RouteValidator
	Distributor *Distributor
	Stats       *Stats
	History     *History
	Auth        *Authorizer
	Events      domain.EventSink
	Clock       domain.Clock
}

// Orchestrator is the flash-loan execution state machine. It is also the
// FlashBorrower the lender calls back into.
type Orchestrator struct {
	cfg Config

	ledger      domain.Ledger
	lender      domain.Lender
	oracle      domain.QuoteOracle
	venues      VenueRegistry
	breaker     *Breaker
	guard       *Guard
	routes      *RouteValidator
	swaps       *SwapExecutor
	distributor *Distributor
	stats       *Stats
	history     *History
	auth        *Authorizer
	events      domain.EventSink
	clock       domain.Clock
	logger      *slog.Logger

	inProgress atomic.Bool
	pending    *domain.ExecutionContext

	mevMu    sync.Mutex
	lastExec map[common.Address]uint64
}

var _ domain.FlashBorrower = (*Orchestrator)(nil)

// New wires an orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	case deps.Lender == nil:
		return nil, errors.New("engine: lender is required")
	case deps.Venues == nil:
		return nil, errors.New("engine: venue registry is required")
	case deps.Breaker == nil, deps.Guard == nil, deps.Routes == nil, deps.Distributor == nil:
		return nil, errors.New("engine: breaker, guard, route validator and distributor are required")
	}
	if cfg.Self == (common.Address{}) {
		return nil, errors.New("engine: engine account must not be the zero address")
	}
	if cfg.Gas == (GasSchedule{}) {
		cfg.Gas = DefaultGasSchedule
	}
	if deps.Oracle == nil {
		return nil, errors.New("engine: quote oracle is required")
	}
	if deps.Stats == nil {
		deps.Stats = NewStats()
	}
	if deps.History == nil {
		deps.History = NewHistory(0)
	}
	if deps.Auth == nil {
		deps.Auth = NewAuthorizer(nil, nil)
	}
	if deps.Events == nil {
		deps.Events = domain.EventSinkFunc(func(context.Context, domain.Event) {})
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}

	return &Orchestrator{
		cfg:         cfg,
		ledger:      deps.Ledger,
		lender:      deps.Lender,
		oracle:      deps.Oracle,
		venues:      deps.Venues,
		breaker:     deps.Breaker,
		guard:       deps.Guard,
		routes:      deps.Routes,
		swaps:       NewSwapExecutor(cfg.Self, deps.Ledger, deps.Venues, deps.Clock),
		distributor: deps.Distributor,
		stats:       deps.Stats,
		history:     deps.History,
		auth:        deps.Auth,
		events:      deps.Events,
		clock:       deps.Clock,
		logger:      logger.With(slog.String("component", "orchestrator")),
		lastExec:    make(map[common.Address]uint64),
	}, nil
}

// Address is the engine account the lender pays into.
func (o *Orchestrator) Address() common.Address { return o.cfg.Self }

// RequestExecution runs one trade as an atomic unit. The returned result is
// appended to the history whether or not the trade succeeded; on failure
// the error carries the sentinel and the failing stage.
func (o *Orchestrator) RequestExecution(ctx context.Context, call domain.Call, req domain.TradeRequest) (domain.TradeResult, error) {
	if !o.inProgress.CompareAndSwap(false, true) {
		return domain.TradeResult{}, domain.ErrReentrantCall
	}
	defer o.inProgress.Store(false)

	now := o.clock.Now()
	ec := &domain.ExecutionContext{
		ID:        uuid.NewString(),
		Request:   req,
		Call:      call,
		State:     domain.ExecPending,
		StartedAt: now,
		Budget:    o.cfg.ExecutionBudget,
	}
	o.emit(ctx, domain.EventTradeStarted, ec.ID, map[string]any{
		"caller": call.Caller.Hex(),
		"token":  req.BaseToken().Hex(),
		"loan":   bigString(req.LoanAmount),
		"hops":   req.Hops(),
	})

	if err := o.checkPreconditions(call, req, now); err != nil {
		return o.fail(ctx, ec, &domain.ExecutionError{Stage: domain.StageAdmission, Err: err}, false)
	}
	change, tripped, err := o.runUnit(ctx, ec, now)
	if err != nil {
		return o.fail(ctx, ec, err, tripped)
	}
	res, err := o.succeed(ctx, ec)
	if change != nil {
		o.emitBreakerTransition(ctx, change.from, change.to)
	}
	return res, err
}

// breakerChange is an admission-time transition, reported only once the
// unit that caused it commits.
type breakerChange struct {
	from, to domain.BreakerState
}

func (o *Orchestrator) checkPreconditions(call domain.Call, req domain.TradeRequest, now time.Time) error {
	if err := req.WellFormed(); err != nil {
		return err
	}
	if now.After(req.Deadline) {
		return fmt.Errorf("submission: %w", domain.ErrDeadlineExpired)
	}
	if !o.auth.CanExecute(call.Caller) {
		return fmt.Errorf("caller %s: %w", call.Caller.Hex(), domain.ErrUnauthorized)
	}
	if req.MEVProtection && o.cfg.MEVBlockSpacing > 0 {
		o.mevMu.Lock()
		last, ok := o.lastExec[call.Caller]
		o.mevMu.Unlock()
		if ok && call.BlockNumber < last+o.cfg.MEVBlockSpacing {
			return fmt.Errorf("last execution at block %d, now %d: %w", last, call.BlockNumber, domain.ErrMevProtectionActive)
		}
	}
	if req.MaxGasPrice != nil && call.GasPrice != nil && call.GasPrice.Cmp(req.MaxGasPrice) > 0 {
		return fmt.Errorf("gas price %s above %s: %w", call.GasPrice, req.MaxGasPrice, domain.ErrGasPriceTooHigh)
	}
	return nil
}

// runUnit performs steps that must leave no trace on failure. Ledger and
// breaker are snapshotted first and restored unless the unit commits.
func (o *Orchestrator) runUnit(ctx context.Context, ec *domain.ExecutionContext, now time.Time) (change *breakerChange, tripped bool, err error) {
	req := ec.Request
	ledgerSnap := o.ledger.Snapshot()
	breakerSnap := o.breaker.Snapshot()
	defer func() {
		if err != nil {
			o.ledger.RevertToSnapshot(ledgerSnap)
			o.breaker.Restore(breakerSnap)
		}
	}()

	state, prev := o.breaker.Admit(req.LoanAmount, now)
	if state == domain.BreakerEmergency {
		return nil, true, &domain.ExecutionError{Stage: domain.StageAdmission, Err: domain.ErrCircuitBreakerTripped}
	}
	if state != prev {
		change = &breakerChange{from: prev, to: state}
	}

	if err := o.routes.Validate(req, now); err != nil {
		return nil, false, &domain.ExecutionError{Stage: domain.StageValidation, Err: err}
	}

	fee := o.lender.FlashFee(req.BaseToken(), req.LoanAmount)
	expectedOut, err := o.quoteRoute(ctx, req)
	if err != nil {
		return nil, false, &domain.ExecutionError{Stage: domain.StagePreCheck, Err: err}
	}
	ec.ExpectedProfit = profitOf(expectedOut, req.LoanAmount, fee)
	ec.DynamicMinProfit = o.guard.MinProfit(req.LoanAmount, req.MinProfitBps)
	if !Sufficient(ec.ExpectedProfit, ec.DynamicMinProfit) {
		return nil, false, &domain.ExecutionError{Stage: domain.StagePreCheck, Err: fmt.Errorf(
			"projected %s, minimum %s: %w", ec.ExpectedProfit, ec.DynamicMinProfit, domain.ErrInsufficientProjectedProfit)}
	}

	o.pending = ec
	defer func() { o.pending = nil }()
	err = o.lender.RequestLoan(ctx, o, []common.Address{req.BaseToken()}, []*big.Int{req.LoanAmount}, []byte(ec.ID))
	if err != nil {
		var ee *domain.ExecutionError
		if errors.As(err, &ee) {
			return nil, false, err
		}
		if errors.Is(err, domain.ErrRepaymentShortfall) {
			return nil, false, &domain.ExecutionError{Stage: domain.StageRepayment, Step: req.Hops(), Err: err}
		}
		return nil, false, &domain.ExecutionError{Stage: domain.StageLoan, Err: err}
	}
	if ec.State != domain.ExecExecuting {
		return nil, false, &domain.ExecutionError{Stage: domain.StageLoan, Err: errors.New("lender returned without invoking the callback")}
	}
	return change, false, nil
}

// OnLoanReceived is the lender callback. It runs the route, checks the
// realized profit, repays and distributes.
func (o *Orchestrator) OnLoanReceived(ctx context.Context, lender common.Address, tokens []common.Address, amounts, fees []*big.Int, data []byte) error {
	if lender != o.lender.Address() {
		return &domain.ExecutionError{Stage: domain.StageCallback, Err: fmt.Errorf("callback from %s: %w", lender.Hex(), domain.ErrUnauthorized)}
	}
	ec := o.pending
	if ec == nil || ec.State != domain.ExecPending || string(data) != ec.ID {
		return &domain.ExecutionError{Stage: domain.StageCallback, Err: domain.ErrOrphanCallback}
	}
	req := ec.Request
	if len(tokens) != 1 || len(amounts) != 1 || len(fees) != 1 || amounts[0] == nil || fees[0] == nil {
		return &domain.ExecutionError{Stage: domain.StageCallback, Err: fmt.Errorf("%w: grant has %d tokens, %d amounts, %d fees",
			domain.ErrOrphanCallback, len(tokens), len(amounts), len(fees))}
	}
	if tokens[0] != req.BaseToken() || amounts[0].Cmp(req.LoanAmount) != 0 {
		return &domain.ExecutionError{Stage: domain.StageCallback, Err: fmt.Errorf("%w: grant does not match request", domain.ErrOrphanCallback)}
	}
	ec.State = domain.ExecExecuting
	ec.Grant = &domain.LoanGrant{Lender: lender, Tokens: tokens, Amounts: amounts, Fees: fees}

	now := o.clock.Now()
	if now.After(req.Deadline) {
		return &domain.ExecutionError{Stage: domain.StageCallback, Err: fmt.Errorf("callback: %w", domain.ErrDeadlineExpired)}
	}
	if ec.Budget > 0 && ec.Elapsed(now) > ec.Budget {
		return &domain.ExecutionError{Stage: domain.StageCallback, Err: fmt.Errorf("budget %s exhausted: %w", ec.Budget, domain.ErrDeadlineExpired)}
	}

	base := req.BaseToken()
	ec.StartingBalances = make(map[common.Address]*big.Int, len(req.Path))
	for _, token := range req.Path {
		if _, ok := ec.StartingBalances[token]; ok {
			continue
		}
		bal := o.ledger.BalanceOf(token, o.cfg.Self)
		if token == base {
			bal.Sub(bal, amounts[0])
		}
		ec.StartingBalances[token] = bal
	}

	amountIn := new(big.Int).Set(req.LoanAmount)
	for i, leg := range req.Legs() {
		step := i + 1
		minOut := big.NewInt(1)
		if i > 0 {
			q, err := o.oracle.Quote(ctx, domain.QuoteParams{
				Venue: leg.Venue, TokenIn: leg.TokenIn, TokenOut: leg.TokenOut, AmountIn: amountIn, Fee: leg.Fee,
			})
			if err != nil {
				return &domain.ExecutionError{Stage: domain.StageSwap, Step: step, Err: err}
			}
			minOut = domain.BpsOf(q.AmountOut, domain.MaxBps-req.MaxSlippageBps)
			if minOut.Sign() == 0 {
				minOut.SetInt64(1)
			}
		}
		out, err := o.swaps.Swap(ctx, SwapParams{
			Venue:        leg.Venue,
			TokenIn:      leg.TokenIn,
			TokenOut:     leg.TokenOut,
			AmountIn:     amountIn,
			MinAmountOut: minOut,
			Fee:          leg.Fee,
			Deadline:     req.Deadline,
		})
		if err != nil {
			return &domain.ExecutionError{Stage: domain.StageSwap, Step: step, Err: err}
		}
		ec.LegOutputs = append(ec.LegOutputs, out)
		amountIn = out
	}

	hops := req.Hops()
	ending := o.ledger.BalanceOf(base, o.cfg.Self)
	realized := new(big.Int).Sub(ending, ec.StartingBalances[base])
	realized.Sub(realized, amounts[0]).Sub(realized, fees[0])
	ec.RealizedProfit = realized
	ec.DynamicMinProfit = o.guard.MinProfit(req.LoanAmount, req.MinProfitBps)
	if !Sufficient(realized, ec.DynamicMinProfit) {
		return &domain.ExecutionError{Stage: domain.StageProfit, Step: hops, Err: fmt.Errorf(
			"realized %s, minimum %s: %w", realized, ec.DynamicMinProfit, domain.ErrInsufficientRealizedProfit)}
	}

	if err := o.ledger.Transfer(base, o.cfg.Self, lender, ec.Grant.Owed(0)); err != nil {
		return &domain.ExecutionError{Stage: domain.StageRepayment, Step: hops, Err: fmt.Errorf("%w: %w", domain.ErrRepaymentShortfall, err)}
	}

	payouts, err := o.distributor.Distribute(ctx, base, o.cfg.Self, realized, ec.Call.Caller)
	if err != nil {
		return &domain.ExecutionError{Stage: domain.StageDistribute, Step: hops, Err: err}
	}
	ec.Payouts = payouts
	return nil
}

func (o *Orchestrator) quoteRoute(ctx context.Context, req domain.TradeRequest) (*big.Int, error) {
	amount := new(big.Int).Set(req.LoanAmount)
	for _, leg := range req.Legs() {
		q, err := o.oracle.Quote(ctx, domain.QuoteParams{
			Venue: leg.Venue, TokenIn: leg.TokenIn, TokenOut: leg.TokenOut, AmountIn: amount, Fee: leg.Fee,
		})
		if err != nil {
			return nil, fmt.Errorf("quote %s: %w", leg.Venue.Hex(), err)
		}
		if q.AmountOut == nil || q.AmountOut.Sign() <= 0 {
			return nil, fmt.Errorf("quote %s: zero output: %w", leg.Venue.Hex(), domain.ErrVenueUnavailable)
		}
		amount = q.AmountOut
	}
	return amount, nil
}

func (o *Orchestrator) succeed(ctx context.Context, ec *domain.ExecutionContext) (domain.TradeResult, error) {
	if c, ok := o.ledger.(interface{ Commit() }); ok {
		c.Commit()
	}
	ec.State = domain.ExecCommitted
	req, call := ec.Request, ec.Call
	now := o.clock.Now()

	o.mevMu.Lock()
	o.lastExec[call.Caller] = call.BlockNumber
	o.mevMu.Unlock()

	gas := o.cfg.Gas.Success(req.Hops(), len(ec.Payouts))
	o.stats.recordSuccess(req.LoanAmount, ec.RealizedProfit, gas, req.MEVProtection, now, call.BlockNumber)

	if o.diverged(ec) {
		o.recordRouteFailure(ctx, ec, "profit divergence")
	}

	res := o.history.Append(o.baseResult(ec, now, gas, true))
	o.logger.InfoContext(ctx, "execution committed",
		slog.Uint64("id", res.ID),
		slog.String("execution_id", ec.ID),
		slog.String("profit", bigString(ec.RealizedProfit)),
		slog.Uint64("gas", gas),
		slog.Int("payouts", len(ec.Payouts)),
	)
	payouts := make([]map[string]string, 0, len(ec.Payouts))
	for _, p := range ec.Payouts {
		payouts = append(payouts, map[string]string{"recipient": p.Recipient.Hex(), "amount": p.Amount.String()})
	}
	o.emit(ctx, domain.EventTradeSucceeded, ec.ID, map[string]any{
		"id":      res.ID,
		"route":   res.Route.Hex(),
		"token":   res.TokenIn.Hex(),
		"profit":  bigString(ec.RealizedProfit),
		"gas":     gas,
		"payouts": payouts,
	})
	return res, nil
}

func (o *Orchestrator) fail(ctx context.Context, ec *domain.ExecutionContext, err error, tripped bool) (domain.TradeResult, error) {
	ec.State = domain.ExecAborted
	stage, step := domain.StageOf(err)
	class := domain.Classify(err)
	now := o.clock.Now()

	if class == domain.ClassExecution {
		o.recordRouteFailure(ctx, ec, string(class))
	} else if errors.Is(err, domain.ErrInsufficientRealizedProfit) && o.diverged(ec) {
		o.recordRouteFailure(ctx, ec, "profit divergence")
	}
	o.stats.recordFailure(tripped)

	res := o.baseResult(ec, now, o.cfg.Gas.Failure(stage, step), false)
	res.FailureReason = err.Error()
	res.FailureClass = class
	res.FailedStage = stage
	res.FailedStep = step
	res = o.history.Append(res)

	o.logger.WarnContext(ctx, "execution aborted",
		slog.Uint64("id", res.ID),
		slog.String("execution_id", ec.ID),
		slog.String("class", string(class)),
		slog.String("stage", string(stage)),
		slog.Int("step", step),
		slog.String("error", err.Error()),
	)
	o.emit(ctx, domain.EventTradeFailed, ec.ID, map[string]any{
		"id":     res.ID,
		"class":  string(class),
		"stage":  string(stage),
		"step":   step,
		"reason": err.Error(),
	})
	return res, err
}

// diverged applies the divergence policy to a context whose realized
// profit is known.
func (o *Orchestrator) diverged(ec *domain.ExecutionContext) bool {
	if o.cfg.DivergenceBps == 0 || ec.ExpectedProfit == nil || ec.RealizedProfit == nil {
		return false
	}
	shortfall := new(big.Int).Sub(ec.ExpectedProfit, ec.RealizedProfit)
	return shortfall.Cmp(domain.BpsOf(ec.Request.LoanAmount, o.cfg.DivergenceBps)) > 0
}

func (o *Orchestrator) recordRouteFailure(ctx context.Context, ec *domain.ExecutionContext, reason string) {
	fp := ec.Request.Fingerprint()
	rec := o.routes.RecordFailure(fp, o.clock.Now())
	o.logger.WarnContext(ctx, "route failure recorded",
		slog.String("route", fp.Hex()),
		slog.Uint64("failures", uint64(rec.Failures)),
		slog.Bool("blacklisted", o.routes.IsBlacklisted(fp)),
	)
	o.emit(ctx, domain.EventRouteFailed, ec.ID, map[string]any{
		"route":       fp.Hex(),
		"failures":    rec.Failures,
		"reason":      reason,
		"blacklisted": o.routes.IsBlacklisted(fp),
	})
}

func (o *Orchestrator) baseResult(ec *domain.ExecutionContext, now time.Time, gas uint64, success bool) domain.TradeResult {
	req, call := ec.Request, ec.Call
	res := domain.TradeResult{
		ExecutionID:    ec.ID,
		Success:        success,
		Caller:         call.Caller,
		TokenIn:        req.BaseToken(),
		Venues:         append([]common.Address(nil), req.Venues...),
		LoanAmount:     cloneOrZero(req.LoanAmount),
		LoanFee:        new(big.Int),
		ExpectedProfit: cloneOrZero(ec.ExpectedProfit),
		RealizedProfit: cloneOrZero(ec.RealizedProfit),
		GasUsed:        gas,
		GasPrice:       cloneOrZero(call.GasPrice),
		BlockNumber:    call.BlockNumber,
		MEVProtected:   req.MEVProtection,
		Timestamp:      now,
	}
	if len(req.Path) > 1 {
		res.TokenOut = req.Path[1]
	}
	if len(req.Venues) == len(req.Path)-1 && len(req.Fees) == len(req.Venues) {
		res.Route = req.Fingerprint()
	}
	if ec.Grant != nil && len(ec.Grant.Fees) > 0 {
		res.LoanFee = cloneOrZero(ec.Grant.Fees[0])
	}
	return res
}

func (o *Orchestrator) emitBreakerTransition(ctx context.Context, from, to domain.BreakerState) {
	st := o.breaker.Snapshot()
	o.logger.InfoContext(ctx, "circuit breaker transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("volume", bigString(st.CurrentVolume)),
		slog.Uint64("trades", st.CurrentTrades),
	)
	o.emit(ctx, domain.EventBreakerTransition, "", map[string]any{
		"from":   string(from),
		"to":     string(to),
		"volume": bigString(st.CurrentVolume),
		"trades": st.CurrentTrades,
	})
}

func (o *Orchestrator) emit(ctx context.Context, kind domain.EventKind, execID string, fields map[string]any) {
	o.events.Emit(ctx, domain.Event{Kind: kind, ExecutionID: execID, Fields: fields, At: o.clock.Now()})
}

func profitOf(out, loan, fee *big.Int) *big.Int {
	p := new(big.Int).Sub(out, loan)
	return p.Sub(p, fee)
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
