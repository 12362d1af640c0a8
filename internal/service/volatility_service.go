package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// VolatilityPair is one reference quote sampled by the volatility service.
type VolatilityPair struct {
	Venue    common.Address
	TokenIn  common.Address
	TokenOut common.Address
	Fee      uint32
	AmountIn *big.Int
}

func (p VolatilityPair) String() string {
	return fmt.Sprintf("%s:%s/%s:%d", p.Venue.Hex(), p.TokenIn.Hex(), p.TokenOut.Hex(), p.Fee)
}

// VolatilityTarget receives the computed index.
type VolatilityTarget interface {
	SetVolatilityIndex(index uint32)
}

// VolatilityService quotes reference pairs on a fixed interval and feeds the
// profit guard a volatility index: the population standard deviation of the
// period-over-period price changes, in basis points, of the most volatile
// pair over the last window samples.
type VolatilityService struct {
	oracle domain.QuoteOracle
	target VolatilityTarget
	pairs  []VolatilityPair
	window int
	logger *slog.Logger

	mu     sync.Mutex
	prices [][]float64
	index  uint32
}

// NewVolatilityService creates a VolatilityService. window is the number of
// returns considered and must be at least 2.
func NewVolatilityService(oracle domain.QuoteOracle, target VolatilityTarget, pairs []VolatilityPair, window int, logger *slog.Logger) *VolatilityService {
	if window < 2 {
		window = 2
	}
	return &VolatilityService{
		oracle: oracle,
		target: target,
		pairs:  pairs,
		window: window,
		prices: make([][]float64, len(pairs)),
		logger: logger.With(slog.String("component", "volatility_service")),
	}
}

// Index returns the last computed index.
func (s *VolatilityService) Index() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Sample quotes every pair once, updates the index and pushes it to the
// target. Pairs whose quote fails are skipped for this round.
func (s *VolatilityService) Sample(ctx context.Context) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var worst float64
	for i, p := range s.pairs {
		q, err := s.oracle.Quote(ctx, domain.QuoteParams{
			Venue:    p.Venue,
			TokenIn:  p.TokenIn,
			TokenOut: p.TokenOut,
			AmountIn: p.AmountIn,
			Fee:      p.Fee,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "reference quote failed",
				slog.String("pair", p.String()),
				slog.String("error", err.Error()),
			)
		} else if price, ok := ratio(q.AmountOut, p.AmountIn); ok {
			h := append(s.prices[i], price)
			if len(h) > s.window+1 {
				h = h[len(h)-s.window-1:]
			}
			s.prices[i] = h
		}
		if sd := stddevBps(s.prices[i]); sd > worst {
			worst = sd
		}
	}

	s.index = clampIndex(worst)
	s.target.SetVolatilityIndex(s.index)
	s.logger.DebugContext(ctx, "volatility sampled", slog.Uint64("index", uint64(s.index)))
	return s.index
}

// Run samples every interval until ctx is cancelled.
func (s *VolatilityService) Run(ctx context.Context, interval time.Duration) error {
	if len(s.pairs) == 0 {
		s.logger.InfoContext(ctx, "no reference pairs configured, volatility sampler idle")
		<-ctx.Done()
		return nil
	}
	s.logger.InfoContext(ctx, "volatility sampler started",
		slog.Int("pairs", len(s.pairs)),
		slog.Duration("interval", interval),
		slog.Int("window", s.window),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Sample(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func ratio(out, in *big.Int) (float64, bool) {
	if out == nil || in == nil || in.Sign() <= 0 || out.Sign() <= 0 {
		return 0, false
	}
	r, _ := new(big.Float).Quo(new(big.Float).SetInt(out), new(big.Float).SetInt(in)).Float64()
	return r, r > 0 && !math.IsInf(r, 0)
}

// stddevBps is the population standard deviation of consecutive relative
// changes in prices, in basis points. Fewer than two returns yield zero.
func stddevBps(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1]*domain.MaxBps)
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

func clampIndex(v float64) uint32 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(math.Round(v))
	}
}
