package service

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

type scriptedOracle struct {
	outs []int64
	i    int
}

func (o *scriptedOracle) Quote(context.Context, domain.QuoteParams) (domain.Quote, error) {
	if o.i >= len(o.outs) {
		return domain.Quote{}, errors.New("exhausted")
	}
	out := o.outs[o.i]
	o.i++
	return domain.Quote{AmountOut: big.NewInt(out)}, nil
}

type indexSink struct{ got []uint32 }

func (s *indexSink) SetVolatilityIndex(i uint32) { s.got = append(s.got, i) }

func TestStddevBps(t *testing.T) {
	assert.Zero(t, stddevBps(nil))
	assert.Zero(t, stddevBps([]float64{1, 1.01}))
	assert.Zero(t, stddevBps([]float64{1, 1, 1, 1}))

	// Returns +100 bps and -100 bps (approximately): stddev ~100.
	sd := stddevBps([]float64{1.00, 1.01, 0.9999})
	assert.InDelta(t, 100, sd, 0.5)
}

func TestClampIndex(t *testing.T) {
	assert.Equal(t, uint32(0), clampIndex(-3))
	assert.Equal(t, uint32(0), clampIndex(math.NaN()))
	assert.Equal(t, uint32(13), clampIndex(12.6))
	assert.Equal(t, uint32(math.MaxUint32), clampIndex(1e20))
}

func TestVolatilitySampling(t *testing.T) {
	oracle := &scriptedOracle{outs: []int64{10_000, 10_100, 9_999, 9_999}}
	sink := &indexSink{}
	pair := VolatilityPair{
		Venue:    common.HexToAddress("0x1"),
		TokenIn:  common.HexToAddress("0x2"),
		TokenOut: common.HexToAddress("0x3"),
		Fee:      3000,
		AmountIn: big.NewInt(10_000),
	}
	svc := NewVolatilityService(oracle, sink, []VolatilityPair{pair}, 2, discard())

	ctx := context.Background()
	assert.Zero(t, svc.Sample(ctx))
	assert.Zero(t, svc.Sample(ctx))
	idx := svc.Sample(ctx)
	assert.InDelta(t, 100, float64(idx), 1)

	// Window of 2 returns: the +100 bps move falls out, leaving -100 and 0.
	idx = svc.Sample(ctx)
	assert.InDelta(t, 50, float64(idx), 1)

	// A failed quote keeps the previous samples.
	assert.Equal(t, idx, svc.Sample(ctx))
	assert.Equal(t, idx, svc.Index())
	assert.Len(t, sink.got, 5)
}

func TestVolatilityRunIdleWithoutPairs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewVolatilityService(&scriptedOracle{}, &indexSink{}, nil, 10, discard())
	require.NoError(t, svc.Run(ctx, 0))
}
