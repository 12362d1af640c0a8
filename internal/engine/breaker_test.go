package engine

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

func newTestBreaker(t *testing.T, maxVolume int64, maxTrades uint64) (*Breaker, time.Time) {
	t.Helper()
	start := time.Unix(1_700_000_000, 0)
	b, err := NewBreaker(domain.BreakerLimits{
		MaxVolumePerPeriod: big.NewInt(maxVolume),
		MaxTradesPerPeriod: maxTrades,
		PeriodDuration:     time.Hour,
	}, start)
	require.NoError(t, err)
	return b, start
}

func TestBreakerAdmit(t *testing.T) {
	tests := []struct {
		name    string
		volumes []int64
		want    domain.BreakerState
	}{
		{name: "below warning", volumes: []int64{1000}, want: domain.BreakerNormal},
		{name: "warning at 80%", volumes: []int64{5000, 3000}, want: domain.BreakerWarning},
		{name: "emergency at 100%", volumes: []int64{9500, 500}, want: domain.BreakerEmergency},
		{name: "emergency above 100%", volumes: []int64{9500, 1000}, want: domain.BreakerEmergency},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, now := newTestBreaker(t, 10_000, 0)
			var got domain.BreakerState
			for _, v := range tc.volumes {
				got, _ = b.Admit(big.NewInt(v), now)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBreakerTradeLimit(t *testing.T) {
	b, now := newTestBreaker(t, 0, 3)
	s1, _ := b.Admit(big.NewInt(1), now)
	s2, _ := b.Admit(big.NewInt(1), now)
	s3, prev := b.Admit(big.NewInt(1), now)
	assert.Equal(t, domain.BreakerNormal, s1)
	assert.Equal(t, domain.BreakerNormal, s2)
	assert.Equal(t, domain.BreakerEmergency, s3)
	assert.Equal(t, domain.BreakerNormal, prev)
}

func TestBreakerMonotonicWithinPeriod(t *testing.T) {
	b, start := newTestBreaker(t, 1_000_000, 0)
	lastVolume := big.NewInt(0)
	var lastTrades uint64
	for i := 0; i < 10; i++ {
		b.Admit(big.NewInt(int64(100*i)), start.Add(time.Duration(i)*time.Minute))
		st := b.Snapshot()
		assert.True(t, st.CurrentVolume.Cmp(lastVolume) >= 0)
		assert.GreaterOrEqual(t, st.CurrentTrades, lastTrades)
		lastVolume, lastTrades = st.CurrentVolume, st.CurrentTrades
	}
}

func TestBreakerRollover(t *testing.T) {
	b, start := newTestBreaker(t, 10_000, 0)
	b.Admit(big.NewInt(9000), start)
	_, err := b.Force(domain.BreakerEmergency)
	require.NoError(t, err)

	state, _ := b.Admit(big.NewInt(1), start.Add(30*time.Minute))
	assert.Equal(t, domain.BreakerEmergency, state, "override holds within the period")

	later := start.Add(time.Hour)
	state, prev := b.Admit(big.NewInt(700), later)
	assert.Equal(t, domain.BreakerNormal, state)
	assert.Equal(t, domain.BreakerEmergency, prev)

	st := b.Snapshot()
	assert.Equal(t, int64(700), st.CurrentVolume.Int64())
	assert.Equal(t, uint64(1), st.CurrentTrades)
	assert.Equal(t, later, st.CurrentPeriodStart)
	assert.Empty(t, st.Override)
}

func TestBreakerSnapshotRestore(t *testing.T) {
	b, now := newTestBreaker(t, 10_000, 0)
	b.Admit(big.NewInt(100), now)
	snap := b.Snapshot()
	b.Admit(big.NewInt(9900), now)
	require.Equal(t, domain.BreakerEmergency, b.Snapshot().State)

	b.Restore(snap)
	st := b.Snapshot()
	assert.Equal(t, int64(100), st.CurrentVolume.Int64())
	assert.Equal(t, domain.BreakerNormal, st.State)

	// Mutating a snapshot does not leak into the breaker.
	snap.CurrentVolume.SetInt64(5)
	assert.Equal(t, int64(100), b.Snapshot().CurrentVolume.Int64())
}

func TestBreakerClearOverride(t *testing.T) {
	b, now := newTestBreaker(t, 10_000, 0)
	b.Admit(big.NewInt(8500), now)
	_, err := b.Force(domain.BreakerNormal)
	require.NoError(t, err)
	state, prev := b.ClearOverride()
	assert.Equal(t, domain.BreakerWarning, state)
	assert.Equal(t, domain.BreakerNormal, prev)

	_, err = b.Force("tripped")
	assert.Error(t, err)
}

func TestNewBreakerRejectsBadLimits(t *testing.T) {
	_, err := NewBreaker(domain.BreakerLimits{}, time.Now())
	assert.Error(t, err)
	_, err = NewBreaker(domain.BreakerLimits{PeriodDuration: time.Hour, WarningRatioBps: 10_001}, time.Now())
	assert.Error(t, err)
}
