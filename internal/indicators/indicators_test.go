package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	assert.Equal(t, 0.0, SMA([]float64{1, 2}, 3))
	assert.Equal(t, 3.0, SMA([]float64{1, 2, 3, 4}, 3))
}

func TestRSI(t *testing.T) {
	assert.Equal(t, -1.0, RSI([]float64{1, 2, 3}, 3))
	assert.Equal(t, 100.0, RSI([]float64{1, 2, 3, 4}, 3))
	assert.Equal(t, 0.0, RSI([]float64{4, 3, 2, 1}, 3))
	assert.InDelta(t, 50.0, RSI([]float64{10, 11, 10, 11, 10}, 4), 1e-9)
}

func TestEngineWindowAndReadiness(t *testing.T) {
	e := NewEngine(2, 4, 3, 0)
	var s Snapshot
	for _, p := range []float64{10, 11, 12} {
		s = e.Update("BTCUSDT", p)
	}
	assert.False(t, s.Ready)

	s = e.Update("BTCUSDT", 13)
	assert.True(t, s.Ready)
	assert.Equal(t, 12.5, s.SMAShort)
	assert.Equal(t, 11.5, s.SMALong)
	assert.Equal(t, 100.0, s.RSI)

	// the window holds four prices, so the oldest drops out
	s = e.Update("BTCUSDT", 14)
	assert.Equal(t, 12.5, s.SMALong)

	assert.False(t, e.Update("ETHUSDT", 3000).Ready)
	e.Reset()
	assert.False(t, e.Update("BTCUSDT", 15).Ready)
}

func TestEvaluate(t *testing.T) {
	cases := map[string]struct {
		in     Snapshot
		action string
	}{
		"warming up": {Snapshot{}, "HOLD"},
		"oversold":   {Snapshot{Ready: true, RSI: 20, SMAShort: 100, SMALong: 100}, "BUY"},
		"overbought": {Snapshot{Ready: true, RSI: 85, SMAShort: 100, SMALong: 100}, "SELL"},
		"uptrend":    {Snapshot{Ready: true, RSI: 55, SMAShort: 101, SMALong: 100}, "BUY"},
		"downtrend":  {Snapshot{Ready: true, RSI: 45, SMAShort: 99, SMALong: 100}, "SELL"},
		"flat":       {Snapshot{Ready: true, RSI: 50, SMAShort: 100, SMALong: 100}, "HOLD"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sig := Evaluate(tc.in)
			assert.Equal(t, tc.action, sig.Action)
			assert.GreaterOrEqual(t, sig.Confidence, 50.0)
			assert.LessOrEqual(t, sig.Confidence, 95.0)
			assert.NotEmpty(t, sig.Reason)
		})
	}
	assert.Equal(t, 65.0, Evaluate(Snapshot{Ready: true, RSI: 20}).Confidence)
}
