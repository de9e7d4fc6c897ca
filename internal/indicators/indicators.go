// Package indicators keeps rolling price windows and turns them into a
// directional signal.
package indicators

import (
	"fmt"
	"math"
	"sync"
)

// SMA is the simple moving average of the last period values, or zero when
// the window is shorter than period.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// RSI is the unsmoothed relative strength index over the last period changes.
// It returns -1 while fewer than period+1 values are available.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return -1
	}
	var gain, loss float64
	for i := len(values) - period; i < len(values); i++ {
		if change := values[i] - values[i-1]; change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// Snapshot is the indicator state of one symbol after an update.
type Snapshot struct {
	Price    float64
	SMAShort float64
	SMALong  float64
	RSI      float64
	Ready    bool
}

// Signal is a directional call derived from a Snapshot.
type Signal struct {
	Action     string // BUY, SELL or HOLD
	Confidence float64
	Reason     string
}

// Engine keeps one bounded price window per symbol.
type Engine struct {
	mu      sync.Mutex
	prices  map[string][]float64
	window  int
	shortMA int
	longMA  int
	rsi     int
}

func NewEngine(shortMA, longMA, rsiPeriod, window int) *Engine {
	window = max(window, longMA, rsiPeriod+1)
	return &Engine{
		prices:  make(map[string][]float64),
		window:  window,
		shortMA: shortMA,
		longMA:  longMA,
		rsi:     rsiPeriod,
	}
}

// Update appends price to the symbol's window and returns the new snapshot.
func (e *Engine) Update(symbol string, price float64) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	arr := append(e.prices[symbol], price)
	if len(arr) > e.window {
		arr = arr[len(arr)-e.window:]
	}
	e.prices[symbol] = arr

	rsi := RSI(arr, e.rsi)
	return Snapshot{
		Price:    price,
		SMAShort: SMA(arr, e.shortMA),
		SMALong:  SMA(arr, e.longMA),
		RSI:      rsi,
		Ready:    len(arr) >= e.longMA && rsi >= 0,
	}
}

// Reset forgets every window.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.prices = make(map[string][]float64)
	e.mu.Unlock()
}

// Evaluate reads an oversold/overbought RSI as a reversal and otherwise
// follows the moving-average trend. Confidence is 50-95.
func Evaluate(s Snapshot) Signal {
	if !s.Ready {
		return Signal{Action: "HOLD", Confidence: 50, Reason: "indicators warming up"}
	}
	trend := 0.0
	if s.SMALong > 0 {
		trend = (s.SMAShort - s.SMALong) / s.SMALong * 100
	}
	switch {
	case s.RSI <= 30:
		return Signal{Action: "BUY", Confidence: confidence(30 - s.RSI), Reason: fmt.Sprintf("RSI %.1f oversold", s.RSI)}
	case s.RSI >= 70:
		return Signal{Action: "SELL", Confidence: confidence(s.RSI - 70), Reason: fmt.Sprintf("RSI %.1f overbought", s.RSI)}
	case trend >= 0.05:
		return Signal{Action: "BUY", Confidence: confidence(trend * 100), Reason: fmt.Sprintf("short MA %.2f%% above long MA, RSI %.1f", trend, s.RSI)}
	case trend <= -0.05:
		return Signal{Action: "SELL", Confidence: confidence(-trend * 100), Reason: fmt.Sprintf("short MA %.2f%% below long MA, RSI %.1f", -trend, s.RSI)}
	}
	return Signal{Action: "HOLD", Confidence: 50, Reason: fmt.Sprintf("no trend, RSI %.1f", s.RSI)}
}

func confidence(strength float64) float64 {
	return math.Round(min(95, 55+strength)*100) / 100
}
