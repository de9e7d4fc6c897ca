package monitor

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/feng04-qyq/backend/internal/events"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, message)
	return nil
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics("abc123", "test")

	m.CacheLookup("balance", true)
	m.CacheLookup("balance", false)
	m.CacheLookup("balance", true)
	m.SourceAnswer("balance", "database")
	m.WSConnections(1)
	m.WSConnections(1)
	m.WSConnections(-1)
	m.EventDropped(events.EventTradeOpen)
	m.VaultOperation("store", "ok")
	m.ProviderValidation("bybit", "soft_pass")
	m.ObserveHTTP("GET", "/api/balance", 200, 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("balance", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("balance", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sourceAnswers.WithLabelValues("balance", "database")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("trade_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/balance", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.info.WithLabelValues("abc123", "test")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewMetrics("abc123", "test")
	m.VaultOperation("submit", "decryption_failed")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `bridge_vault_operations_total{op="submit",outcome="decryption_failed"} 1`)
	assert.Contains(t, string(body), `bridge_info{instance="abc123",version="test"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMonitorForwardsRiskWarnings(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	m := NewMetrics("abc123", "test")
	mon := &Monitor{Bus: bus, Sink: sink, Metrics: m}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)

	bus.Publish(events.Message{Type: events.EventTradeOpen, Payload: &events.TradeOpen{TradeID: "x"}})
	bus.Publish(events.Message{
		Type:    events.EventRiskWarning,
		UserID:  "7",
		At:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: &events.RiskWarning{Level: "critical", Message: "drawdown limit", Metric: "drawdown_pct", Value: 12, Threshold: 10},
	})

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "[2026-03-01T12:00:00Z] user=7 critical: drawdown limit (drawdown_pct=12.00 threshold=10.00)", sink.all()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskWarnings.WithLabelValues("critical")))
}
