package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/feng04-qyq/backend/internal/events"
)

// Monitor watches risk warnings on the bus, counts them and forwards a
// formatted alert to the sink.
type Monitor struct {
	Bus     *events.Bus
	Sink    AlertSink
	Metrics *Metrics
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("[MONITOR] not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventRiskWarning, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				level := ""
				if w, ok := msg.Payload.(*events.RiskWarning); ok {
					level = w.Level
				}
				if m.Metrics != nil {
					m.Metrics.RiskWarning(level)
				}
				if err := m.Sink.Send(formatAlert(msg)); err != nil {
					log.Printf("[MONITOR] alert delivery failed: %v", err)
				}
			}
		}
	}()
}

func formatAlert(msg events.Message) string {
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	prefix := "[" + at.UTC().Format(time.RFC3339) + "]"
	if msg.UserID != "" {
		prefix += " user=" + msg.UserID
	}
	switch w := msg.Payload.(type) {
	case *events.RiskWarning:
		if w.Metric != "" {
			return fmt.Sprintf("%s %s: %s (%s=%.2f threshold=%.2f)", prefix, w.Level, w.Message, w.Metric, w.Value, w.Threshold)
		}
		return fmt.Sprintf("%s %s: %s", prefix, w.Level, w.Message)
	default:
		return prefix + " alert triggered"
	}
}
