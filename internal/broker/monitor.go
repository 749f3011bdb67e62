package broker

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/metrics"
)

// Monitor closes connections that stayed silent for longer than one and a
// half times their keep-alive.
type Monitor struct {
	broker   *Broker
	interval time.Duration
}

func NewMonitor(b *Broker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{broker: b, interval: interval}
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Sweep(ctx, now)
		}
	}
}

// Sweep checks every live connection against now and returns how many were
// closed. A keep-alive of zero disables the check.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) int {
	b := m.broker
	count := 0
	for _, connectionID := range b.transport.Connections() {
		clientID, ok, err := b.sockets.ClientID(ctx, connectionID)
		if err != nil {
			logger.ErrorF("[%s] Keep-alive check failed, details: %v", connectionID, err)
			continue
		}
		if !ok {
			continue
		}
		s, ok, err := b.clients.Find(ctx, clientID)
		if err != nil || !ok || s.KeepAlive == 0 {
			continue
		}
		last, ok := b.transport.LastActivity(connectionID)
		if !ok {
			continue
		}
		timeout := time.Duration(s.KeepAlive) * 1500 * time.Millisecond
		if now.Sub(last) > timeout {
			logger.InfoF("[%s] Client %s exceeded keep-alive of %ds", connectionID, clientID, s.KeepAlive)
			metrics.KeepAliveTimeouts.Inc()
			b.forceClose(connectionID)
			count++
		}
	}
	return count
}
