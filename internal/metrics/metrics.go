// Package metrics exposes broker counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_broker_connections_total",
		Help: "The total number of TCP connections accepted by the broker.",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_broker_connections_active",
		Help: "The number of currently open connections.",
	})

	ConnectsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_broker_connects_rejected_total",
		Help: "CONNECT packets answered with a non-zero return code.",
	},
		[]string{"code"},
	)

	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_broker_packets_received_total",
		Help: "Control packets received, by type.",
	},
		[]string{"type"},
	)

	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_broker_protocol_violations_total",
		Help: "Connections force-closed for malformed or out of sequence packets.",
	})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_broker_messages_delivered_total",
		Help: "PUBLISH packets sent to subscribers, by qos.",
	},
		[]string{"qos"},
	)

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_broker_messages_dropped_total",
		Help: "Deliveries skipped because the subscriber was offline or had no free message id.",
	})

	KeepAliveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_broker_keepalive_timeouts_total",
		Help: "Connections closed by the keep-alive monitor.",
	})
)

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.InfoF("Metrics server listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
