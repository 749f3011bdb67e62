// Package server accepts MQTT clients over TCP and feeds their frames to the
// broker.
package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/mqtt"
	"golang.org/x/time/rate"
)

// firstPacketTimeout bounds how long a new connection may stay silent
// before sending CONNECT.
const firstPacketTimeout = time.Minute

type Server struct {
	port     int
	broker   *broker.Broker
	registry *connection.Registry
	sem      chan struct{}
	limiter  *rate.Limiter
	wg       sync.WaitGroup
}

func New(cfg *config.Config, b *broker.Broker, registry *connection.Registry) *Server {
	s := &Server{port: cfg.Port, broker: b, registry: registry}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	if cfg.ConnectRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), max(1, int(cfg.ConnectRate)))
	}
	return s
}

// ListenAndServe listens on the configured port until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every live
// connection and waits for their close paths to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())

	go func() {
		<-ctx.Done()
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
	}()
	defer s.shutdown()

	s.broker.Started()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		if !s.acquire(ctx) {
			_ = conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer s.release()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) acquire(ctx context.Context) bool {
	if s.sem == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

func (s *Server) shutdown() {
	for _, connectionID := range s.registry.Connections() {
		_ = s.registry.Close(connectionID)
	}
	s.wg.Wait()
	logger.InfoF("MQTT Server stopped")
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	c := s.registry.Add(conn)
	connID := c.ConnID
	s.broker.Open(connID)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	defer func() {
		if err := s.registry.Close(connID); err != nil {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", connID, err)
		}
		// the close path must run even when ctx is already cancelled
		s.broker.Closed(context.WithoutCancel(ctx), connID)
		s.registry.Remove(connID)
		metrics.ConnectionsActive.Dec()
		logger.DebugF("[%s] Connection closed", connID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(firstPacketTimeout))
	for {
		frame, err := mqtt.ReadFrame(conn, mqtt.MaxRemainingLength)
		if err != nil {
			connection.HandleReadError(connID, err)
			return
		}
		// keep-alive is enforced by the broker's monitor from here on
		_ = conn.SetReadDeadline(time.Time{})
		s.registry.Touch(connID)

		if err := s.broker.Receive(ctx, connID, frame); err != nil {
			logger.DebugF("[%s] Stop reading, details: %v", connID, err)
			return
		}
	}
}
