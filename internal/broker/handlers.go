package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/session"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/subscription"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/topic"
)

// Receive decodes one frame and runs the handler for its packet type. A
// non-nil error means the connection has been closed.
func (b *Broker) Receive(ctx context.Context, connectionID string, frame []byte) error {
	st, ok := b.state(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	b.mu.Lock()
	current := st.phase
	b.mu.Unlock()
	if current == closed {
		return ErrConnectionClosed
	}

	p, err := packet.Decode(frame)
	if err != nil {
		var connectErr *mqtt.ConnectError
		if errors.As(err, &connectErr) && current == unauthenticated {
			logger.WarnF("[%s] Illegal connection, details: %v", connectionID, err)
			metrics.ConnectsRejected.WithLabelValues(strconv.Itoa(int(connectErr.Code))).Inc()
			_ = b.send(connectionID, packet.NewConnectAckPacket(false, connectErr.Code))
			b.forceClose(connectionID)
			return err
		}
		return b.violation(connectionID, err)
	}
	metrics.PacketsReceived.WithLabelValues(p.Type().String()).Inc()

	if p.Type() == mqtt.CONNECT {
		if current != unauthenticated {
			return b.violation(connectionID, fmt.Errorf("duplicate %s packet", mqtt.CONNECT))
		}
		return b.finish(connectionID, p.Type(), b.handleConnect(ctx, connectionID, p.(*packet.Connect)))
	}

	clientID, ok, err := b.sockets.ClientID(ctx, connectionID)
	if err != nil {
		logger.ErrorF("[%s] Fail to look up client id, details: %v", connectionID, err)
		b.forceClose(connectionID)
		return err
	}
	if !ok {
		return b.violation(connectionID, fmt.Errorf("%s packet before CONNECT", p.Type()))
	}
	if cb, ok := p.(packet.ClientBound); ok {
		cb.SetClientID(clientID)
	}

	logger.DebugF("[%s] Receive %s packet from %s", connectionID, p.Type(), clientID)

	switch p.Type() {
	case mqtt.PUBLISH:
		err = b.handlePublish(ctx, connectionID, p.(*packet.Publish))
	case mqtt.PUBACK:
		err = b.handlePubAck(ctx, connectionID, p.(*packet.Ack))
	case mqtt.PUBREC:
		err = b.handlePubRec(ctx, connectionID, p.(*packet.Ack))
	case mqtt.PUBREL:
		err = b.send(connectionID, packet.NewPubCompPacket(p.(*packet.Ack).MessageID))
	case mqtt.PUBCOMP:
		err = b.handlePubComp(ctx, connectionID, p.(*packet.Ack))
	case mqtt.SUBSCRIBE:
		err = b.handleSubscribe(ctx, connectionID, p.(*packet.Subscribe))
	case mqtt.UNSUBSCRIBE:
		err = b.handleUnsubscribe(ctx, connectionID, p.(*packet.Unsubscribe))
	case mqtt.PINGREQ:
		err = b.send(connectionID, packet.NewPingRespPacket())
	case mqtt.DISCONNECT:
		logger.InfoF("[%s] Client %s disconnect", connectionID, clientID)
		b.update(connectionID, func(st *connState) { st.graceful = true })
		b.forceClose(connectionID)
		return ErrConnectionClosed
	default:
		return b.violation(connectionID, fmt.Errorf("%s packet has not been supported", p.Type()))
	}

	return b.finish(connectionID, p.Type(), err)
}

// finish closes the connection when a handler failed for a reason other
// than the connection already being closed.
func (b *Broker) finish(connectionID string, packetType mqtt.PacketType, err error) error {
	if err == nil || errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrProtocolViolation) {
		return err
	}
	logger.ErrorF("[%s] Fail to handle %s packet, details: %v", connectionID, packetType, err)
	b.forceClose(connectionID)
	return err
}

// violation closes a connection that broke the protocol, without a reply.
func (b *Broker) violation(connectionID string, err error) error {
	logger.WarnF("[%s] Protocol violation, closing connection: %v", connectionID, err)
	metrics.ProtocolViolations.Inc()
	b.forceClose(connectionID)
	return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
}

func (b *Broker) handleConnect(ctx context.Context, connectionID string, c *packet.Connect) error {
	if b.hooks.Authorize(b, c.ClientID, c.Username, c.Password) == AuthDeny {
		logger.WarnF("[%s] Client %s is not authorized", connectionID, c.ClientID)
		metrics.ConnectsRejected.WithLabelValues(strconv.Itoa(int(mqtt.Unauthorized))).Inc()
		_ = b.send(connectionID, packet.NewConnectAckPacket(false, mqtt.Unauthorized))
		b.forceClose(connectionID)
		return ErrConnectionClosed
	}

	if c.ClientID == "" {
		c.ClientID = "auto-" + uuid.NewString()
		logger.DebugF("[%s] Assigned client id %s", connectionID, c.ClientID)
	}

	if err := b.takeover(ctx, connectionID, c.ClientID); err != nil {
		return err
	}
	if c.CleanSession {
		// subscriptions left by an earlier session that never closed cleanly
		if err := b.filters.Drop(ctx, c.ClientID); err != nil {
			return err
		}
	}
	if err := b.sockets.Bind(ctx, connectionID, c.ClientID); err != nil {
		return err
	}
	if err := b.clients.Save(ctx, session.NewSession(connectionID, c)); err != nil {
		return err
	}

	b.update(connectionID, func(st *connState) {
		st.phase = connected
		st.clientID = c.ClientID
	})

	if err := b.send(connectionID, packet.NewConnectAckPacket(!c.CleanSession, mqtt.Accepted)); err != nil {
		return err
	}
	logger.InfoF("[%s] Client %s connected", connectionID, c.ClientID)
	b.hooks.Connected(b, c.ClientID)
	return nil
}

// takeover closes the connection currently holding clientID, if any.
func (b *Broker) takeover(ctx context.Context, connectionID, clientID string) error {
	existing, ok, err := b.clients.Find(ctx, clientID)
	if err != nil || !ok {
		return err
	}
	previous := existing.ConnectionID
	if previous == "" || previous == connectionID {
		return nil
	}
	b.update(previous, func(st *connState) { st.evicted = true })
	if b.transport.Alive(previous) {
		logger.InfoF("[%s] Client %s logged in again, closing connection %s", connectionID, clientID, previous)
		b.forceClose(previous)
	}
	return nil
}

func (b *Broker) handlePublish(ctx context.Context, connectionID string, p *packet.Publish) error {
	switch p.QoS {
	case mqtt.QoS1:
		if err := b.send(connectionID, packet.NewPubAckPacket(p.MessageID)); err != nil {
			return err
		}
	case mqtt.QoS2:
		if err := b.send(connectionID, packet.NewPubRecPacket(p.MessageID)); err != nil {
			return err
		}
	}

	b.submit(ctx, connectionID, p)

	b.hooks.Message(b, p.ClientID, p.TopicName, p.Content)
	return nil
}

// submit hands p to the fan-out stage. A saturated stage drops p rather
// than stall the connection's read loop.
func (b *Broker) submit(ctx context.Context, connectionID string, p *packet.Publish) {
	err := b.dispatcher.Submit(ctx, p)
	if err == nil {
		return
	}
	if errors.Is(err, subscription.ErrQueueFull) {
		metrics.MessagesDropped.Inc()
	}
	logger.WarnF("[%s] Fail to queue publish on %s, details: %v", connectionID, p.TopicName, err)
}

// confirm checks a's id against an outstanding delivery at qos and closes the
// connection when there is none.
func (b *Broker) confirm(ctx context.Context, connectionID string, a *packet.Ack, qos byte, consume bool) (bool, error) {
	ok, err := b.messageIDs.Confirm(ctx, a.ClientID, a.MessageID, qos, consume)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, b.violation(connectionID, fmt.Errorf("%s for unknown message id %d", a.Type(), a.MessageID))
	}
	return true, nil
}

func (b *Broker) handlePubAck(ctx context.Context, connectionID string, a *packet.Ack) error {
	_, err := b.confirm(ctx, connectionID, a, mqtt.QoS1, true)
	return err
}

func (b *Broker) handlePubRec(ctx context.Context, connectionID string, a *packet.Ack) error {
	if _, err := b.confirm(ctx, connectionID, a, mqtt.QoS2, false); err != nil {
		return err
	}
	return b.send(connectionID, packet.NewPubRelPacket(a.MessageID))
}

func (b *Broker) handlePubComp(ctx context.Context, connectionID string, a *packet.Ack) error {
	_, err := b.confirm(ctx, connectionID, a, mqtt.QoS2, true)
	return err
}

func (b *Broker) handleSubscribe(ctx context.Context, connectionID string, s *packet.Subscribe) error {
	codes := make([]byte, 0, len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		if !topic.CheckFilter(sub.TopicFilter, sub.QoS) {
			logger.DebugF("[%s] Reject topic filter %q qos %d", connectionID, sub.TopicFilter, sub.QoS)
			codes = append(codes, packet.SubAckFailure)
			continue
		}
		if err := b.filters.Subscribe(ctx, sub.TopicFilter, s.ClientID, sub.QoS, sub.QoS); err != nil {
			return err
		}
		codes = append(codes, sub.QoS)
	}
	return b.send(connectionID, packet.NewSubAckPacket(s.MessageID, codes))
}

func (b *Broker) handleUnsubscribe(ctx context.Context, connectionID string, u *packet.Unsubscribe) error {
	for _, filter := range u.TopicFilters {
		if err := b.filters.Unsubscribe(ctx, filter, u.ClientID); err != nil {
			return err
		}
	}
	return b.send(connectionID, packet.NewUnSubAckPacket(u.MessageID))
}

// Closed runs the close path once the connection's socket is gone: the will
// is published unless the client sent DISCONNECT, and a clean session is
// deleted. Nothing is touched when a newer connection owns the session.
func (b *Broker) Closed(ctx context.Context, connectionID string) {
	b.mu.Lock()
	st, known := b.conns[connectionID]
	delete(b.conns, connectionID)
	b.mu.Unlock()

	var graceful, evicted bool
	if known {
		graceful, evicted = st.graceful, st.evicted
	}

	clientID, ok, err := b.sockets.ClientID(ctx, connectionID)
	if err != nil {
		logger.ErrorF("[%s] Fail to look up client id on close, details: %v", connectionID, err)
		return
	}
	if err := b.sockets.Delete(ctx, connectionID); err != nil {
		logger.ErrorF("[%s] Fail to remove connection mapping, details: %v", connectionID, err)
	}
	if !ok {
		logger.DebugF("[%s] Connection closed before CONNECT", connectionID)
		return
	}

	s, found, err := b.clients.Find(ctx, clientID)
	if err != nil {
		logger.ErrorF("[%s] Fail to load session of %s, details: %v", connectionID, clientID, err)
	}
	if found && !evicted && s.ConnectionID == connectionID {
		if s.WillFlag && !graceful {
			logger.InfoF("[%s] Publishing will of %s on %s", connectionID, clientID, s.WillTopic)
			b.submit(ctx, connectionID, s.Will())
		}
		if s.CleanSession {
			if err := b.clients.Delete(ctx, clientID); err != nil {
				logger.ErrorF("[%s] Fail to delete session of %s, details: %v", connectionID, clientID, err)
			}
			if err := b.filters.Drop(ctx, clientID); err != nil {
				logger.ErrorF("[%s] Fail to drop subscriptions of %s, details: %v", connectionID, clientID, err)
			}
		}
	}

	logger.InfoF("[%s] Client %s closed", connectionID, clientID)
	b.hooks.Close(b, clientID)
}
