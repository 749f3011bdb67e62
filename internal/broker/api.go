package broker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/packet"
)

// Deliver sends message to clientID's live connection. Offline clients are
// skipped; nothing is queued for them.
func (b *Broker) Deliver(ctx context.Context, clientID string, message *packet.Publish, qos byte) error {
	s, ok, err := b.clients.Find(ctx, clientID)
	if err != nil {
		return err
	}
	if !ok || !b.transport.Alive(s.ConnectionID) {
		metrics.MessagesDropped.Inc()
		return nil
	}

	out := &packet.Publish{TopicName: message.TopicName, Content: message.Content, QoS: qos}
	if qos > 0 {
		id, err := b.messageIDs.Allocate(ctx, clientID, qos)
		if err != nil {
			metrics.MessagesDropped.Inc()
			return err
		}
		out.MessageID = id
	}
	if err := b.send(s.ConnectionID, packet.NewPublishPacket(out)); err != nil {
		return err
	}
	metrics.MessagesDelivered.WithLabelValues(strconv.Itoa(int(qos))).Inc()
	return nil
}

// Publish sends a message straight to one connected client, bypassing
// subscriptions, and reports whether it was written.
func (b *Broker) Publish(ctx context.Context, clientID, topicName string, content []byte, qos byte, dup, retain bool) (bool, error) {
	if qos > 2 {
		return false, fmt.Errorf("invalid qos %d", qos)
	}
	success, err := b.publish(ctx, clientID, topicName, content, qos, dup, retain)
	if !success {
		logger.WarnF("Publish to %s on %s failed: %v", clientID, topicName, err)
	}
	b.hooks.Published(b, success, clientID, topicName, content)
	return success, err
}

func (b *Broker) publish(ctx context.Context, clientID, topicName string, content []byte, qos byte, dup, retain bool) (bool, error) {
	s, ok, err := b.clients.Find(ctx, clientID)
	if err != nil || !ok {
		return false, err
	}
	if !b.transport.Alive(s.ConnectionID) {
		return false, nil
	}
	out := &packet.Publish{TopicName: topicName, Content: content, QoS: qos, Dup: dup, Retain: retain}
	if qos > 0 {
		if out.MessageID, err = b.messageIDs.Allocate(ctx, clientID, qos); err != nil {
			return false, err
		}
	}
	if err := b.send(s.ConnectionID, packet.NewPublishPacket(out)); err != nil {
		return false, err
	}
	return true, nil
}

// Close force-closes clientID's live connection, if any.
func (b *Broker) Close(ctx context.Context, clientID string) error {
	s, ok, err := b.clients.Find(ctx, clientID)
	if err != nil || !ok || s.ConnectionID == "" {
		return err
	}
	b.forceClose(s.ConnectionID)
	return nil
}

// Clients lists the ids of all stored sessions.
func (b *Broker) Clients(ctx context.Context) ([]string, error) {
	return b.clients.IDs(ctx)
}
