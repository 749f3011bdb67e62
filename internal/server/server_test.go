package server

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startedHooks struct {
	broker.NopHooks
	started chan struct{}
}

func (h *startedHooks) Started(*broker.Broker) { close(h.started) }

func startServer(t *testing.T) string {
	t.Helper()
	return startServerWith(t, nil)
}

func startServerWith(t *testing.T, configure func(cfg *config.Config)) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "memory"
	if configure != nil {
		configure(cfg)
	}

	registry := connection.NewRegistry(connection.WithWriteTimeout(cfg.SendTimeout()))
	hooks := &startedHooks{started: make(chan struct{})}
	b := broker.New(database.NewMemoryStore(), registry, hooks, broker.Options{
		WorkerNum:     cfg.WorkerNum,
		TaskWorkerNum: cfg.TaskWorkerNum,
		QueueSize:     cfg.QueueSize,
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- New(cfg, b, registry).Serve(ctx, ln) }()
	select {
	case <-hooks.started:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		b.Stop()
	})
	return ln.Addr().String()
}

func newClient(t *testing.T, addr, clientID string) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(clientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func TestPublishSubscribe(t *testing.T) {
	addr := startServer(t)
	subscriber := newClient(t, addr, "e2e-sub")
	publisher := newClient(t, addr, "e2e-pub")

	var mu sync.Mutex
	var received []paho.Message
	token := subscriber.Subscribe("sport/#", 1, func(_ paho.Client, m paho.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	for _, qos := range []byte{0, 1, 2} {
		token = publisher.Publish("sport/tennis", qos, false, []byte{'q', '0' + qos})
		require.True(t, token.WaitTimeout(2*time.Second))
		require.NoError(t, token.Error())
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	payloads := make([]string, 0, len(received))
	for _, m := range received {
		assert.Equal(t, "sport/tennis", m.Topic())
		assert.LessOrEqual(t, m.Qos(), byte(1))
		payloads = append(payloads, string(m.Payload()))
	}
	assert.ElementsMatch(t, []string{"q0", "q1", "q2"}, payloads)
}

func TestUnsubscribe(t *testing.T) {
	addr := startServer(t)
	subscriber := newClient(t, addr, "e2e-sub")
	publisher := newClient(t, addr, "e2e-pub")

	got := make(chan paho.Message, 4)
	token := subscriber.Subscribe("news", 0, func(_ paho.Client, m paho.Message) { got <- m })
	require.True(t, token.WaitTimeout(2*time.Second))
	token = subscriber.Unsubscribe("news")
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	token = publisher.Publish("news", 0, false, "ignored")
	require.True(t, token.WaitTimeout(2*time.Second))

	select {
	case m := <-got:
		t.Fatalf("unexpected message on %s", m.Topic())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRejectUnsupportedProtocol(t *testing.T) {
	addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(packet.NewConnectPacket(&packet.Connect{
		ProtocolName:    "MQTT",
		ProtocolVersion: 5,
		CleanSession:    true,
		ClientID:        "v5",
	}))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := mqtt.ReadFrame(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, packet.NewConnectAckPacket(false, mqtt.ProtocolNotSupported), frame)

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestPingBeforeConnectCloses(t *testing.T) {
	addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(packet.NewPingReqPacket())
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestTakeoverClosesEarlierConnection(t *testing.T) {
	addr := startServer(t)
	lost := make(chan struct{})
	opts := paho.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID("twin").
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(paho.Client, error) { close(lost) })
	first := paho.NewClient(opts)
	token := first.Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	newClient(t, addr, "twin")

	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatal("earlier connection was not closed")
	}
}

func dialConnected(t *testing.T, addr, clientID string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write(packet.NewConnectPacket(&packet.Connect{
		ProtocolName:    packet.ProtocolNameV311,
		ProtocolVersion: packet.ProtocolVersionV311,
		CleanSession:    true,
		ClientID:        clientID,
	}))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := mqtt.ReadFrame(conn, 0)
	require.NoError(t, err)
	require.Equal(t, packet.NewConnectAckPacket(false, mqtt.Accepted), frame)
	return conn
}

func TestStalledSubscriberDoesNotBlockPublishers(t *testing.T) {
	addr := startServerWith(t, func(cfg *config.Config) {
		cfg.WriteTimeout = "200ms"
		cfg.QueueSize = 4
		cfg.WorkerNum = 1
		cfg.TaskWorkerNum = 1
	})

	lazy := dialConnected(t, addr, "lazy")
	_, err := lazy.Write(packet.NewSubscribePacket(&packet.Subscribe{
		MessageID:     1,
		Subscriptions: []packet.Subscription{{TopicFilter: "a", QoS: 0}},
	}))
	require.NoError(t, err)
	_ = lazy.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = mqtt.ReadFrame(lazy, 0)
	require.NoError(t, err)
	// lazy never reads again

	flood := dialConnected(t, addr, "flood")
	content := make([]byte, 256*1024)
	frame := packet.NewPublishPacket(&packet.Publish{TopicName: "a", Content: content})
	for i := 0; i < 64; i++ {
		_ = flood.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_, err = flood.Write(frame)
		require.NoError(t, err)
	}

	other := dialConnected(t, addr, "other")
	for id := uint16(1); id <= 5; id++ {
		_, err = other.Write(packet.NewPublishPacket(&packet.Publish{TopicName: "zzz", QoS: 1, MessageID: id, Content: []byte("x")}))
		require.NoError(t, err)
		_ = other.SetReadDeadline(time.Now().Add(2 * time.Second))
		ack, err := mqtt.ReadFrame(other, 0)
		require.NoError(t, err, "publish %d", id)
		assert.Equal(t, packet.NewPubAckPacket(id), ack)
	}
}
