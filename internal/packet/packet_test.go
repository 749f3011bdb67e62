package packet

import (
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAs[T Packet](t *testing.T, frame []byte) T {
	t.Helper()
	p, err := Decode(frame)
	require.NoError(t, err)
	typed, ok := p.(T)
	require.True(t, ok, "unexpected packet %T", p)
	return typed
}

func requireConnectError(t *testing.T, frame []byte, code mqtt.ConnectReturnCode) {
	t.Helper()
	p, err := Decode(frame)
	assert.Nil(t, p)
	var ce *mqtt.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code, ce.Code)
}

func TestConnectRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Connect
	}{
		{"v311 minimal", Connect{ProtocolName: "MQTT", ProtocolVersion: 4, KeepAlive: 60, CleanSession: true, ClientID: "sensor-1"}},
		{"v31 with will", Connect{
			ProtocolName: "MQIsdp", ProtocolVersion: 3, KeepAlive: 10, ClientID: "c31",
			WillFlag: true, WillQoS: 2, WillRetain: true, WillTopic: "status/c31", WillMessage: []byte("offline"),
		}},
		{"credentials", Connect{
			ProtocolName: "MQTT", ProtocolVersion: 4, ClientID: "user-client",
			UsernameFlag: true, Username: "alice", PasswordFlag: true, Password: []byte("s3cret"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := NewConnectPacket(&tt.in)
			got := decodeAs[*Connect](t, frame)

			want := tt.in
			want.Header = Header{PacketType: mqtt.CONNECT, RemainingLength: len(frame) - 2}
			assert.Equal(t, &want, got)
			assert.Equal(t, mqtt.CONNECT, got.Type())
		})
	}
}

func TestConnectHandBuiltFrame(t *testing.T) {
	frame := []byte{
		0x10, 0x1A,
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,
		0xC6, // username, password, will qos 0, will flag, clean session
		0x00, 0x3C,
		0x00, 0x02, 'c', '1',
		0x00, 0x01, 'w',
		0x00, 0x01, 'm',
		0x00, 0x01, 'u',
		0x00, 0x01, 'p',
	}
	got := decodeAs[*Connect](t, frame)
	assert.Equal(t, "MQTT", got.ProtocolName)
	assert.Equal(t, byte(4), got.ProtocolVersion)
	assert.Equal(t, uint16(60), got.KeepAlive)
	assert.True(t, got.CleanSession)
	assert.True(t, got.WillFlag)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, "w", got.WillTopic)
	assert.Equal(t, []byte("m"), got.WillMessage)
	assert.Equal(t, "u", got.Username)
	assert.Equal(t, []byte("p"), got.Password)
	assert.Equal(t, 26, got.Length())
}

func TestConnectValidation(t *testing.T) {
	base := func() Connect {
		return Connect{ProtocolName: "MQTT", ProtocolVersion: 4, CleanSession: true, ClientID: "c"}
	}

	t.Run("unsupported version", func(t *testing.T) {
		c := base()
		c.ProtocolVersion = 5
		requireConnectError(t, NewConnectPacket(&c), mqtt.ProtocolNotSupported)
	})
	t.Run("name does not match v4", func(t *testing.T) {
		c := base()
		c.ProtocolName = "MQIsdp"
		requireConnectError(t, NewConnectPacket(&c), mqtt.ProtocolNotSupported)
	})
	t.Run("name does not match v3", func(t *testing.T) {
		c := base()
		c.ProtocolVersion = 3
		requireConnectError(t, NewConnectPacket(&c), mqtt.ProtocolNotSupported)
	})
	t.Run("reserved bit", func(t *testing.T) {
		frame := NewConnectPacket(&Connect{ProtocolName: "MQTT", ProtocolVersion: 4, CleanSession: true, ClientID: "c"})
		frame[9] |= 0x01
		requireConnectError(t, frame, mqtt.GenericError)
	})
	t.Run("will qos 3", func(t *testing.T) {
		c := base()
		c.WillFlag = true
		c.WillQoS = 3
		c.WillTopic = "t"
		requireConnectError(t, NewConnectPacket(&c), mqtt.GenericError)
	})
	t.Run("will qos without will flag", func(t *testing.T) {
		c := base()
		c.WillQoS = 1
		requireConnectError(t, NewConnectPacket(&c), mqtt.GenericError)
	})
	t.Run("password without username", func(t *testing.T) {
		c := base()
		c.PasswordFlag = true
		c.Password = []byte("x")
		requireConnectError(t, NewConnectPacket(&c), mqtt.GenericError)
	})
	t.Run("empty client id persistent session", func(t *testing.T) {
		c := base()
		c.ClientID = ""
		c.CleanSession = false
		requireConnectError(t, NewConnectPacket(&c), mqtt.ClientIDInvalid)
	})
	t.Run("empty client id v31", func(t *testing.T) {
		c := Connect{ProtocolName: "MQIsdp", ProtocolVersion: 3, CleanSession: true}
		requireConnectError(t, NewConnectPacket(&c), mqtt.ClientIDInvalid)
	})
	t.Run("long client id v31", func(t *testing.T) {
		c := Connect{ProtocolName: "MQIsdp", ProtocolVersion: 3, CleanSession: true, ClientID: "abcdefghijklmnopqrstuvwxyz"}
		requireConnectError(t, NewConnectPacket(&c), mqtt.ClientIDInvalid)
	})
	t.Run("empty client id clean v311 accepted", func(t *testing.T) {
		c := base()
		c.ClientID = ""
		got := decodeAs[*Connect](t, NewConnectPacket(&c))
		assert.Equal(t, "", got.ClientID)
	})
	t.Run("truncated", func(t *testing.T) {
		frame := NewConnectPacket(&Connect{ProtocolName: "MQTT", ProtocolVersion: 4, CleanSession: true, ClientID: "client"})
		frame = frame[:len(frame)-3]
		frame[1] -= 3
		requireConnectError(t, frame, mqtt.GenericError)
	})
	t.Run("empty input", func(t *testing.T) {
		p, err := Decode(nil)
		assert.Nil(t, p)
		var ce *mqtt.ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, mqtt.GenericError, ce.Code)
		assert.ErrorIs(t, err, mqtt.ErrEmptyPacket)
	})
}

func TestPublishRoundTrip(t *testing.T) {
	tests := []Publish{
		{QoS: 0, TopicName: "sport/tennis", Content: []byte("score 15-0")},
		{QoS: 1, MessageID: 42, TopicName: "a/b", Content: []byte{0x00, 0x01}, Retain: true},
		{QoS: 2, MessageID: 65535, Dup: true, TopicName: "x", Content: []byte("exactly once")},
	}
	for _, in := range tests {
		frame := NewPublishPacket(&in)
		got := decodeAs[*Publish](t, frame)

		want := in
		want.Header = Header{PacketType: mqtt.PUBLISH, RemainingLength: len(frame) - 2}
		assert.Equal(t, &want, got)
	}
}

func TestPublishHandBuiltFrame(t *testing.T) {
	frame := []byte{0x3B, 0x0A, 0x00, 0x03, 'a', '/', 'b', 0x00, 0x07, 'h', 'e', 'y'}
	got := decodeAs[*Publish](t, frame)
	assert.True(t, got.Dup)
	assert.Equal(t, byte(1), got.QoS)
	assert.True(t, got.Retain)
	assert.Equal(t, "a/b", got.TopicName)
	assert.Equal(t, uint16(7), got.MessageID)
	assert.Equal(t, []byte("hey"), got.Content)

	got.SetClientID("publisher")
	assert.Equal(t, "publisher", got.ClientID)
}

func TestPublishValidation(t *testing.T) {
	frames := map[string][]byte{
		"qos 3":          {0x36, 0x05, 0x00, 0x01, 'a', 0x00, 0x01},
		"dup on qos 0":   {0x38, 0x03, 0x00, 0x01, 'a'},
		"wildcard topic": {0x30, 0x03, 0x00, 0x01, '#'},
		"empty topic":    {0x30, 0x02, 0x00, 0x00},
		"zero id":        {0x32, 0x05, 0x00, 0x01, 'a', 0x00, 0x00},
		"missing id":     {0x32, 0x03, 0x00, 0x01, 'a'},
	}
	for name, frame := range frames {
		_, err := Decode(frame)
		assert.ErrorIs(t, err, mqtt.ErrMalformedPacket, name)
	}
}

func TestAcks(t *testing.T) {
	tests := []struct {
		frame []byte
		typ   mqtt.PacketType
	}{
		{NewPubAckPacket(7), mqtt.PUBACK},
		{NewPubRecPacket(7), mqtt.PUBREC},
		{NewPubRelPacket(7), mqtt.PUBREL},
		{NewPubCompPacket(7), mqtt.PUBCOMP},
	}
	for _, tt := range tests {
		got := decodeAs[*Ack](t, tt.frame)
		assert.Equal(t, tt.typ, got.Type())
		assert.Equal(t, uint16(7), got.MessageID)
		assert.Equal(t, 2, got.Length())
	}

	assert.Equal(t, []byte{0x40, 0x02, 0x00, 0x07}, NewPubAckPacket(7))
	assert.Equal(t, []byte{0x50, 0x02, 0x00, 0x07}, NewPubRecPacket(7))
	assert.Equal(t, []byte{0x62, 0x02, 0x00, 0x07}, NewPubRelPacket(7))
	assert.Equal(t, []byte{0x70, 0x02, 0x00, 0x07}, NewPubCompPacket(7))

	_, err := Decode([]byte{0x40, 0x03, 0x00, 0x07, 0x00})
	assert.ErrorIs(t, err, mqtt.ErrMalformedPacket)
	_, err = Decode([]byte{0x60, 0x02, 0x00, 0x07})
	assert.ErrorIs(t, err, mqtt.ErrMalformedPacket, "PUBREL needs flags 0x02")
}

func TestSubscribeRoundTrip(t *testing.T) {
	in := Subscribe{
		MessageID: 10,
		Subscriptions: []Subscription{
			{TopicFilter: "sport/#", QoS: 2},
			{TopicFilter: "news/+/today", QoS: 0},
		},
	}
	frame := NewSubscribePacket(&in)
	got := decodeAs[*Subscribe](t, frame)
	assert.Equal(t, uint16(10), got.MessageID)
	assert.Equal(t, in.Subscriptions, got.Subscriptions)

	// reserved upper bits of the options byte are ignored
	frame = []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0xF1}
	got = decodeAs[*Subscribe](t, frame)
	assert.Equal(t, []Subscription{{TopicFilter: "a", QoS: 1}}, got.Subscriptions)

	_, err := Decode([]byte{0x82, 0x02, 0x00, 0x01})
	assert.ErrorIs(t, err, mqtt.ErrMalformedPacket)
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	in := Unsubscribe{MessageID: 11, TopicFilters: []string{"a/b", "c/#"}}
	got := decodeAs[*Unsubscribe](t, NewUnsubscribePacket(&in))
	assert.Equal(t, uint16(11), got.MessageID)
	assert.Equal(t, in.TopicFilters, got.TopicFilters)

	_, err := Decode([]byte{0xA2, 0x02, 0x00, 0x01})
	assert.ErrorIs(t, err, mqtt.ErrMalformedPacket)
}

func TestBarePackets(t *testing.T) {
	ping := decodeAs[*Bare](t, NewPingReqPacket())
	assert.Equal(t, mqtt.PINGREQ, ping.Type())
	assert.Equal(t, 0, ping.Length())

	disconnect := decodeAs[*Bare](t, NewDisconnectPacket())
	assert.Equal(t, mqtt.DISCONNECT, disconnect.Type())

	for _, frame := range [][]byte{{0x00, 0x00}, {0xF3, 0x01, 0x07}} {
		reserved := decodeAs[*Bare](t, frame)
		assert.Equal(t, mqtt.PacketType(frame[0]>>4), reserved.Type())
		assert.Equal(t, int(frame[1]), reserved.Length())
	}
}

func TestServerEncoders(t *testing.T) {
	assert.Equal(t, []byte{0x20, 0x02, 0x01, 0x00}, NewConnectAckPacket(true, mqtt.Accepted))
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x05}, NewConnectAckPacket(false, mqtt.Unauthorized))
	assert.Equal(t, []byte{0x90, 0x05, 0x00, 0x0A, 0x02, 0x80, 0x00}, NewSubAckPacket(10, []byte{2, SubAckFailure, 0}))
	assert.Equal(t, []byte{0xB0, 0x02, 0x00, 0x0B}, NewUnSubAckPacket(11))
	assert.Equal(t, []byte{0xD0, 0x00}, NewPingRespPacket())
	assert.Equal(t,
		[]byte{0x30, 0x05, 0x00, 0x01, 'a', 'h', 'i'},
		NewPublishPacket(&Publish{TopicName: "a", Content: []byte("hi")}))
}
