// Package packet turns framed MQTT bytes into typed control packets and builds
// the packets the broker sends back.
package packet

import "github.com/life-stream-dev/life-stream-mqtt-broker/internal/mqtt"

// Packet is implemented by every decoded control packet.
type Packet interface {
	Type() mqtt.PacketType
	Length() int
}

// ClientBound packets carry the client id of the connection they arrived on,
// assigned after decoding.
type ClientBound interface {
	Packet
	SetClientID(clientID string)
}

type Header struct {
	PacketType      mqtt.PacketType
	RemainingLength int
}

func (h Header) Type() mqtt.PacketType { return h.PacketType }
func (h Header) Length() int           { return h.RemainingLength }

// Bare is any packet without fields the broker reads (PINGREQ, DISCONNECT and
// types a client should never send).
type Bare struct {
	Header
}

type Connect struct {
	Header
	ProtocolName    string
	ProtocolVersion byte
	KeepAlive       uint16
	CleanSession    bool
	WillFlag        bool
	WillQoS         byte
	WillRetain      bool
	UsernameFlag    bool
	PasswordFlag    bool
	ClientID        string
	WillTopic       string
	WillMessage     []byte
	Username        string
	Password        []byte
}

type Publish struct {
	Header
	ClientID  string
	Dup       bool
	QoS       byte
	Retain    bool
	TopicName string
	// MessageID is only meaningful when QoS > 0.
	MessageID uint16
	Content   []byte
}

func (p *Publish) SetClientID(clientID string) { p.ClientID = clientID }

// Ack is PUBACK, PUBREC, PUBREL or PUBCOMP.
type Ack struct {
	Header
	ClientID  string
	MessageID uint16
}

func (a *Ack) SetClientID(clientID string) { a.ClientID = clientID }

type Subscription struct {
	TopicFilter string
	QoS         byte
}

type Subscribe struct {
	Header
	ClientID      string
	MessageID     uint16
	Subscriptions []Subscription
}

func (s *Subscribe) SetClientID(clientID string) { s.ClientID = clientID }

type Unsubscribe struct {
	Header
	ClientID     string
	MessageID    uint16
	TopicFilters []string
}

func (u *Unsubscribe) SetClientID(clientID string) { u.ClientID = clientID }

const (
	ProtocolNameV31  = "MQIsdp"
	ProtocolNameV311 = "MQTT"

	ProtocolVersionV31  byte = 3
	ProtocolVersionV311 byte = 4
)
