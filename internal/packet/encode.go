package packet

import (
	"encoding/binary"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/mqtt"
)

// SubAckFailure is the SUBACK return code for a rejected topic filter.
const SubAckFailure byte = 0x80

func packBody(packetType mqtt.PacketType, flags byte, body []byte) []byte {
	lengthBytes := mqtt.EncodeRemainingLength(len(body))
	packet := make([]byte, 0, 1+len(lengthBytes)+len(body))
	packet = append(packet, byte(packetType)<<4|flags&0x0F)
	packet = append(packet, lengthBytes...)
	return append(packet, body...)
}

func idOnly(packetType mqtt.PacketType, flags byte, messageID uint16) []byte {
	return packBody(packetType, flags, mqtt.UInt16ToByte(messageID))
}

func NewConnectAckPacket(sessionPresent bool, returnCode mqtt.ConnectReturnCode) []byte {
	var ack byte
	if sessionPresent {
		ack = 0x01
	}
	return packBody(mqtt.CONNACK, 0, []byte{ack, byte(returnCode)})
}

func NewPublishPacket(p *Publish) []byte {
	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}

	body := make([]byte, 0, 2+len(p.TopicName)+2+len(p.Content))
	body = mqtt.AppendString(body, []byte(p.TopicName))
	if p.QoS > mqtt.QoS0 {
		body = binary.BigEndian.AppendUint16(body, p.MessageID)
	}
	body = append(body, p.Content...)
	return packBody(mqtt.PUBLISH, flags, body)
}

func NewPubAckPacket(messageID uint16) []byte {
	return idOnly(mqtt.PUBACK, 0, messageID)
}

func NewPubRecPacket(messageID uint16) []byte {
	return idOnly(mqtt.PUBREC, 0, messageID)
}

func NewPubRelPacket(messageID uint16) []byte {
	return idOnly(mqtt.PUBREL, 0x02, messageID)
}

func NewPubCompPacket(messageID uint16) []byte {
	return idOnly(mqtt.PUBCOMP, 0, messageID)
}

// NewSubAckPacket carries one return code per requested filter, in order.
func NewSubAckPacket(messageID uint16, returnCodes []byte) []byte {
	body := make([]byte, 0, 2+len(returnCodes))
	body = binary.BigEndian.AppendUint16(body, messageID)
	body = append(body, returnCodes...)
	return packBody(mqtt.SUBACK, 0, body)
}

func NewUnSubAckPacket(messageID uint16) []byte {
	return idOnly(mqtt.UNSUBACK, 0, messageID)
}

func NewPingRespPacket() []byte {
	return packBody(mqtt.PINGRESP, 0, nil)
}

// The client-side builders below let tools and tests speak to the broker.

func NewConnectPacket(c *Connect) []byte {
	var flags byte
	if c.UsernameFlag {
		flags |= 0x80
	}
	if c.PasswordFlag {
		flags |= 0x40
	}
	if c.WillRetain {
		flags |= 0x20
	}
	flags |= (c.WillQoS & 0x03) << 3
	if c.WillFlag {
		flags |= 0x04
	}
	if c.CleanSession {
		flags |= 0x02
	}

	body := mqtt.AppendString(nil, []byte(c.ProtocolName))
	body = append(body, c.ProtocolVersion, flags)
	body = binary.BigEndian.AppendUint16(body, c.KeepAlive)
	body = mqtt.AppendString(body, []byte(c.ClientID))
	if c.WillFlag {
		body = mqtt.AppendString(body, []byte(c.WillTopic))
		body = mqtt.AppendString(body, c.WillMessage)
	}
	if c.UsernameFlag {
		body = mqtt.AppendString(body, []byte(c.Username))
	}
	if c.PasswordFlag {
		body = mqtt.AppendString(body, c.Password)
	}
	return packBody(mqtt.CONNECT, 0, body)
}

func NewSubscribePacket(s *Subscribe) []byte {
	body := binary.BigEndian.AppendUint16(nil, s.MessageID)
	for _, sub := range s.Subscriptions {
		body = mqtt.AppendString(body, []byte(sub.TopicFilter))
		body = append(body, sub.QoS)
	}
	return packBody(mqtt.SUBSCRIBE, 0x02, body)
}

func NewUnsubscribePacket(u *Unsubscribe) []byte {
	body := binary.BigEndian.AppendUint16(nil, u.MessageID)
	for _, filter := range u.TopicFilters {
		body = mqtt.AppendString(body, []byte(filter))
	}
	return packBody(mqtt.UNSUBSCRIBE, 0x02, body)
}

func NewPingReqPacket() []byte {
	return packBody(mqtt.PINGREQ, 0, nil)
}

func NewDisconnectPacket() []byte {
	return packBody(mqtt.DISCONNECT, 0, nil)
}
