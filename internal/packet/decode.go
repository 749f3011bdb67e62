package packet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/mqtt"
)

const maxV31ClientIDLength = 23

// Decode parses one complete frame. CONNECT problems are reported as
// *mqtt.ConnectError so the caller can answer with a CONNACK; every other
// failure wraps mqtt.ErrMalformedPacket.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return nil, &mqtt.ConnectError{Code: mqtt.GenericError, Err: mqtt.ErrEmptyPacket}
	}

	header, body, err := mqtt.ParseFixedHeader(frame)
	if err != nil {
		if PacketTypeOf(frame) == mqtt.CONNECT {
			return nil, &mqtt.ConnectError{Code: mqtt.GenericError, Err: err}
		}
		return nil, err
	}

	base := Header{PacketType: header.Type, RemainingLength: header.RemainingLength}
	if mqtt.IsReserved(header.Type) {
		return &Bare{Header: base}, nil
	}

	if !mqtt.ValidateFlags(header.Type, header.Flags) {
		err := fmt.Errorf("%w: flags %04b of %s packet are not valid", mqtt.ErrMalformedPacket, header.Flags, header.Type)
		if header.Type == mqtt.CONNECT {
			return nil, &mqtt.ConnectError{Code: mqtt.GenericError, Err: err}
		}
		return nil, err
	}

	payload := mqtt.NewPayload(body)

	switch header.Type {
	case mqtt.CONNECT:
		return typed(decodeConnect(base, payload))
	case mqtt.PUBLISH:
		return typed(decodePublish(base, header.Flags, payload))
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP:
		return typed(decodeAck(base, payload))
	case mqtt.SUBSCRIBE:
		return typed(decodeSubscribe(base, payload))
	case mqtt.UNSUBSCRIBE:
		return typed(decodeUnsubscribe(base, payload))
	default:
		return &Bare{Header: base}, nil
	}
}

// typed keeps a failed decode from leaking a typed nil inside the interface.
func typed[T Packet](p T, err error) (Packet, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PacketTypeOf peeks at the type nibble without decoding.
func PacketTypeOf(frame []byte) mqtt.PacketType {
	if len(frame) == 0 {
		return 0
	}
	return mqtt.PacketType(frame[0] >> 4)
}

func connectErr(code mqtt.ConnectReturnCode, err error, field string) error {
	var ce *mqtt.ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return &mqtt.ConnectError{Code: code, Err: fmt.Errorf("%s: %w", field, err)}
}

func decodeConnect(base Header, payload *mqtt.Payload) (*Connect, error) {
	result := &Connect{Header: base}

	protocolName, err := payload.ReadString()
	if err != nil {
		return nil, connectErr(mqtt.GenericError, err, "protocol name")
	}
	result.ProtocolName = string(protocolName)

	result.ProtocolVersion, err = payload.ReadByte()
	if err != nil {
		return nil, connectErr(mqtt.GenericError, err, "protocol version")
	}
	switch {
	case result.ProtocolVersion != ProtocolVersionV31 && result.ProtocolVersion != ProtocolVersionV311:
		return nil, mqtt.NewConnectError(mqtt.ProtocolNotSupported, "unsupported protocol version %d", result.ProtocolVersion)
	case result.ProtocolVersion == ProtocolVersionV311 && result.ProtocolName != ProtocolNameV311,
		result.ProtocolVersion == ProtocolVersionV31 && result.ProtocolName != ProtocolNameV31:
		return nil, mqtt.NewConnectError(mqtt.ProtocolNotSupported, "protocol name %q does not match version %d", result.ProtocolName, result.ProtocolVersion)
	}

	connectFlag, err := payload.ReadByte()
	if err != nil {
		return nil, connectErr(mqtt.GenericError, err, "connect flags")
	}
	if connectFlag&0x01 != 0 {
		return nil, &mqtt.ConnectError{Code: mqtt.GenericError, Err: fmt.Errorf("%w: reserved connect flag is set", mqtt.ErrMalformedPacket)}
	}
	result.UsernameFlag = connectFlag&0x80 != 0
	result.PasswordFlag = connectFlag&0x40 != 0
	result.WillRetain = connectFlag&0x20 != 0
	result.WillQoS = (connectFlag & 0x18) >> 3
	result.WillFlag = connectFlag&0x04 != 0
	result.CleanSession = connectFlag&0x02 != 0

	if result.WillFlag && result.WillQoS > mqtt.QoS2 {
		return nil, &mqtt.ConnectError{Code: mqtt.GenericError, Err: fmt.Errorf("%w: will QoS %d", mqtt.ErrMalformedPacket, result.WillQoS)}
	}
	if !result.WillFlag && (result.WillRetain || result.WillQoS != 0) {
		return nil, &mqtt.ConnectError{Code: mqtt.GenericError, Err: fmt.Errorf("%w: will retain and will QoS must be 0 without a will", mqtt.ErrMalformedPacket)}
	}
	if result.ProtocolVersion == ProtocolVersionV311 && result.PasswordFlag && !result.UsernameFlag {
		return nil, &mqtt.ConnectError{Code: mqtt.GenericError, Err: fmt.Errorf("%w: password flag set without user name flag", mqtt.ErrMalformedPacket)}
	}

	result.KeepAlive, err = payload.ReadUint16()
	if err != nil {
		return nil, connectErr(mqtt.GenericError, err, "keep alive")
	}

	clientID, err := payload.ReadString()
	if err != nil {
		return nil, connectErr(mqtt.GenericError, err, "client id")
	}
	result.ClientID = string(clientID)
	switch {
	case result.ClientID == "" && (result.ProtocolVersion == ProtocolVersionV31 || !result.CleanSession):
		return nil, mqtt.NewConnectError(mqtt.ClientIDInvalid, "empty client id requires a clean MQTT 3.1.1 session")
	case result.ProtocolVersion == ProtocolVersionV31 && len(result.ClientID) > maxV31ClientIDLength:
		return nil, mqtt.NewConnectError(mqtt.ClientIDInvalid, "client id longer than %d bytes", maxV31ClientIDLength)
	}

	if result.WillFlag {
		willTopic, err := payload.ReadString()
		if err != nil {
			return nil, connectErr(mqtt.GenericError, err, "will topic")
		}
		result.WillTopic = string(willTopic)

		result.WillMessage, err = payload.ReadString()
		if err != nil {
			return nil, connectErr(mqtt.GenericError, err, "will message")
		}
	}

	if result.UsernameFlag {
		username, err := payload.ReadString()
		if err != nil {
			return nil, connectErr(mqtt.GenericError, err, "username")
		}
		result.Username = string(username)
	}

	if result.PasswordFlag {
		result.Password, err = payload.ReadString()
		if err != nil {
			return nil, connectErr(mqtt.GenericError, err, "password")
		}
	}

	return result, nil
}

func decodePublish(base Header, flags byte, payload *mqtt.Payload) (*Publish, error) {
	result := &Publish{
		Header: base,
		Dup:    flags&0x08 != 0,
		QoS:    (flags & 0x06) >> 1,
		Retain: flags&0x01 != 0,
	}

	if result.QoS > mqtt.QoS2 {
		return nil, fmt.Errorf("%w: the QoS level must not be 3", mqtt.ErrMalformedPacket)
	}
	if result.QoS == mqtt.QoS0 && result.Dup {
		return nil, fmt.Errorf("%w: DUP must be 0 for QoS 0 messages", mqtt.ErrMalformedPacket)
	}

	topicName, err := payload.ReadString()
	if err != nil {
		return nil, fmt.Errorf("topic name: %w", err)
	}
	result.TopicName = string(topicName)
	if result.TopicName == "" || strings.ContainsAny(result.TopicName, "+#") {
		return nil, fmt.Errorf("%w: invalid topic name %q", mqtt.ErrMalformedPacket, result.TopicName)
	}

	if result.QoS > mqtt.QoS0 {
		result.MessageID, err = payload.ReadUint16()
		if err != nil {
			return nil, fmt.Errorf("message id: %w", err)
		}
		if result.MessageID == 0 {
			return nil, fmt.Errorf("%w: message id must not be 0", mqtt.ErrMalformedPacket)
		}
	}

	result.Content = payload.ReadRest()
	return result, nil
}

func decodeAck(base Header, payload *mqtt.Payload) (*Ack, error) {
	if payload.ContextLen != 2 {
		return nil, fmt.Errorf("%w: %s body must be 2 bytes, got %d", mqtt.ErrMalformedPacket, base.PacketType, payload.ContextLen)
	}
	id, err := payload.ReadUint16()
	if err != nil {
		return nil, err
	}
	return &Ack{Header: base, MessageID: id}, nil
}

func decodeSubscribe(base Header, payload *mqtt.Payload) (*Subscribe, error) {
	result := &Subscribe{Header: base}

	var err error
	result.MessageID, err = payload.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	for payload.CheckRemainingLength() {
		topicFilter, err := payload.ReadString()
		if err != nil {
			return nil, fmt.Errorf("topic filter: %w", err)
		}
		qos, err := payload.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("requested qos: %w", err)
		}
		result.Subscriptions = append(result.Subscriptions, Subscription{
			TopicFilter: string(topicFilter),
			QoS:         qos & 0x03,
		})
	}
	if len(result.Subscriptions) == 0 {
		return nil, fmt.Errorf("%w: SUBSCRIBE without topic filters", mqtt.ErrMalformedPacket)
	}
	return result, nil
}

func decodeUnsubscribe(base Header, payload *mqtt.Payload) (*Unsubscribe, error) {
	result := &Unsubscribe{Header: base}

	var err error
	result.MessageID, err = payload.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	for payload.CheckRemainingLength() {
		topicFilter, err := payload.ReadString()
		if err != nil {
			return nil, fmt.Errorf("topic filter: %w", err)
		}
		result.TopicFilters = append(result.TopicFilters, string(topicFilter))
	}
	if len(result.TopicFilters) == 0 {
		return nil, fmt.Errorf("%w: UNSUBSCRIBE without topic filters", mqtt.ErrMalformedPacket)
	}
	return result, nil
}
