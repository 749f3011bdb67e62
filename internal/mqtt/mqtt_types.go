// Package mqtt holds the MQTT 3.1/3.1.1 wire primitives: packet types, the
// fixed header, remaining length, frame reading and field cursors.
package mqtt

// PacketType is the high nibble of the fixed header.
type PacketType byte

const (
	CONNECT     PacketType = iota + 1 // client request to connect
	CONNACK                           // connect acknowledgement
	PUBLISH                           // publish message
	PUBACK                            // QoS 1 publish acknowledgement
	PUBREC                            // QoS 2 publish received (step 1)
	PUBREL                            // QoS 2 publish release (step 2)
	PUBCOMP                           // QoS 2 publish complete (step 3)
	SUBSCRIBE                         // subscribe request
	SUBACK                            // subscribe acknowledgement
	UNSUBSCRIBE                       // unsubscribe request
	UNSUBACK                          // unsubscribe acknowledgement
	PINGREQ                           // ping request
	PINGRESP                          // ping response
	DISCONNECT                        // client is disconnecting
)

var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return "UNKNOWN"
}

// allowedFlags lists the fixed header flag bits each packet type may carry.
var allowedFlags = map[PacketType]byte{
	CONNECT:     0x00,
	CONNACK:     0x00,
	PUBLISH:     0x0F,
	PUBACK:      0x00,
	PUBREC:      0x00,
	PUBREL:      0x02,
	PUBCOMP:     0x00,
	SUBSCRIBE:   0x02,
	SUBACK:      0x00,
	UNSUBSCRIBE: 0x02,
	UNSUBACK:    0x00,
	PINGREQ:     0x00,
	PINGRESP:    0x00,
	DISCONNECT:  0x00,
}

// requiredFlags are the bits MQTT 3.1.1 mandates to be set.
var requiredFlags = map[PacketType]byte{
	PUBREL:      0x02,
	SUBSCRIBE:   0x02,
	UNSUBSCRIBE: 0x02,
}

type FixedHeader struct {
	Type            PacketType
	Flags           byte
	RemainingLength int
}

// QoS levels.
const (
	QoS0 byte = iota
	QoS1
	QoS2
)

// MaxRemainingLength is the largest value four length bytes can carry.
const MaxRemainingLength = 268435455
