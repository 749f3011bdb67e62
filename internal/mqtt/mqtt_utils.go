package mqtt

import (
	"encoding/binary"
	"fmt"
	"io"
)

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

// AppendString appends s with its 2-byte big-endian length prefix.
func AppendString(dst []byte, s []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// EncodeRemainingLength writes x in base-128 with a continuation bit; zero is
// a single 0x00 byte.
func EncodeRemainingLength(x int) []byte {
	buf := make([]byte, 0, 4)
	for {
		encoded := byte(x % 128)
		x /= 128
		if x > 0 {
			encoded |= 128
		}
		buf = append(buf, encoded)
		if x == 0 || len(buf) == 4 {
			return buf
		}
	}
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	var one [1]byte
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return 0, err
		}
		value += int(one[0]&127) * multiplier
		multiplier *= 128
		if one[0]&128 == 0 {
			return value, nil
		}
	}
	return 0, ErrRemainingLengthExceeded
}

// DecodeRemainingLengthBytes decodes the length at the start of b and returns
// the value and the number of bytes consumed.
func DecodeRemainingLengthBytes(b []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated remaining length", ErrMalformedPacket)
		}
		value += int(b[i]&127) * multiplier
		multiplier *= 128
		if b[i]&128 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrRemainingLengthExceeded
}

// IsReserved reports whether pt is one of the reserved types 0 and 15.
func IsReserved(pt PacketType) bool {
	_, ok := allowedFlags[pt]
	return !ok
}

func ValidateFlags(pt PacketType, flags byte) bool {
	allowed, ok := allowedFlags[pt]
	if !ok {
		return false
	}
	required := requiredFlags[pt]
	return flags&^allowed == 0 && flags&required == required
}

// ReadFrame reads one complete control packet (fixed header, remaining length
// and body) from r. maxSize bounds the remaining length; 0 means the protocol
// maximum.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var typeAndFlags [1]byte
	if _, err := io.ReadFull(r, typeAndFlags[:]); err != nil {
		return nil, err
	}

	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, remaining, maxSize)
	}

	lengthBytes := EncodeRemainingLength(remaining)
	frame := make([]byte, 1+len(lengthBytes)+remaining)
	frame[0] = typeAndFlags[0]
	copy(frame[1:], lengthBytes)
	if _, err := io.ReadFull(r, frame[1+len(lengthBytes):]); err != nil {
		return nil, err
	}
	return frame, nil
}

// ParseFixedHeader splits a frame into its header and the body covered by the
// remaining length.
func ParseFixedHeader(frame []byte) (FixedHeader, []byte, error) {
	if len(frame) == 0 {
		return FixedHeader{}, nil, ErrEmptyPacket
	}
	remaining, n, err := DecodeRemainingLengthBytes(frame[1:])
	if err != nil {
		return FixedHeader{}, nil, err
	}
	header := FixedHeader{
		Type:            PacketType(frame[0] >> 4),
		Flags:           frame[0] & 0x0F,
		RemainingLength: remaining,
	}
	start := 1 + n
	if len(frame)-start < remaining {
		return header, nil, fmt.Errorf("%w: body has %d bytes, remaining length is %d", ErrMalformedPacket, len(frame)-start, remaining)
	}
	return header, frame[start : start+remaining], nil
}
