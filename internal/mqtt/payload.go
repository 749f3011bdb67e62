package mqtt

import (
	"encoding/binary"
	"fmt"
)

// Payload is a read cursor over the variable header and payload of a packet.
type Payload struct {
	Context    []byte
	ContextLen int
	CurrentPtr int
}

func NewPayload(body []byte) *Payload {
	return &Payload{Context: body, ContextLen: len(body)}
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

func (p *Payload) Remaining() int {
	return p.ContextLen - p.CurrentPtr
}

func (p *Payload) ReadByte() (byte, error) {
	if p.CurrentPtr >= p.ContextLen {
		return 0, fmt.Errorf("%w: no byte left at offset %d", ErrMalformedPacket, p.CurrentPtr)
	}
	b := p.Context[p.CurrentPtr]
	p.CurrentPtr++
	return b, nil
}

func (p *Payload) ReadBytes(length int) ([]byte, error) {
	if length < 0 || p.CurrentPtr+length > p.ContextLen {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedPacket, length, p.CurrentPtr, p.Remaining())
	}
	data := p.Context[p.CurrentPtr : p.CurrentPtr+length]
	p.CurrentPtr += length
	return data, nil
}

func (p *Payload) ReadUint16() (uint16, error) {
	data, err := p.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data), nil
}

// ReadString reads a 2-byte length prefixed field. The bytes are returned
// as-is, without UTF-8 re-encoding.
func (p *Payload) ReadString() ([]byte, error) {
	length, err := p.ReadUint16()
	if err != nil {
		return nil, err
	}
	return p.ReadBytes(int(length))
}

// ReadRest consumes everything left.
func (p *Payload) ReadRest() []byte {
	data := p.Context[p.CurrentPtr:]
	p.CurrentPtr = p.ContextLen
	return data
}
