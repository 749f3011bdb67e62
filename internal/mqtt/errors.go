package mqtt

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPacket             = errors.New("empty packet")
	ErrMalformedPacket         = errors.New("malformed packet")
	ErrRemainingLengthExceeded = errors.New("the remaining length exceeds the 4 byte limit")
	ErrPacketTooLarge          = errors.New("packet exceeds maximum size")
)

// ConnectReturnCode is the CONNACK return code.
type ConnectReturnCode byte

const (
	Accepted ConnectReturnCode = iota
	ProtocolNotSupported
	ClientIDInvalid
	GenericError
	BadCredentials
	Unauthorized
)

func (c ConnectReturnCode) String() string {
	switch c {
	case Accepted:
		return "accepted"
	case ProtocolNotSupported:
		return "unacceptable protocol version"
	case ClientIDInvalid:
		return "identifier rejected"
	case GenericError:
		return "server unavailable"
	case BadCredentials:
		return "bad user name or password"
	case Unauthorized:
		return "not authorized"
	}
	return fmt.Sprintf("return code %d", byte(c))
}

// ConnectError rejects a connection attempt. It is answered with a CONNACK
// carrying Code before the connection is closed.
type ConnectError struct {
	Code ConnectReturnCode
	Err  error
}

func NewConnectError(code ConnectReturnCode, format string, args ...any) *ConnectError {
	return &ConnectError{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return "connect rejected: " + e.Code.String()
	}
	return fmt.Sprintf("connect rejected (%s): %v", e.Code, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
