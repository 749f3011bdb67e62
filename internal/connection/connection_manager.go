// Package connection tracks the live TCP connections of the broker.
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
)

var ErrConnectionNotFound = errors.New("connection not found")

// Connection is one accepted client socket.
type Connection struct {
	Conn   net.Conn
	ConnID string

	writeMu  sync.Mutex
	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func (c *Connection) touch(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = at
}

func (c *Connection) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// DefaultWriteTimeout bounds one Send when no other timeout is configured.
const DefaultWriteTimeout = 10 * time.Second

// Registry maps connection ids to sockets. It is the broker's transport.
type Registry struct {
	connections  sync.Map
	now          func() time.Time
	writeTimeout time.Duration
}

type RegistryOption func(*Registry)

// WithWriteTimeout sets how long Send may block on one socket. A client
// that does not drain its socket within it is disconnected.
func WithWriteTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{now: time.Now, writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers conn under a fresh connection id.
func (r *Registry) Add(conn net.Conn) *Connection {
	c := &Connection{Conn: conn, ConnID: uuid.NewString(), lastSeen: r.now()}
	r.connections.Store(c.ConnID, c)
	logger.DebugF("[%s] Connection from %s registered", c.ConnID, conn.RemoteAddr())
	return c
}

func (r *Registry) Remove(connectionID string) {
	r.connections.Delete(connectionID)
}

func (r *Registry) get(connectionID string) (*Connection, bool) {
	if value, ok := r.connections.Load(connectionID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

// Send writes data in full. Writes to one connection never interleave. A
// write that misses the deadline closes the connection.
func (r *Registry) Send(connectionID string, data []byte) error {
	c, ok := r.get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(r.now().Add(r.writeTimeout)); err != nil {
		return err
	}
	err := Send(c.Conn, data, c.ConnID)
	if err != nil && os.IsTimeout(err) {
		logger.WarnF("[%s] Client is not reading, closing connection", c.ConnID)
		if cerr := r.Close(connectionID); cerr != nil {
			logger.ErrorF("[%s] Fail to close stalled connection, details: %v", c.ConnID, cerr)
		}
	}
	return err
}

// Close closes the socket; the read loop then runs the close path.
func (r *Registry) Close(connectionID string) error {
	c, ok := r.get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if err := c.Conn.Close(); err != nil && !IsNetClosedError(err) {
		return err
	}
	return nil
}

func (r *Registry) Alive(connectionID string) bool {
	c, ok := r.get(connectionID)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (r *Registry) LastActivity(connectionID string) (time.Time, bool) {
	c, ok := r.get(connectionID)
	if !ok {
		return time.Time{}, false
	}
	return c.lastActivity(), true
}

// Touch records inbound activity on the connection.
func (r *Registry) Touch(connectionID string) {
	if c, ok := r.get(connectionID); ok {
		c.touch(r.now())
	}
}

func (r *Registry) Connections() []string {
	var ids []string
	r.connections.Range(func(key, value any) bool {
		if r.Alive(key.(string)) {
			ids = append(ids, key.(string))
		}
		return true
	})
	return ids
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed by broker", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
