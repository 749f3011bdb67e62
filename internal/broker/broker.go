// Package broker drives the MQTT protocol state of every connection on top
// of the Session Store.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/session"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/subscription"
)

var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Transport is the set of live connections the broker writes to.
type Transport interface {
	Send(connectionID string, data []byte) error
	Close(connectionID string) error
	Alive(connectionID string) bool
	LastActivity(connectionID string) (time.Time, bool)
	Connections() []string
}

type Options struct {
	WorkerNum       int
	TaskWorkerNum   int
	QueueSize       int
	MessageIDExpiry time.Duration
}

type phase int

const (
	unauthenticated phase = iota
	connected
	closed
)

// connState is the in-process view of one connection.
type connState struct {
	phase    phase
	clientID string
	// graceful is set by DISCONNECT; no will is sent on close.
	graceful bool
	// evicted is set when a newer connection took over the client id.
	evicted bool
}

type Broker struct {
	transport Transport
	hooks     Hooks

	clients    *session.Clients
	sockets    *session.Sockets
	messageIDs *session.MessageIDs
	filters    *subscription.Filters
	dispatcher *subscription.Dispatcher

	mu    sync.Mutex
	conns map[string]*connState
}

func New(store database.Store, transport Transport, hooks Hooks, opts Options) *Broker {
	if hooks == nil {
		hooks = NopHooks{}
	}
	messageIDs := session.NewMessageIDs(store, session.WithTimeout(opts.MessageIDExpiry))
	b := &Broker{
		transport:  transport,
		hooks:      hooks,
		clients:    session.NewClients(store, messageIDs),
		sockets:    session.NewSockets(store),
		messageIDs: messageIDs,
		filters:    subscription.NewFilters(store),
		conns:      make(map[string]*connState),
	}
	b.dispatcher = subscription.NewDispatcher(b.filters, b, subscription.DispatcherOptions{
		MatchWorkers:   opts.WorkerNum,
		DeliverWorkers: opts.TaskWorkerNum,
		QueueSize:      opts.QueueSize,
	})
	return b
}

// Start drops stale clean sessions and launches the fan-out workers.
func (b *Broker) Start(ctx context.Context) error {
	removed, err := b.clients.Reset(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.InfoF("Removed %d clean sessions left from the previous run", removed)
	}
	b.dispatcher.Start(ctx)
	return nil
}

// Started fires the Started hook once the listener accepts connections.
func (b *Broker) Started() {
	b.hooks.Started(b)
}

// Stop halts fan-out and pending message id timers.
func (b *Broker) Stop() {
	b.dispatcher.Stop()
	b.messageIDs.Stop()
}

// Invoke lets the shutdown cleaner stop the broker.
func (b *Broker) Invoke(_ context.Context) error {
	b.Stop()
	return nil
}

// Open registers a freshly accepted connection.
func (b *Broker) Open(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[connectionID] = &connState{phase: unauthenticated}
}

func (b *Broker) state(connectionID string) (*connState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.conns[connectionID]
	return st, ok
}

func (b *Broker) update(connectionID string, fn func(st *connState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.conns[connectionID]; ok {
		fn(st)
	}
}

// forceClose stops dispatch for the connection and closes the socket.
func (b *Broker) forceClose(connectionID string) {
	b.update(connectionID, func(st *connState) { st.phase = closed })
	if err := b.transport.Close(connectionID); err != nil {
		logger.DebugF("[%s] Error occured while closing connection, details: %v", connectionID, err)
	}
}

func (b *Broker) send(connectionID string, data []byte) error {
	return b.transport.Send(connectionID, data)
}
