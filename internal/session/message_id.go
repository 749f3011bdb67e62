package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
)

// ErrMessageIDExhausted is returned when no free id was drawn within
// maxProbes attempts.
var ErrMessageIDExhausted = errors.New("failed to allocate a message id")

const (
	maxProbes        = 10
	DefaultIDTimeout = 30 * time.Second
	messageIDsTable  = "%s_message_ids"
)

type Option func(*MessageIDs)

// WithRandom replaces the id source. It must return values in [1, 65535].
func WithRandom(next func() uint16) Option {
	return func(m *MessageIDs) { m.random = next }
}

func WithTimeout(d time.Duration) Option {
	return func(m *MessageIDs) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// MessageIDs allocates 16-bit message identifiers per client. Every
// allocation expires after the timeout unless confirmed or released first.
type MessageIDs struct {
	store   database.Store
	random  func() uint16
	timeout time.Duration

	mu     sync.Mutex
	timers map[string]map[uint16]expiry
}

type expiry struct {
	timer *time.Timer
	token string
}

func NewMessageIDs(store database.Store, opts ...Option) *MessageIDs {
	m := &MessageIDs{
		store:   store,
		timeout: DefaultIDTimeout,
		random:  func() uint16 { return uint16(rand.IntN(65535)) + 1 },
		timers:  make(map[string]map[uint16]expiry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func table(clientID string) string {
	return fmt.Sprintf(messageIDsTable, clientID)
}

func key(id uint16) string {
	return strconv.Itoa(int(id))
}

// Allocate draws a random id not currently held by clientID.
func (m *MessageIDs) Allocate(ctx context.Context, clientID string, qos byte) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for probe := 0; probe < maxProbes; probe++ {
		id := m.random()
		if id == 0 {
			continue
		}
		exists, err := m.store.Exists(ctx, table(clientID), key(id))
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}

		token := uuid.NewString()
		_, err = m.store.Insert(ctx, table(clientID), key(id), database.Record{
			"token":        token,
			"qos":          qos,
			"allocated_at": time.Now().Unix(),
		})
		if err != nil {
			return 0, err
		}
		m.schedule(clientID, id, token)
		return id, nil
	}
	return 0, fmt.Errorf("%w for client %s after %d attempts", ErrMessageIDExhausted, clientID, maxProbes)
}

// schedule must be called with m.mu held.
func (m *MessageIDs) schedule(clientID string, id uint16, token string) {
	byID, ok := m.timers[clientID]
	if !ok {
		byID = make(map[uint16]expiry)
		m.timers[clientID] = byID
	}
	if old, ok := byID[id]; ok {
		old.timer.Stop()
	}
	byID[id] = expiry{
		timer: time.AfterFunc(m.timeout, func() { m.expire(clientID, id, token) }),
		token: token,
	}
}

func (m *MessageIDs) expire(clientID string, id uint16, token string) {
	m.mu.Lock()
	if current, ok := m.timers[clientID][id]; ok && current.token == token {
		m.forget(clientID, id)
	}
	m.mu.Unlock()

	ctx := context.Background()
	v, ok, err := m.store.Value(ctx, table(clientID), key(id), "token")
	if err != nil {
		logger.WarnF("Failed to read message id %d of %s: %v", id, clientID, err)
		return
	}
	// the id was released and drawn again since this timer was armed
	if !ok || v != token {
		return
	}
	if err := m.store.Delete(ctx, table(clientID), key(id)); err != nil {
		logger.WarnF("Failed to expire message id %d of %s: %v", id, clientID, err)
		return
	}
	logger.DebugF("Message id %d of %s expired", id, clientID)
}

// forget must be called with m.mu held.
func (m *MessageIDs) forget(clientID string, id uint16) {
	byID, ok := m.timers[clientID]
	if !ok {
		return
	}
	if e, ok := byID[id]; ok {
		e.timer.Stop()
		delete(byID, id)
	}
	if len(byID) == 0 {
		delete(m.timers, clientID)
	}
}

// Confirm reports whether id is allocated for clientID at the given qos. An
// allocation made at another qos does not match. With consume set the
// allocation is released on success.
func (m *MessageIDs) Confirm(ctx context.Context, clientID string, id uint16, qos byte, consume bool) (bool, error) {
	v, ok, err := m.store.Value(ctx, table(clientID), key(id), "qos")
	if err != nil || !ok {
		return false, err
	}
	if stored, ok := qosOf(v); !ok || stored != qos {
		return false, nil
	}
	if consume {
		if err := m.Release(ctx, clientID, id); err != nil {
			return false, err
		}
	}
	return true, nil
}

// qosOf reads a qos back from a record field; JSON numbers decode as float64.
func qosOf(v any) (byte, bool) {
	switch n := v.(type) {
	case float64:
		return byte(n), true
	case json.Number:
		i, err := n.Int64()
		return byte(i), err == nil
	case int:
		return byte(n), true
	case int64:
		return byte(n), true
	case byte:
		return n, true
	}
	return 0, false
}

func (m *MessageIDs) Release(ctx context.Context, clientID string, id uint16) error {
	m.mu.Lock()
	m.forget(clientID, id)
	m.mu.Unlock()
	return m.store.Delete(ctx, table(clientID), key(id))
}

// Clear drops every allocation of clientID.
func (m *MessageIDs) Clear(ctx context.Context, clientID string) error {
	m.mu.Lock()
	for _, e := range m.timers[clientID] {
		e.timer.Stop()
	}
	delete(m.timers, clientID)
	m.mu.Unlock()
	return m.store.Truncate(ctx, table(clientID))
}

// Stop cancels all pending expiry timers. Stored allocations are kept.
func (m *MessageIDs) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for clientID, byID := range m.timers {
		for _, e := range byID {
			e.timer.Stop()
		}
		delete(m.timers, clientID)
	}
}

// Pending is the number of armed expiry timers.
func (m *MessageIDs) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byID := range m.timers {
		n += len(byID)
	}
	return n
}
