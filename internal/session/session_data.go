// Package session keeps client session records, the connection to client id
// mapping and per-client message identifiers in the Session Store.
package session

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/packet"
)

const (
	clientsTable     = "clients"
	clientIDsSet     = "client_ids"
	connectionsTable = "connections"
)

// Session is the stored state of one client, written on every CONNECT.
type Session struct {
	ConnectionID    string `json:"connection_id"`
	ClientID        string `json:"client_id"`
	ProtocolVersion byte   `json:"protocol_version"`
	KeepAlive       uint16 `json:"keep_alive"`
	CleanSession    bool   `json:"clean_session"`
	WillFlag        bool   `json:"will_flag"`
	WillRetain      bool   `json:"will_retain"`
	WillQoS         byte   `json:"will_qos"`
	WillTopic       string `json:"will_topic"`
	WillMessage     []byte `json:"will_message"`
	UsernameFlag    bool   `json:"username_flag"`
	PasswordFlag    bool   `json:"password_flag"`
	Username        string `json:"username"`
}

func NewSession(connectionID string, c *packet.Connect) *Session {
	return &Session{
		ConnectionID:    connectionID,
		ClientID:        c.ClientID,
		ProtocolVersion: c.ProtocolVersion,
		KeepAlive:       c.KeepAlive,
		CleanSession:    c.CleanSession,
		WillFlag:        c.WillFlag,
		WillRetain:      c.WillRetain,
		WillQoS:         c.WillQoS,
		WillTopic:       c.WillTopic,
		WillMessage:     c.WillMessage,
		UsernameFlag:    c.UsernameFlag,
		PasswordFlag:    c.PasswordFlag,
		Username:        c.Username,
	}
}

// Will builds the publish sent on the client's behalf after an abnormal close.
func (s *Session) Will() *packet.Publish {
	return &packet.Publish{
		ClientID:  s.ClientID,
		QoS:       s.WillQoS,
		Retain:    s.WillRetain,
		TopicName: s.WillTopic,
		Content:   s.WillMessage,
	}
}

type Clients struct {
	store database.Store
	ids   *MessageIDs
}

func NewClients(store database.Store, ids *MessageIDs) *Clients {
	return &Clients{store: store, ids: ids}
}

func (c *Clients) IDs(ctx context.Context) ([]string, error) {
	return c.store.Members(ctx, clientIDsSet)
}

func (c *Clients) Find(ctx context.Context, clientID string) (*Session, bool, error) {
	record, ok, err := c.store.Find(ctx, clientsTable, clientID)
	if err != nil || !ok {
		return nil, false, err
	}
	var s Session
	if err := database.DecodeRecord(record, &s); err != nil {
		return nil, false, fmt.Errorf("session %s: %w", clientID, err)
	}
	return &s, true, nil
}

// Save replaces the stored session of s.ClientID.
func (c *Clients) Save(ctx context.Context, s *Session) error {
	record, err := database.EncodeRecord(s)
	if err != nil {
		return err
	}
	if err := c.store.KeyInsert(ctx, clientIDsSet, s.ClientID); err != nil {
		return err
	}
	_, err = c.store.Insert(ctx, clientsTable, s.ClientID, record)
	return err
}

// Delete removes the session together with the client's message ids.
func (c *Clients) Delete(ctx context.Context, clientID string) error {
	if err := c.store.Delete(ctx, clientIDsSet, clientID); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, clientsTable, clientID); err != nil {
		return err
	}
	return c.ids.Clear(ctx, clientID)
}

// Reset drops every clean session, and ids whose record is gone, returning
// how many clients were removed. Persistent sessions are kept.
func (c *Clients) Reset(ctx context.Context) (int, error) {
	ids, err := c.IDs(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, clientID := range ids {
		s, ok, err := c.Find(ctx, clientID)
		if err != nil {
			return removed, err
		}
		if ok && !s.CleanSession {
			continue
		}
		if err := c.Delete(ctx, clientID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Sockets maps connection handles to the client id they authenticated as.
type Sockets struct {
	store database.Store
}

func NewSockets(store database.Store) *Sockets {
	return &Sockets{store: store}
}

func (s *Sockets) Bind(ctx context.Context, connectionID, clientID string) error {
	_, err := s.store.Insert(ctx, connectionsTable, connectionID, database.Record{"client_id": clientID})
	return err
}

func (s *Sockets) ClientID(ctx context.Context, connectionID string) (string, bool, error) {
	v, ok, err := s.store.Value(ctx, connectionsTable, connectionID, "client_id")
	if err != nil || !ok {
		return "", false, err
	}
	clientID, ok := v.(string)
	if !ok || clientID == "" {
		return "", false, nil
	}
	return clientID, true, nil
}

func (s *Sockets) Delete(ctx context.Context, connectionID string) error {
	return s.store.Delete(ctx, connectionsTable, connectionID)
}
