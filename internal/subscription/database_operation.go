// Package subscription stores topic filter subscriptions and fans published
// messages out to the matching subscribers.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
)

const (
	filtersTable     = "topic_filters"
	subscribersTable = "topic_filter_%s_subscribes"
	// clientFilters is the set of filters one client subscribes to.
	clientFilters = "client_%s_topic_filters"
)

// Subscriber is one client's subscription to a topic filter.
type Subscriber struct {
	ClientID     string `json:"client_id"`
	QoS          byte   `json:"qos"`
	OriginalQoS  byte   `json:"original_qos"`
	SubscribedAt int64  `json:"subscribed_at"`
}

// Filters is the subscription table. A filter record exists while at least
// one client subscribes to it.
type Filters struct {
	store database.Store
}

func NewFilters(store database.Store) *Filters {
	return &Filters{store: store}
}

func subscribers(filter string) string {
	return fmt.Sprintf(subscribersTable, filter)
}

func ownFilters(clientID string) string {
	return fmt.Sprintf(clientFilters, clientID)
}

// Subscribe records or refreshes clientID's subscription to filter with the
// granted qos and the qos it asked for.
func (f *Filters) Subscribe(ctx context.Context, filter, clientID string, qos, requested byte) error {
	exists, err := f.store.Exists(ctx, filtersTable, filter)
	if err != nil {
		return err
	}
	if !exists {
		_, err = f.store.Insert(ctx, filtersTable, filter, database.Record{
			"topic_filter": filter,
			"created_at":   time.Now().Unix(),
		})
		if err != nil {
			return err
		}
		logger.DebugF("Topic filter %s created", filter)
	}

	if err := f.store.KeyInsert(ctx, ownFilters(clientID), filter); err != nil {
		return err
	}

	table := subscribers(filter)
	data := database.Record{
		"client_id":    clientID,
		"qos":          qos,
		"original_qos": requested,
	}
	exists, err = f.store.Exists(ctx, table, clientID)
	if err != nil {
		return err
	}
	if exists {
		_, err = f.store.Update(ctx, table, clientID, data)
		return err
	}
	data["subscribed_at"] = time.Now().Unix()
	_, err = f.store.Insert(ctx, table, clientID, data)
	return err
}

// Unsubscribe removes clientID from filter and drops the filter once nobody
// subscribes to it.
func (f *Filters) Unsubscribe(ctx context.Context, filter, clientID string) error {
	if err := f.store.Delete(ctx, ownFilters(clientID), filter); err != nil {
		return err
	}
	table := subscribers(filter)
	if err := f.store.Delete(ctx, table, clientID); err != nil {
		return err
	}
	n, err := f.store.Count(ctx, table)
	if err != nil {
		return err
	}
	if n == 0 {
		logger.DebugF("Topic filter %s has no subscribers left", filter)
		return f.store.Delete(ctx, filtersTable, filter)
	}
	return nil
}

// Drop removes every subscription of clientID.
func (f *Filters) Drop(ctx context.Context, clientID string) error {
	filters, err := f.store.Members(ctx, ownFilters(clientID))
	if err != nil {
		return err
	}
	for _, filter := range filters {
		if err := f.Unsubscribe(ctx, filter, clientID); err != nil {
			return err
		}
	}
	if len(filters) > 0 {
		logger.DebugF("Dropped %d subscriptions of %s", len(filters), clientID)
	}
	return f.store.Truncate(ctx, ownFilters(clientID))
}

// All lists every topic filter with at least one subscriber.
func (f *Filters) All(ctx context.Context) ([]string, error) {
	records, err := f.store.Get(ctx, filtersTable)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(records))
	for key, record := range records {
		if filter, ok := record["topic_filter"].(string); ok {
			result = append(result, filter)
			continue
		}
		result = append(result, key)
	}
	return result, nil
}

func (f *Filters) Subscribers(ctx context.Context, filter string) ([]Subscriber, error) {
	records, err := f.store.Get(ctx, subscribers(filter))
	if err != nil {
		return nil, err
	}
	result := make([]Subscriber, 0, len(records))
	for clientID, record := range records {
		var s Subscriber
		if err := database.DecodeRecord(record, &s); err != nil {
			return nil, fmt.Errorf("subscriber %s of %s: %w", clientID, filter, err)
		}
		if s.ClientID == "" {
			s.ClientID = clientID
		}
		result = append(result, s)
	}
	return result, nil
}
