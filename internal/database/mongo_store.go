package database

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	kindMap = "map"
	kindSet = "set"
)

// entry is one document of the store collection. Each (table, key) pair is
// unique; a table holds entries of a single kind.
type entry struct {
	Table string `bson:"table"`
	Key   string `bson:"key"`
	Kind  string `bson:"kind"`
	Value string `bson:"value,omitempty"`
}

// MongoStore keeps every map and set in one collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

func mongoClientOptions(appName string, cfg config.MongoConfig) *options.ClientOptions {
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	var databaseUrl string
	if cfg.Username == "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	} else {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			encodedUser, encodedPass, cfg.Host, cfg.Port)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.ConnectIdleTimeout != "" {
		clientOptions.SetMaxConnIdleTime(utils.MustParseStringTime(cfg.ConnectIdleTimeout, 0))
	}
	clientOptions.SetConnectTimeout(utils.MustParseStringTime(cfg.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.MustParseStringTime(cfg.SocketTimeout, 30*time.Second))
	if cfg.Heartbeat != "" {
		clientOptions.SetHeartbeatInterval(utils.MustParseStringTime(cfg.Heartbeat, 10*time.Second))
	}
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{})
	}
	return clientOptions
}

func connectMongo(ctx context.Context, clientOptions *options.ClientOptions, database, collection string, timeout time.Duration) (*MongoStore, error) {
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: error occured while connecting to database: %v", ErrUnavailable, err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("%w: error occured while pinging database: %v", ErrUnavailable, err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "table", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("store_table_key_unique"),
	})
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while creating database indexes: %v", err)
	}

	return &MongoStore{client: client, collection: coll, timeout: timeout}, nil
}

func (ms *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ms.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, ms.timeout)
}

func handleMongoErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s %s: %w", op, name, ErrWrongType)
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%s %s: %w", op, name, ErrStoreClosed)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

// checkKind fails when table already holds entries of another kind.
func (ms *MongoStore) checkKind(ctx context.Context, table, kind string) error {
	n, err := ms.collection.CountDocuments(ctx, bson.M{"table": table, "kind": bson.M{"$ne": kind}})
	if err != nil {
		return handleMongoErr("kind", table, err)
	}
	if n > 0 {
		return fmt.Errorf("%s is not a %s: %w", table, kind, ErrWrongType)
	}
	return nil
}

func (ms *MongoStore) KeyInsert(ctx context.Context, set, member string) error {
	if set == "" {
		return ErrKeyEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	if err := ms.checkKind(ctx, set, kindSet); err != nil {
		return err
	}
	_, err := ms.collection.UpdateOne(ctx,
		bson.M{"table": set, "key": member, "kind": kindSet},
		bson.M{"$setOnInsert": bson.M{"table": set, "key": member, "kind": kindSet}},
		options.Update().SetUpsert(true),
	)
	return handleMongoErr("key insert", set, err)
}

func (ms *MongoStore) list(ctx context.Context, table, kind string) ([]entry, error) {
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	cursor, err := ms.collection.Find(ctx, bson.M{"table": table})
	if err != nil {
		return nil, handleMongoErr("find", table, err)
	}
	var entries []entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, handleMongoErr("find", table, err)
	}
	for _, e := range entries {
		if e.Kind != kind {
			return nil, fmt.Errorf("find %s: %w", table, ErrWrongType)
		}
	}
	return entries, nil
}

func (ms *MongoStore) Members(ctx context.Context, set string) ([]string, error) {
	if set == "" {
		return nil, ErrKeyEmpty
	}
	entries, err := ms.list(ctx, set, kindSet)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.Key)
	}
	return result, nil
}

func (ms *MongoStore) replace(ctx context.Context, table, key string, value Record) (bool, error) {
	data, err := marshalRecord(value)
	if err != nil {
		return false, err
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	if err := ms.checkKind(ctx, table, kindMap); err != nil {
		return false, err
	}
	res, err := ms.collection.ReplaceOne(ctx,
		bson.M{"table": table, "key": key, "kind": kindMap},
		entry{Table: table, Key: key, Kind: kindMap, Value: string(data)},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return false, handleMongoErr("replace", table, err)
	}
	return res.UpsertedCount == 1, nil
}

func (ms *MongoStore) Insert(ctx context.Context, table, key string, value Record) (bool, error) {
	if table == "" {
		return false, ErrKeyEmpty
	}
	return ms.replace(ctx, table, key, value)
}

func (ms *MongoStore) Update(ctx context.Context, table, key string, value Record) (bool, error) {
	if table == "" {
		return false, ErrKeyEmpty
	}
	base, existed, err := ms.Find(ctx, table, key)
	if err != nil {
		return false, err
	}
	if _, err := ms.replace(ctx, table, key, merge(base, value)); err != nil {
		return false, err
	}
	return existed, nil
}

func (ms *MongoStore) Get(ctx context.Context, table string) (map[string]Record, error) {
	if table == "" {
		return nil, ErrKeyEmpty
	}
	entries, err := ms.list(ctx, table, kindMap)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Record, len(entries))
	for _, e := range entries {
		r, err := unmarshalRecord([]byte(e.Value))
		if err != nil {
			return nil, err
		}
		result[e.Key] = r
	}
	return result, nil
}

func (ms *MongoStore) Find(ctx context.Context, table, key string) (Record, bool, error) {
	if table == "" {
		return nil, false, ErrKeyEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	var e entry
	err := ms.collection.FindOne(ctx, bson.M{"table": table, "key": key}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, handleMongoErr("find", table, err)
	}
	if e.Kind != kindMap {
		return nil, false, fmt.Errorf("find %s: %w", table, ErrWrongType)
	}
	r, err := unmarshalRecord([]byte(e.Value))
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (ms *MongoStore) Value(ctx context.Context, table, key, field string) (any, bool, error) {
	r, ok, err := ms.Find(ctx, table, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, ok := valueOf(r, field)
	return v, ok, nil
}

func (ms *MongoStore) Delete(ctx context.Context, table, key string) error {
	if table == "" {
		return ErrKeyEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	_, err := ms.collection.DeleteOne(ctx, bson.M{"table": table, "key": key})
	return handleMongoErr("delete", table, err)
}

func (ms *MongoStore) Exists(ctx context.Context, table, key string) (bool, error) {
	if table == "" {
		return false, ErrKeyEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	n, err := ms.collection.CountDocuments(ctx, bson.M{"table": table, "key": key})
	if err != nil {
		return false, handleMongoErr("exists", table, err)
	}
	return n > 0, nil
}

func (ms *MongoStore) Count(ctx context.Context, table string) (int, error) {
	if table == "" {
		return 0, ErrKeyEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	n, err := ms.collection.CountDocuments(ctx, bson.M{"table": table})
	if err != nil {
		return 0, handleMongoErr("count", table, err)
	}
	return int(n), nil
}

func (ms *MongoStore) Truncate(ctx context.Context, table string) error {
	if table == "" {
		return ErrKeyEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	_, err := ms.collection.DeleteMany(ctx, bson.M{"table": table})
	return handleMongoErr("truncate", table, err)
}

func (ms *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
