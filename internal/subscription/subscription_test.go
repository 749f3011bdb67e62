package subscription

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiltersSubscribeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	filters := NewFilters(database.NewMemoryStore())

	require.NoError(t, filters.Subscribe(ctx, "sport/#", "a", 1, 1))
	require.NoError(t, filters.Subscribe(ctx, "sport/#", "b", 2, 2))
	require.NoError(t, filters.Subscribe(ctx, "news", "a", 0, 0))

	all, err := filters.All(ctx)
	require.NoError(t, err)
	sort.Strings(all)
	assert.Equal(t, []string{"news", "sport/#"}, all)

	require.NoError(t, filters.Subscribe(ctx, "sport/#", "a", 0, 0))
	subs, err := filters.Subscribers(ctx, "sport/#")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	sort.Slice(subs, func(i, j int) bool { return subs[i].ClientID < subs[j].ClientID })
	assert.Equal(t, byte(0), subs[0].QoS)
	assert.NotZero(t, subs[0].SubscribedAt)
	assert.Equal(t, byte(2), subs[1].QoS)

	require.NoError(t, filters.Unsubscribe(ctx, "sport/#", "a"))
	all, err = filters.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, filters.Unsubscribe(ctx, "sport/#", "b"))
	require.NoError(t, filters.Unsubscribe(ctx, "news", "a"))
	all, err = filters.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, filters.Unsubscribe(ctx, "never", "a"))
}

type delivered struct {
	clientID string
	topic    string
	qos      byte
}

type recorder struct {
	mu   sync.Mutex
	seen []delivered
}

func (r *recorder) Deliver(_ context.Context, clientID string, message *packet.Publish, qos byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, delivered{clientID: clientID, topic: message.TopicName, qos: qos})
	return nil
}

func (r *recorder) snapshot() []delivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]delivered(nil), r.seen...)
	sort.Slice(out, func(i, j int) bool { return out[i].clientID < out[j].clientID })
	return out
}

func TestDispatcherFanOut(t *testing.T) {
	ctx := context.Background()
	filters := NewFilters(database.NewMemoryStore())
	require.NoError(t, filters.Subscribe(ctx, "sport/+/player1", "a", 0, 0))
	require.NoError(t, filters.Subscribe(ctx, "sport/#", "b", 1, 1))
	require.NoError(t, filters.Subscribe(ctx, "news/#", "c", 2, 2))

	rec := &recorder{}
	d := NewDispatcher(filters, rec, DispatcherOptions{MatchWorkers: 2, DeliverWorkers: 2, QueueSize: 4})
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Submit(ctx, &packet.Publish{TopicName: "sport/tennis/player1", QoS: 2, Content: []byte("x")}))

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []delivered{
		{clientID: "a", topic: "sport/tennis/player1", qos: 0},
		{clientID: "b", topic: "sport/tennis/player1", qos: 1},
	}, rec.snapshot())
}

func TestDispatcherMatch(t *testing.T) {
	ctx := context.Background()
	filters := NewFilters(database.NewMemoryStore())
	require.NoError(t, filters.Subscribe(ctx, "a/+", "x", 0, 0))
	require.NoError(t, filters.Subscribe(ctx, "a/b/c", "x", 0, 0))

	d := NewDispatcher(filters, &recorder{}, DispatcherOptions{})
	assert.Equal(t, []string{"a/+"}, d.Match(ctx, "a/b"))
	assert.Empty(t, d.Match(ctx, "b"))
}

func TestDispatcherStopped(t *testing.T) {
	d := NewDispatcher(NewFilters(database.NewMemoryStore()), &recorder{}, DispatcherOptions{})
	d.Start(context.Background())
	d.Stop()
	d.Stop()

	err := d.Submit(context.Background(), &packet.Publish{TopicName: "a"})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestDispatcherSubmitQueueFull(t *testing.T) {
	d := NewDispatcher(NewFilters(database.NewMemoryStore()), &recorder{}, DispatcherOptions{QueueSize: 1})
	ctx := context.Background()

	require.NoError(t, d.Submit(ctx, &packet.Publish{TopicName: "a"}))
	done := make(chan error, 1)
	go func() { done <- d.Submit(ctx, &packet.Publish{TopicName: "b"}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}

func TestFiltersDrop(t *testing.T) {
	ctx := context.Background()
	filters := NewFilters(database.NewMemoryStore())

	require.NoError(t, filters.Subscribe(ctx, "sport/#", "a", 1, 1))
	require.NoError(t, filters.Subscribe(ctx, "news", "a", 0, 0))
	require.NoError(t, filters.Subscribe(ctx, "news", "b", 0, 0))

	require.NoError(t, filters.Drop(ctx, "a"))
	all, err := filters.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, all)

	subs, err := filters.Subscribers(ctx, "news")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "b", subs[0].ClientID)

	require.NoError(t, filters.Drop(ctx, "a"))
	require.NoError(t, filters.Drop(ctx, "nobody"))
}
