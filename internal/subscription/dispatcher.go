package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/topic"
)

var (
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	// ErrQueueFull is returned by Submit when the match stage is saturated;
	// the message is not fanned out.
	ErrQueueFull = errors.New("dispatch queue full")
)

// Deliverer sends one message to one subscriber at the given qos.
type Deliverer interface {
	Deliver(ctx context.Context, clientID string, message *packet.Publish, qos byte) error
}

type DispatcherOptions struct {
	// MatchWorkers scan the filter table for each submitted message.
	MatchWorkers int
	// DeliverWorkers send the message to the subscribers of one filter.
	DeliverWorkers int
	// QueueSize bounds both stages.
	QueueSize int
}

type delivery struct {
	message *packet.Publish
	filter  string
}

// Dispatcher fans published messages out in two bounded stages: matching
// the message against every stored filter, then delivering it to each
// subscriber of every matched filter.
type Dispatcher struct {
	filters   *Filters
	deliverer Deliverer
	opts      DispatcherOptions

	matchQueue   chan *packet.Publish
	deliverQueue chan delivery

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	cancel    context.CancelFunc
	matchWG   sync.WaitGroup
	deliverWG sync.WaitGroup
}

func NewDispatcher(filters *Filters, deliverer Deliverer, opts DispatcherOptions) *Dispatcher {
	if opts.MatchWorkers <= 0 {
		opts.MatchWorkers = 1
	}
	if opts.DeliverWorkers <= 0 {
		opts.DeliverWorkers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	return &Dispatcher{
		filters:      filters,
		deliverer:    deliverer,
		opts:         opts,
		matchQueue:   make(chan *packet.Publish, opts.QueueSize),
		deliverQueue: make(chan delivery, opts.QueueSize),
		stopped:      make(chan struct{}),
	}
}

// Start launches the worker pools. Workers stop when ctx ends or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		for i := 0; i < d.opts.MatchWorkers; i++ {
			d.matchWG.Add(1)
			go d.matchWorker(ctx)
		}
		for i := 0; i < d.opts.DeliverWorkers; i++ {
			d.deliverWG.Add(1)
			go d.deliverWorker(ctx)
		}
		logger.DebugF("Dispatcher started with %d match workers and %d deliver workers",
			d.opts.MatchWorkers, d.opts.DeliverWorkers)
	})
}

// Submit queues message for fan-out without blocking the caller.
func (d *Dispatcher) Submit(ctx context.Context, message *packet.Publish) error {
	select {
	case <-d.stopped:
		return ErrDispatcherStopped
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.matchQueue <- message:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop halts both stages. Messages still queued are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		if d.cancel != nil {
			d.cancel()
		}
		d.matchWG.Wait()
		d.deliverWG.Wait()
		logger.DebugF("Dispatcher stopped")
	})
}

func (d *Dispatcher) matchWorker(ctx context.Context) {
	defer d.matchWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-d.matchQueue:
			for _, filter := range d.Match(ctx, message.TopicName) {
				select {
				case d.deliverQueue <- delivery{message: message, filter: filter}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliverWorker(ctx context.Context) {
	defer d.deliverWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.deliverQueue:
			d.Dispatch(ctx, task.message, task.filter)
		}
	}
}

// Match returns every stored filter that topicName matches.
func (d *Dispatcher) Match(ctx context.Context, topicName string) []string {
	filters, err := d.filters.All(ctx)
	if err != nil {
		logger.ErrorF("Failed to load topic filters: %v", err)
		return nil
	}
	matches := make([]string, 0)
	for _, filter := range filters {
		if topic.Matches(topicName, filter) {
			matches = append(matches, filter)
		}
	}
	return matches
}

// Dispatch delivers message to every subscriber of filter, downgrading to
// the subscriber's granted qos.
func (d *Dispatcher) Dispatch(ctx context.Context, message *packet.Publish, filter string) {
	subs, err := d.filters.Subscribers(ctx, filter)
	if err != nil {
		logger.ErrorF("Failed to load subscribers of %s: %v", filter, err)
		return
	}
	for _, sub := range subs {
		qos := min(message.QoS, sub.QoS)
		if err := d.deliverer.Deliver(ctx, sub.ClientID, message, qos); err != nil {
			logger.WarnF("Failed to deliver %s to %s: %v", message.TopicName, sub.ClientID, err)
		}
	}
}
