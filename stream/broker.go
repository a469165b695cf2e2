package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xraph/tenantflow/event"
	"github.com/xraph/tenantflow/ext"
)

var (
	_ ext.Extension = (*Broker)(nil)
	_ ext.Shutdown  = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker routes bus events to subscribers by organization and topic.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a broker. Attach it to a bus to start receiving events.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Attach subscribes the broker to bus and returns the detach function.
func (b *Broker) Attach(bus event.Bus) (detach func()) {
	return bus.Subscribe(b.Publish)
}

// Publish routes evt to every matching subscriber. It has the signature of
// an event.Handler and never blocks.
func (b *Broker) Publish(_ context.Context, evt event.Event) {
	if evt.OrgID == "" {
		return
	}
	delivered, dropped := b.topics.Broadcast(evt.OrgID, resolveTopics(&evt), &evt)
	b.totalPublished.Add(int64(delivered))
	if dropped > 0 {
		b.totalDropped.Add(int64(dropped))
		b.logger.Debug("stream: events dropped",
			slog.String("kind", string(evt.Kind)),
			slog.String("org_id", evt.OrgID),
			slog.Int("dropped", dropped),
		)
	}
}

// Subscribe registers a subscriber for orgID on topics. With no topics the
// subscriber is placed on TopicAll. Subscribing an existing ID fails.
func (b *Broker) Subscribe(subscriberID, orgID string, topics ...string) (*Subscriber, error) {
	if orgID == "" {
		return nil, fmt.Errorf("stream: subscriber %q has no organization", subscriberID)
	}
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}
	for _, t := range topics {
		if err := ValidateTopic(t); err != nil {
			return nil, err
		}
	}

	sub := NewSubscriber(subscriberID, orgID, b.bufferSize, b.defaultCredits)
	if _, loaded := b.subscribers.LoadOrStore(subscriberID, sub); loaded {
		return nil, fmt.Errorf("stream: subscriber %q already exists", subscriberID)
	}
	for _, t := range topics {
		b.topics.Subscribe(t, sub)
	}
	return sub, nil
}

// SubscribeTo adds an existing subscriber to more topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) error {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return fmt.Errorf("stream: unknown subscriber %q", subscriberID)
	}
	for _, t := range topics {
		if err := ValidateTopic(t); err != nil {
			return err
		}
	}
	for _, t := range topics {
		b.topics.Subscribe(t, sub)
	}
	return nil
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return
	}
	for _, t := range topics {
		b.topics.Unsubscribe(t, sub)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	val, ok := b.subscribers.LoadAndDelete(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	b.topics.UnsubscribeAll(sub)
	sub.Close()
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// OnShutdown implements ext.Shutdown. Every subscriber channel is closed so
// open streams end.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, _ any) bool {
		b.RemoveSubscriber(key.(string)) //nolint:errcheck // keys are always strings
		return true
	})
	return nil
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}
