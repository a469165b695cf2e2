package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tenantflow/event"
)

// Bus implements event.Bus over a Redis Stream. Every node reads the whole
// stream from the position it had when it started and hands each event to
// its local subscribers, the publishing node included.
type Bus struct {
	client goredis.Cmdable
	stream string
	maxLen int64
	block  time.Duration
	local  *event.Local
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ event.Bus = (*Bus)(nil)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithStream overrides the stream key.
func WithStream(key string) BusOption { return func(b *Bus) { b.stream = key } }

// WithMaxLen caps the stream length (approximately). Events are
// notifications, so old entries are safe to trim.
func WithMaxLen(n int64) BusOption { return func(b *Bus) { b.maxLen = n } }

// WithBlock sets how long one XREAD waits for new entries.
func WithBlock(d time.Duration) BusOption { return func(b *Bus) { b.block = d } }

// WithBusLogger sets the logger.
func WithBusLogger(l *slog.Logger) BusOption { return func(b *Bus) { b.logger = l } }

// NewBus returns a Bus over client. Start begins delivery.
func NewBus(client goredis.Cmdable, opts ...BusOption) *Bus {
	b := &Bus{
		client: client,
		stream: defaultStream,
		maxLen: 10000,
		block:  200 * time.Millisecond,
		local:  event.NewLocal(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish implements event.Bus.
func (b *Bus) Publish(ctx context.Context, evt event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("tenantflow/redis: encode event: %w", err)
	}
	err = b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"event": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("tenantflow/redis: publish %s: %w", evt.Kind, err)
	}
	return nil
}

// Subscribe implements event.Bus.
func (b *Bus) Subscribe(h event.Handler) func() {
	return b.local.Subscribe(h)
}

// Start launches the reader. Entries added before Start are not delivered.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}

	last := "0-0"
	tail, err := b.client.XRevRangeN(ctx, b.stream, "+", "-", 1).Result()
	if err != nil {
		return fmt.Errorf("tenantflow/redis: read stream tail: %w", err)
	}
	if len(tail) > 0 {
		last = tail[0].ID
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.read(rctx, last)

	b.logger.Info("redis event bus started",
		slog.String("stream", b.stream),
		slog.String("from", last),
	)
	return nil
}

// Stop ends delivery and waits for the reader.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) read(ctx context.Context, last string) {
	defer close(b.done)
	for {
		streams, err := b.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{b.stream, last},
			Count:   100,
			Block:   b.block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			b.logger.Warn("redis event bus read failed", slog.String("error", err.Error()))
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				last = msg.ID
				evt, err := decode(msg)
				if err != nil {
					b.logger.Warn("dropping undecodable event",
						slog.String("entry_id", msg.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
				b.local.Dispatch(ctx, evt)
			}
		}
	}
}

func decode(msg goredis.XMessage) (event.Event, error) {
	var evt event.Event
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return evt, errors.New("missing event field")
	}
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return evt, err
	}
	return evt, nil
}

// sleepCtx sleeps for d, or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
