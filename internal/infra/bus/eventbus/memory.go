package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stratum/errs"
	"github.com/coachpo/stratum/internal/domain/schema"
	"github.com/coachpo/stratum/internal/telemetry"
)

// MemoryBus is an in-memory implementation of the event bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	byID         map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryBlockedCounter metric.Int64Counter
}

type subscriber struct {
	id     SubscriptionID
	types  []schema.EventType
	ctx    context.Context
	cancel context.CancelFunc
	// mu serialises sends against close so a send never hits a closed channel.
	mu     sync.Mutex
	closed bool
	ch     chan *schema.Event
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig, logger *log.Logger) *MemoryBus {
	cfg = cfg.normalize()
	if logger == nil {
		logger = log.New(os.Stdout, "eventbus ", log.LstdFlags|log.Lmicroseconds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.logger = logger
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[schema.EventType]map[SubscriptionID]*subscriber)
	bus.byID = make(map[SubscriptionID]*subscriber)

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram(telemetry.MetricBusFanoutSize,
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fans the event out to all subscribers of its type and returns once every
// subscriber buffer has accepted it (or dropped its oldest entry to make room).
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	eventType := string(evt.Type)
	scope := telemetry.ScopeOf(evt.Wallet)
	start := time.Now()
	result := telemetry.ResultSuccess

	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subscribers := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	n := len(subscribers)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), eventType, scope)...))
	}
	if n == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, subscribers, evt); err != nil {
		result = "dispatch_failed"
		return err
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), eventType, scope)...))
	}
	return nil
}

// Subscribe registers for events of the given types on a single ordered channel.
func (b *MemoryBus) Subscribe(ctx context.Context, types ...schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if len(types) == 0 {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	for _, typ := range types {
		if typ == "" {
			return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
		}
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.id = SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub.types = append([]schema.EventType(nil), types...)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan *schema.Event, b.cfg.BufferSize)

	b.mu.Lock()
	for _, typ := range sub.types {
		if _, ok := b.subscribers[typ]; !ok {
			b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
		}
		b.subscribers[typ][sub.id] = sub
	}
	b.byID[sub.id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go b.observe(sub)
	return sub.id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	sub, ok := b.byID[id]
	b.mu.RUnlock()
	if ok {
		sub.cancel()
		b.remove(sub)
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.byID))
		for _, sub := range b.byID {
			subs = append(subs, sub)
		}
		b.subscribers = make(map[schema.EventType]map[SubscriptionID]*subscriber)
		b.byID = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.cancel()
			sub.close()
		}
	})
}

func (b *MemoryBus) observe(sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.remove(sub)
}

func (b *MemoryBus) remove(sub *subscriber) {
	removed := false
	b.mu.Lock()
	if stored, ok := b.byID[sub.id]; ok && stored == sub {
		delete(b.byID, sub.id)
		removed = true
		for _, typ := range sub.types {
			subs := b.subscribers[typ]
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	if removed && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	sub.close()
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt *schema.Event) error {
	if len(subs) == 1 {
		return b.deliver(ctx, subs[0], evt)
	}
	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() error {
			return b.deliver(ctx, sub, evt)
		})
	}
	return p.Wait()
}

// deliver enqueues without blocking; a full buffer loses its oldest event.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *schema.Event) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.ctx.Err() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	select {
	case dropped := <-sub.ch:
		b.logger.Printf("subscriber %s buffer full; dropped oldest event type=%s wallet=%q", sub.id, dropped.Type, dropped.Wallet)
	default:
	}
	if b.deliveryBlockedCounter != nil {
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), telemetry.ScopeOf(evt.Wallet))...))
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
