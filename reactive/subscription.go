package reactive

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Observer receives the results of a re-run query, or the error the
// re-run produced. Observer callbacks for a single subscription are
// always serialized; observer errors do not propagate to other
// observers.
type Observer[T any] func(results []T, err error)

// Runner re-executes the query a Publisher is attached to.
type Runner[T any] func(ctx context.Context) ([]T, error)

// Subscription is returned once a SubscriptionBuilder is built. Holding a
// reference keeps the subscription (and its Observer) alive; dropping it
// lets it be garbage collected along with the Publisher-side entry once
// Cancel is called.
type Subscription struct {
	ID     string
	cancel func()
	once   sync.Once
}

// Cancel unregisters the subscription's observer. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// SubscriptionBuilder is the fluent entry point returned by Query.Subscribe.
// It mirrors the original binding's SubscriptionBuilder: configure an
// Observer, then Build to start receiving results (the observer is sent
// the current results immediately upon Build).
type SubscriptionBuilder[T any] struct {
	publisher *Publisher[T]
	observer  Observer[T]
}

// Observer sets the callback invoked with fresh results.
func (b *SubscriptionBuilder[T]) Observer(o Observer[T]) *SubscriptionBuilder[T] {
	b.observer = o
	return b
}

// Build registers the observer and immediately runs the query once so the
// subscriber gets a current snapshot, then returns the live Subscription.
func (b *SubscriptionBuilder[T]) Build(ctx context.Context) *Subscription {
	sub := b.publisher.subscribe(b.observer)
	b.publisher.deliverTo(ctx, sub)
	return sub
}

// Publisher is the concrete out-of-core reactive capability a Query owns.
// Publish() re-runs the bound Runner on the shared WorkerPool once per live
// subscription and hands each result to that subscription's own serial
// delivery channel. The runs are submitted in subscription order, but the
// pool executes them concurrently, so the order in which different
// subscriptions receive their results is not defined.
type Publisher[T any] struct {
	mu     sync.Mutex
	pool   *WorkerPool
	runner Runner[T]
	subs   []*subEntry[T]
}

type subEntry[T any] struct {
	sub      *Subscription
	observer Observer[T]
	queue    chan func()
}

// NewPublisher binds a Runner (typically Query[T].Find) to a shared pool.
func NewPublisher[T any](pool *WorkerPool, runner Runner[T]) *Publisher[T] {
	return &Publisher[T]{pool: pool, runner: runner}
}

func (p *Publisher[T]) subscribe(observer Observer[T]) *Subscription {
	entry := &subEntry[T]{
		observer: observer,
		queue:    make(chan func(), 8),
	}
	entry.sub = &Subscription{ID: uuid.NewString()}
	entry.sub.cancel = func() { p.remove(entry) }

	go entry.drain()

	p.mu.Lock()
	p.subs = append(p.subs, entry)
	p.mu.Unlock()

	return entry.sub
}

func (e *subEntry[T]) drain() {
	for task := range e.queue {
		task()
	}
}

func (p *Publisher[T]) remove(entry *subEntry[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s == entry {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			close(entry.queue)
			break
		}
	}
}

// deliverTo runs the query once and delivers the result only to sub,
// used for the initial snapshot a freshly built subscription receives.
func (p *Publisher[T]) deliverTo(ctx context.Context, sub *Subscription) {
	p.mu.Lock()
	var target *subEntry[T]
	for _, s := range p.subs {
		if s.sub == sub {
			target = s
			break
		}
	}
	p.mu.Unlock()
	if target == nil {
		return
	}
	p.pool.Submit(func() {
		results, err := p.runner(ctx)
		target.queue <- func() { target.observer(results, err) }
	})
}

// Publish re-runs the query once per live subscriber and delivers each
// run's result to that subscriber. This is useful after SetParameter* calls, which do not
// trigger notification on their own.
func (p *Publisher[T]) Publish(ctx context.Context) {
	p.mu.Lock()
	targets := make([]*subEntry[T], len(p.subs))
	copy(targets, p.subs)
	p.mu.Unlock()

	for _, target := range targets {
		target := target
		p.pool.Submit(func() {
			results, err := p.runner(ctx)
			target.queue <- func() { target.observer(results, err) }
		})
	}
}

// Subscribe returns a SubscriptionBuilder bound to this publisher's pool.
func (p *Publisher[T]) Subscribe() *SubscriptionBuilder[T] {
	return &SubscriptionBuilder[T]{publisher: p}
}
