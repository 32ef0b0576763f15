package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy selects when a pending batch is flushed.
type Strategy string

const (
	// SizeBased flushes only when the queue reaches MaxSize.
	SizeBased Strategy = "size_based"
	// TimeBased flushes only on the MaxWait tick.
	TimeBased Strategy = "time_based"
	// Hybrid flushes on whichever of the two fires first.
	Hybrid Strategy = "hybrid"
)

// BatchConfig controls flush timing and the per-item retry budget.
type BatchConfig struct {
	MaxSize    int           `mapstructure:"max_size"`
	MaxWait    time.Duration `mapstructure:"max_wait_time"`
	Strategy   Strategy      `mapstructure:"strategy"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// DefaultBatchConfig returns the hybrid defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxSize:    10,
		MaxWait:    5 * time.Second,
		Strategy:   Hybrid,
		MaxRetries: 3,
	}
}

// Item is one serialized message awaiting publish. Fingerprint travels
// with the item so the owner can commit it once the broker accepted the
// message, not before.
type Item struct {
	Kind        string
	RoutingKey  string
	Body        []byte
	Fingerprint string

	retries int
}

// BatchStats is a point-in-time view of the processor.
type BatchStats struct {
	Queued      int   `json:"queued"`
	Flushes     int64 `json:"flushes"`
	FailedItems int64 `json:"failed_items"`
}

// BatchProcessor accumulates items and flushes them FIFO. A failed
// publish halts the flush and requeues the failed item ahead of the
// rest, so per-kind order survives broker hiccups. Items that exhaust
// MaxRetries are dropped to the dead-letter counter.
type BatchProcessor struct {
	cfg          BatchConfig
	publish      func(ctx context.Context, item Item) error
	onSuccess    func(Item)
	onDeadLetter func(Item)

	mu    sync.Mutex
	queue []Item

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	flushes     atomic.Int64
	failedItems atomic.Int64
}

// NewBatchProcessor wires the processor to its publish sink. onSuccess
// fires after each item the broker accepted, onDeadLetter after an item
// exhausted its retries; either may be nil.
func NewBatchProcessor(cfg BatchConfig, publish func(ctx context.Context, item Item) error, onSuccess, onDeadLetter func(Item)) *BatchProcessor {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultBatchConfig().MaxSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultBatchConfig().MaxWait
	}
	if cfg.Strategy == "" {
		cfg.Strategy = Hybrid
	}
	return &BatchProcessor{
		cfg:          cfg,
		publish:      publish,
		onSuccess:    onSuccess,
		onDeadLetter: onDeadLetter,
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Add enqueues an item. Size-triggered flushes are signalled to the run
// loop rather than executed inline, keeping Add non-blocking.
func (b *BatchProcessor) Add(item Item) {
	b.mu.Lock()
	b.queue = append(b.queue, item)
	size := len(b.queue)
	b.mu.Unlock()

	if b.cfg.Strategy != TimeBased && size >= b.cfg.MaxSize {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// Start runs the flush loop until ctx is cancelled or Stop is called.
func (b *BatchProcessor) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *BatchProcessor) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.MaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-b.notify:
			b.Flush(ctx)
		case <-ticker.C:
			if b.cfg.Strategy != SizeBased {
				b.Flush(ctx)
			}
		}
	}
}

// Stop terminates the loop and attempts one final drain so a clean
// shutdown does not strand queued changes.
func (b *BatchProcessor) Stop() {
	close(b.stop)
	<-b.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Flush(ctx)
}

// Flush publishes all currently queued items in order. On the first
// failure the remainder is requeued ahead of anything added meanwhile.
func (b *BatchProcessor) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	b.flushes.Add(1)

	for i := 0; i < len(pending); i++ {
		item := pending[i]
		if err := b.publish(ctx, item); err != nil {
			item.retries++
			log.Warn().Err(err).
				Str("kind", item.Kind).
				Int("retry_count", item.retries).
				Msg("Batch publish failed")

			rest := pending[i+1:]
			if item.retries > b.cfg.MaxRetries {
				b.failedItems.Add(1)
				log.Error().Str("kind", item.Kind).Msg("Item exceeded max retries, dead-lettering")
				if b.onDeadLetter != nil {
					b.onDeadLetter(item)
				}
				b.requeueFront(rest)
			} else {
				b.requeueFront(append([]Item{item}, rest...))
			}
			return
		}
		if b.onSuccess != nil {
			b.onSuccess(item)
		}
	}
}

func (b *BatchProcessor) requeueFront(items []Item) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(append([]Item{}, items...), b.queue...)
	b.mu.Unlock()
}

// Stats reports queue depth and counters.
func (b *BatchProcessor) Stats() BatchStats {
	b.mu.Lock()
	queued := len(b.queue)
	b.mu.Unlock()
	return BatchStats{
		Queued:      queued,
		Flushes:     b.flushes.Load(),
		FailedItems: b.failedItems.Load(),
	}
}
