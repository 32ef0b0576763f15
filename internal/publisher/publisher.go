// Package publisher turns collection snapshots into at-most-one
// message per change on the data exchange. Duplicate snapshots are
// suppressed by fingerprint; changed ones ride the batch processor to
// the AMQP transport.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpulse/internal/collector"
	"github.com/quantfeed/marketpulse/internal/metrics"
)

// Transport publishes one message body to the data exchange. Satisfied
// by the AMQP transport; tests substitute an in-memory sink.
type Transport interface {
	PublishData(ctx context.Context, routingKey string, body []byte) error
}

// Envelope is the published message schema. Timestamp is whole seconds
// for consumer compatibility.
type Envelope struct {
	Type            string                    `json:"type"`
	Timestamp       int64                     `json:"timestamp"`
	Data            interface{}               `json:"data"`
	Source          string                    `json:"source"`
	Environment     string                    `json:"environment"`
	CollectionStats collector.CollectionStats `json:"collection_stats"`
}

// Config identifies the producer in outgoing messages.
type Config struct {
	Source      string
	Environment string
	Batch       BatchConfig
}

// Stats is the publisher's contribution to get_statistics.
type Stats struct {
	Published  int64      `json:"published"`
	Suppressed int64      `json:"suppressed"`
	Batch      BatchStats `json:"batch"`
}

// Publisher performs change detection and hands changed snapshots to
// the batch processor. last fingerprints advance only after the broker
// accepted the message, so a failed publish never loses a change.
type Publisher struct {
	transport Transport
	batcher   *BatchProcessor
	cfg       Config

	mu      sync.Mutex
	last    map[collector.Kind]string
	pending map[collector.Kind]string

	published  atomic.Int64
	suppressed atomic.Int64
}

// New creates a publisher over the given transport.
func New(transport Transport, cfg Config) *Publisher {
	p := &Publisher{
		transport: transport,
		cfg:       cfg,
		last:      make(map[collector.Kind]string),
		pending:   make(map[collector.Kind]string),
	}
	p.batcher = NewBatchProcessor(cfg.Batch, p.publishItem, p.commit, p.abandon)
	return p
}

// Start launches the batch flush loop.
func (p *Publisher) Start(ctx context.Context) {
	p.batcher.Start(ctx)
}

// Stop drains the queue and stops the flush loop.
func (p *Publisher) Stop() {
	p.batcher.Stop()
}

// Submit fingerprints the snapshot and enqueues it when its content
// differs from the last published state for that kind.
func (p *Publisher) Submit(snap *collector.Snapshot) error {
	fp := collector.Fingerprint(snap)

	p.mu.Lock()
	// pending covers the window between enqueue and broker ack, so an
	// identical snapshot arriving before the flush is suppressed too.
	dup := fp == p.last[snap.Kind] || fp == p.pending[snap.Kind]
	if !dup {
		p.pending[snap.Kind] = fp
	}
	p.mu.Unlock()

	if dup {
		p.suppressed.Add(1)
		metrics.SnapshotsSuppressed.WithLabelValues(string(snap.Kind)).Inc()
		log.Debug().Str("kind", string(snap.Kind)).Msg("Snapshot unchanged, suppressing publish")
		return nil
	}

	body, err := json.Marshal(Envelope{
		Type:            string(snap.Kind),
		Timestamp:       snap.TimestampMS / 1000,
		Data:            snap.Data(),
		Source:          p.cfg.Source,
		Environment:     p.cfg.Environment,
		CollectionStats: snap.Stats,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot envelope: %w", err)
	}

	p.batcher.Add(Item{
		Kind:        string(snap.Kind),
		RoutingKey:  "snapshot." + string(snap.Kind),
		Body:        body,
		Fingerprint: fp,
	})
	return nil
}

// Flush forces a synchronous drain. Used by tests and shutdown paths.
func (p *Publisher) Flush(ctx context.Context) {
	p.batcher.Flush(ctx)
}

func (p *Publisher) publishItem(ctx context.Context, item Item) error {
	if err := p.transport.PublishData(ctx, item.RoutingKey, item.Body); err != nil {
		metrics.PublishFailures.Inc()
		return err
	}
	return nil
}

// commit records the fingerprint of a successfully published item.
func (p *Publisher) commit(item Item) {
	p.mu.Lock()
	p.last[collector.Kind(item.Kind)] = item.Fingerprint
	p.mu.Unlock()
	p.published.Add(1)
	metrics.SnapshotsPublished.WithLabelValues(item.Kind).Inc()
	log.Debug().Str("kind", item.Kind).Str("routing_key", item.RoutingKey).Msg("Snapshot published")
}

// abandon clears the pending fingerprint of a dead-lettered item so the
// next snapshot carrying the same content is not suppressed.
func (p *Publisher) abandon(item Item) {
	metrics.DeadLetteredItems.Inc()
	p.mu.Lock()
	if p.pending[collector.Kind(item.Kind)] == item.Fingerprint {
		delete(p.pending, collector.Kind(item.Kind))
	}
	p.mu.Unlock()
}

// Stats reports publish/suppress counters and batch state.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:  p.published.Load(),
		Suppressed: p.suppressed.Load(),
		Batch:      p.batcher.Stats(),
	}
}
