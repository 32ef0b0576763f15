package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketpulse/internal/collector"
	"github.com/quantfeed/marketpulse/internal/exchange"
)

type sinkMessage struct {
	routingKey string
	body       []byte
}

type sinkTransport struct {
	mu       sync.Mutex
	messages []sinkMessage
	failNext int
}

func (s *sinkTransport) PublishData(ctx context.Context, routingKey string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("broker unavailable")
	}
	s.messages = append(s.messages, sinkMessage{routingKey, body})
	return nil
}

func (s *sinkTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *sinkTransport) at(i int) sinkMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[i]
}

func snapWithBid(bid float64) *collector.Snapshot {
	return &collector.Snapshot{
		Kind:        collector.KindTickers,
		TimestampMS: 1700000000000,
		Tickers: map[string]map[exchange.Symbol]exchange.Ticker{
			"binance": {
				"BTC/USDT:USDT": {Exchange: "binance", Symbol: "BTC/USDT:USDT", Bid: exchange.Float(bid)},
			},
		},
		Stats: collector.CollectionStats{ExchangesQueried: 1, SuccessfulExchanges: 1},
	}
}

func newTestPublisher(sink *sinkTransport, maxRetries int) *Publisher {
	return New(sink, Config{
		Source:      "marketpulse",
		Environment: "test",
		Batch: BatchConfig{
			MaxSize:    10,
			MaxWait:    time.Hour, // flushed manually in tests
			Strategy:   Hybrid,
			MaxRetries: maxRetries,
		},
	})
}

func TestSubmitSuppressesUnchangedSnapshot(t *testing.T) {
	sink := &sinkTransport{}
	p := newTestPublisher(sink, 3)
	ctx := context.Background()

	require.NoError(t, p.Submit(snapWithBid(50000)))
	p.Flush(ctx)
	assert.Equal(t, 1, sink.count())

	// Same content again, different timestamp.
	again := snapWithBid(50000)
	again.TimestampMS = 1700000099000
	require.NoError(t, p.Submit(again))
	p.Flush(ctx)
	assert.Equal(t, 1, sink.count())

	// A real change publishes once more.
	require.NoError(t, p.Submit(snapWithBid(50001)))
	p.Flush(ctx)
	assert.Equal(t, 2, sink.count())

	st := p.Stats()
	assert.Equal(t, int64(2), st.Published)
	assert.Equal(t, int64(1), st.Suppressed)
}

func TestSubmitSuppressesDuplicateBeforeFlush(t *testing.T) {
	sink := &sinkTransport{}
	p := newTestPublisher(sink, 3)

	require.NoError(t, p.Submit(snapWithBid(50000)))
	require.NoError(t, p.Submit(snapWithBid(50000)))
	p.Flush(context.Background())

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, int64(1), p.Stats().Suppressed)
}

func TestEnvelopeSchema(t *testing.T) {
	sink := &sinkTransport{}
	p := newTestPublisher(sink, 3)

	require.NoError(t, p.Submit(snapWithBid(50000)))
	p.Flush(context.Background())
	require.Equal(t, 1, sink.count())

	msg := sink.at(0)
	assert.Equal(t, "snapshot.tickers", msg.routingKey)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.body, &env))
	assert.Equal(t, "tickers", env["type"])
	assert.Equal(t, float64(1700000000), env["timestamp"], "timestamp is whole seconds")
	assert.Equal(t, "marketpulse", env["source"])
	assert.Equal(t, "test", env["environment"])

	stats, ok := env["collection_stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), stats["exchanges_queried"])

	data, ok := env["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "binance")
}

func TestFailedPublishRetainsChange(t *testing.T) {
	sink := &sinkTransport{failNext: 1}
	p := newTestPublisher(sink, 3)
	ctx := context.Background()

	require.NoError(t, p.Submit(snapWithBid(50000)))
	p.Flush(ctx)
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, int64(0), p.Stats().Published)

	// Item was requeued; the next flush delivers it.
	p.Flush(ctx)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, int64(1), p.Stats().Published)

	// Fingerprint committed only now: the same content is suppressed.
	require.NoError(t, p.Submit(snapWithBid(50000)))
	p.Flush(ctx)
	assert.Equal(t, 1, sink.count())
}

func TestOrderingWithinKind(t *testing.T) {
	sink := &sinkTransport{}
	p := newTestPublisher(sink, 3)

	require.NoError(t, p.Submit(snapWithBid(1)))
	require.NoError(t, p.Submit(snapWithBid(2)))
	require.NoError(t, p.Submit(snapWithBid(3)))
	p.Flush(context.Background())

	require.Equal(t, 3, sink.count())
	for i, want := range []float64{1, 2, 3} {
		var env Envelope
		require.NoError(t, json.Unmarshal(sink.at(i).body, &env))
		data := env.Data.(map[string]interface{})
		ticker := data["binance"].(map[string]interface{})["BTC/USDT:USDT"].(map[string]interface{})
		assert.Equal(t, want, ticker["bid"])
	}
}

func TestDeadLetterAfterMaxRetries(t *testing.T) {
	sink := &sinkTransport{failNext: 10}
	p := newTestPublisher(sink, 1)
	ctx := context.Background()

	require.NoError(t, p.Submit(snapWithBid(50000)))
	p.Flush(ctx) // retry_count 1
	p.Flush(ctx) // retry_count 2 > max, dead-lettered

	assert.Equal(t, 0, sink.count())
	assert.Equal(t, int64(1), p.Stats().Batch.FailedItems)
	assert.Equal(t, 0, p.Stats().Batch.Queued)

	// Dead-lettering releases the pending fingerprint so the change can
	// be carried by a later snapshot.
	sink.mu.Lock()
	sink.failNext = 0
	sink.mu.Unlock()
	require.NoError(t, p.Submit(snapWithBid(50000)))
	p.Flush(ctx)
	assert.Equal(t, 1, sink.count())
}

func TestSizeBasedFlushTriggersLoop(t *testing.T) {
	sink := &sinkTransport{}
	p := New(sink, Config{
		Source:      "marketpulse",
		Environment: "test",
		Batch: BatchConfig{
			MaxSize:    2,
			MaxWait:    time.Hour,
			Strategy:   SizeBased,
			MaxRetries: 3,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	require.NoError(t, p.Submit(snapWithBid(1)))
	assert.Never(t, func() bool { return sink.count() > 0 }, 50*time.Millisecond, 10*time.Millisecond,
		"below max_batch_size nothing flushes")

	require.NoError(t, p.Submit(snapWithBid(2)))
	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestTimeBasedFlushTriggersLoop(t *testing.T) {
	sink := &sinkTransport{}
	p := New(sink, Config{
		Source:      "marketpulse",
		Environment: "test",
		Batch: BatchConfig{
			MaxSize:    100,
			MaxWait:    30 * time.Millisecond,
			Strategy:   TimeBased,
			MaxRetries: 3,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	require.NoError(t, p.Submit(snapWithBid(1)))
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStopDrainsQueue(t *testing.T) {
	sink := &sinkTransport{}
	p := newTestPublisher(sink, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.NoError(t, p.Submit(snapWithBid(1)))
	p.Stop()
	assert.Equal(t, 1, sink.count())
}
