// Package transport owns the AMQP connection: exchange and queue
// topology, publishing with a circuit breaker, and the control-queue
// consumer.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Config locates the broker and names the topology this process
// declares on startup.
type Config struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	VHost            string `mapstructure:"vhost"`
	DataExchange     string `mapstructure:"data_exchange"`
	ControlQueue     string `mapstructure:"control_queue"`
	ResponseExchange string `mapstructure:"response_exchange"`

	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff"`
}

// DefaultConfig returns local-broker defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "localhost",
		Port:             5672,
		User:             "guest",
		Password:         "guest",
		VHost:            "/",
		DataExchange:     "marketpulse.data",
		ControlQueue:     "marketpulse.control",
		ResponseExchange: "marketpulse.responses",
		ConnectAttempts:  5,
		ConnectBackoff:   2 * time.Second,
	}
}

// URL renders the amqp:// dial string.
func (c Config) URL() string {
	vhost := c.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// Stats counts publish outcomes since startup.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// AMQP is the broker client. One connection, one channel; channel use
// is serialized because amqp091 channels are not safe for concurrent
// publishes.
type AMQP struct {
	cfg  Config
	conn *amqp.Connection

	mu sync.Mutex
	ch *amqp.Channel

	breaker   *gobreaker.CircuitBreaker
	published atomic.Int64
	failed    atomic.Int64
}

// Connect dials the broker with bounded retries and declares the
// topology. An unreachable broker after ConnectAttempts is fatal for
// the caller.
func Connect(ctx context.Context, cfg Config) (*AMQP, error) {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		conn, err = amqp.Dial(cfg.URL())
		if err == nil {
			break
		}
		log.Warn().Err(err).
			Str("host", cfg.Host).
			Int("attempt", attempt).
			Int("max_attempts", cfg.ConnectAttempts).
			Msg("AMQP dial failed")
		if attempt == cfg.ConnectAttempts {
			return nil, fmt.Errorf("failed to connect to amqp broker at %s:%d after %d attempts: %w",
				cfg.Host, cfg.Port, cfg.ConnectAttempts, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.ConnectBackoff):
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	t := &AMQP{cfg: cfg, conn: conn, ch: ch}
	if err := t.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "amqp_publish",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Publish breaker state changed")
		},
	})

	log.Info().
		Str("host", cfg.Host).
		Str("data_exchange", cfg.DataExchange).
		Str("control_queue", cfg.ControlQueue).
		Str("response_exchange", cfg.ResponseExchange).
		Msg("AMQP transport connected")
	return t, nil
}

func (t *AMQP) declareTopology() error {
	for _, ex := range []string{t.cfg.DataExchange, t.cfg.ResponseExchange} {
		if err := t.ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex, err)
		}
	}
	if _, err := t.ch.QueueDeclare(t.cfg.ControlQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare control queue %s: %w", t.cfg.ControlQueue, err)
	}
	return nil
}

// PublishData publishes one snapshot envelope to the data exchange.
func (t *AMQP) PublishData(ctx context.Context, routingKey string, body []byte) error {
	return t.publish(ctx, t.cfg.DataExchange, routingKey, body)
}

// PublishResponse publishes one control response to the response
// exchange.
func (t *AMQP) PublishResponse(ctx context.Context, routingKey string, body []byte) error {
	return t.publish(ctx, t.cfg.ResponseExchange, routingKey, body)
}

func (t *AMQP) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, t.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		})
	})
	if err != nil {
		t.failed.Add(1)
		return fmt.Errorf("failed to publish to %s (%s): %w", exchange, routingKey, err)
	}
	t.published.Add(1)
	return nil
}

// Consume starts delivering control-queue messages. Deliveries are
// auto-acked; command handling never requeues, a poison message gets an
// error response instead.
func (t *AMQP) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	tag := "marketpulse-" + uuid.NewString()[:8]
	deliveries, err := t.ch.Consume(t.cfg.ControlQueue, tag, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", t.cfg.ControlQueue, err)
	}
	go func() {
		<-ctx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		_ = t.ch.Cancel(tag, false)
	}()
	return deliveries, nil
}

// Stats reports publish counters.
func (t *AMQP) Stats() Stats {
	return Stats{
		Published: t.published.Load(),
		Failed:    t.failed.Load(),
	}
}

// BreakerState reports the publish breaker state for statistics.
func (t *AMQP) BreakerState() string {
	return t.breaker.State().String()
}

// Close tears down the channel and connection.
func (t *AMQP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ch.Close(); err != nil {
		log.Warn().Err(err).Msg("AMQP channel close failed")
	}
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("failed to close amqp connection: %w", err)
	}
	return nil
}
