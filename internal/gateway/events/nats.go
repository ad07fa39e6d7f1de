package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL string
	// Stream name for call events
	StreamName string
	// Subject prefix captured by the stream
	SubjectPrefix string
	// Async buffer size
	AsyncBufferSize int
	// Connection timeout
	ConnectTimeout time.Duration
	// Reconnect settings
	MaxReconnects int
	ReconnectWait time.Duration
	// How long call events are retained in the stream
	MaxAge time.Duration
}

// DefaultNATSConfig returns sensible defaults for call-event workloads.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		StreamName:      "VOICEGATE_CALLS",
		SubjectPrefix:   "voicegate",
		AsyncBufferSize: 10000,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1, // infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
	}
}

// jetStreamPublisher is the slice of jetstream.JetStream the publisher
// needs after setup.
type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes call events to NATS JetStream. Async publishes
// flow through a buffered channel drained by a single worker so the audio
// path never blocks on the broker.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetStreamPublisher
	logger *slog.Logger

	asyncCh chan Event
	asyncWg sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewNATSPublisher connects, ensures the call-event stream exists, and
// starts the async worker.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "VOICEGATE_CALLS"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "voicegate"
	}
	if cfg.AsyncBufferSize <= 0 {
		cfg.AsyncBufferSize = 10000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("voicegate-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open JetStream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.SubjectPrefix + ".calls.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}

	p := &NATSPublisher{
		conn:    conn,
		js:      js,
		logger:  logger,
		asyncCh: make(chan Event, cfg.AsyncBufferSize),
	}

	p.asyncWg.Add(1)
	go p.asyncWorker()

	logger.Info("[Events] NATS publisher connected", "url", cfg.URL, "stream", cfg.StreamName)
	return p, nil
}

// asyncWorker publishes through the transport directly rather than via
// Publish: Close flips the closed flag before draining the channel, and the
// queued events still have to reach the broker.
func (p *NATSPublisher) asyncWorker() {
	defer p.asyncWg.Done()
	for event := range p.asyncCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.publish(ctx, event); err != nil {
			p.logger.Warn("[Events] Async publish failed",
				"subject", event.Subject(), "error", err)
		}
		cancel()
	}
}

// Publish sends one event and waits for the JetStream ack.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("publisher closed")
	}
	return p.publish(ctx, event)
}

func (p *NATSPublisher) publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var opts []jetstream.PublishOpt
	if id := eventID(event); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := p.js.Publish(ctx, event.Subject(), data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", event.Subject(), err)
	}
	return nil
}

// eventID extracts the deduplication id when the event embeds BaseEvent.
func eventID(event Event) string {
	switch e := event.(type) {
	case *CallStartedEvent:
		return e.EventID
	case *CallAnsweredEvent:
		return e.EventID
	case *CallEndedEvent:
		return e.EventID
	default:
		return ""
	}
}

// PublishAsync enqueues an event for the background worker. Events are
// dropped with a warning if the buffer is full.
func (p *NATSPublisher) PublishAsync(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.asyncCh <- event:
	default:
		p.logger.Warn("[Events] Async buffer full, event dropped", "subject", event.Subject())
	}
}

// Close drains the async buffer, then closes the connection.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.asyncCh)
	p.asyncWg.Wait()

	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("drain NATS: %w", err)
	}
	return nil
}
