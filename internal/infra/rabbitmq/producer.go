package rabbitmq

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"payment-settlement/internal/domain/ports/adapter"
)

var (
	_ adapter.EventPublisher = (*EventProducer)(nil)
	_ adapter.EventPublisher = (*FallbackPublisher)(nil)
)

// EventProducer publishes settlement events to durable topic exchanges.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
	logger   *zerolog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewEventProducer(amqpURL string, logger *zerolog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	l := logger.With().Str("component", "rabbitmq_producer").Logger()
	p := &EventProducer{conn: conn, declared: map[string]bool{}, logger: &l}
	if err := p.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// openChannel opens a channel in confirm mode. Callers hold mu.
func (p *EventProducer) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return err
	}
	p.channel = ch
	p.declared = map[string]bool{}
	return nil
}

// Publish sends body as a persistent JSON message and waits for the broker confirm.
// A failed attempt reopens the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publish(ctx, exchange, routingKey, body)
	if err == nil {
		return nil
	}
	p.logger.Warn().Err(err).Str("exchange", exchange).Str("routing_key", routingKey).Msg("publish failed; reopening channel")
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if chErr := p.openChannel(); chErr != nil {
		return chErr
	}
	return p.publish(ctx, exchange, routingKey, body)
}

func (p *EventProducer) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
		p.declared[exchange] = true
	}
	conf, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return err
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("broker nacked message")
	}
	return nil
}

func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// FallbackPublisher is used when no broker is configured. It drops events with a warning.
type FallbackPublisher struct {
	logger *zerolog.Logger
}

func NewFallbackPublisher(logger *zerolog.Logger) *FallbackPublisher {
	return &FallbackPublisher{logger: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	p.logger.Warn().Str("exchange", exchange).Str("routing_key", routingKey).Msg("publish skipped: no broker configured")
	return nil
}

func (p *FallbackPublisher) Close() {}
