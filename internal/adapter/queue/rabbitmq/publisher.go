// Package rabbitmq provides the AMQP event publisher & job submission consumer.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	config "github.com/crabzie/gpu-dispatcher/config/utils"
	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const maxRetries = 10

// Broker owns one AMQP connection; events go out on a topic exchange and
// submissions come in on a durable priority queue
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  config.RabbitMQ
	log  *zap.Logger

	pubMu sync.Mutex
}

// New dials RabbitMQ, retrying with an incremental backoff, and declares the event exchange
func New(ctx context.Context, cfg *config.RabbitMQ, log *zap.Logger) (*Broker, error) {
	var (
		conn *amqp.Connection
		err  error
	)

	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			var ch *amqp.Channel
			ch, err = conn.Channel()
			if err == nil {
				b := &Broker{conn: conn, ch: ch, cfg: *cfg, log: log}
				if err = b.declare(); err == nil {
					return b, nil
				}
			}
			_ = conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i*2) * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (b *Broker) declare() error {
	return b.ch.ExchangeDeclare(
		b.cfg.EventsExchange, // name
		"topic",              // kind
		true,                 // durable
		false,                // auto-delete
		false,                // internal
		false,                // no-wait
		nil,
	)
}

// Publish sends the event with its type as routing key, e.g. "job.completed"
func (b *Broker) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = b.ch.PublishWithContext(ctx,
		b.cfg.EventsExchange, // Exchange
		string(event.Type),   // Routing key
		false,                // Mandatory
		false,                // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Timestamp:    event.At,
			Body:         body,
		})
	if err != nil {
		b.log.Debug("Failed to publish event", zap.String("type", string(event.Type)), zap.Error(err))
		return err
	}
	return nil
}

// Submit publishes a submission onto the intake queue; used by producers and the simulator
func (b *Broker) Submit(ctx context.Context, sub domain.Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	return b.ch.PublishWithContext(ctx,
		"",                     // default exchange routes by queue name
		b.cfg.SubmissionsQueue, // Routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     amqpPriority(sub.Priority),
			Body:         body,
		})
}

func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil {
		b.log.Warn("Closing AMQP channel failed", zap.Error(err))
	}
	return b.conn.Close()
}

// amqpPriority maps job priority (1 urgent .. 10 background) onto AMQP priority where higher wins
func amqpPriority(p int) uint8 {
	if p < domain.MinPriority || p > domain.MaxPriority {
		p = domain.DefaultPriority
	}
	return uint8(domain.MaxPriority + 1 - p)
}
