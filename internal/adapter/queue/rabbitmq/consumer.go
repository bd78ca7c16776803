package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConsumeSubmissions blocks delivering submissions to handler until ctx is done.
// Malformed messages are dropped; handler errors requeue the delivery.
func (b *Broker) ConsumeSubmissions(ctx context.Context, handler func(sub domain.Submission) error) error {
	qName := b.cfg.SubmissionsQueue

	// 1. Declare the queue so it exists
	if err := b.declareSubmissions(); err != nil {
		return err
	}

	prefetch := b.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return err
	}

	msgs, err := b.ch.ConsumeWithContext(ctx,
		qName, // queue
		"",    // consumer
		false, // auto-ack (ack once the queue accepted the job)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return err
	}

	b.log.Info("Started consuming submissions", zap.String("queue", qName))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("submission channel closed by broker")
			}
			b.deliver(d, handler)
		}
	}
}

func (b *Broker) declareSubmissions() error {
	_, err := b.ch.QueueDeclare(
		b.cfg.SubmissionsQueue, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		amqp.Table{"x-max-priority": int32(domain.MaxPriority)},
	)
	return err
}

func (b *Broker) deliver(d amqp.Delivery, handler func(sub domain.Submission) error) {
	var sub domain.Submission
	if err := json.Unmarshal(d.Body, &sub); err != nil {
		b.log.Error("Failed to unmarshal submission", zap.Error(err))
		_ = d.Nack(false, false) // discard invalid message
		return
	}

	if err := handler(sub); err != nil {
		b.log.Error("Submission handling failed", zap.String("job_id", sub.ID), zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
