package rabbitmq

import (
	"errors"
	"testing"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingAck struct {
	acked    int
	nacked   int
	requeued bool
}

func (r *recordingAck) Ack(uint64, bool) error { r.acked++; return nil }

func (r *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	r.nacked++
	r.requeued = requeue
	return nil
}

func (r *recordingAck) Reject(_ uint64, requeue bool) error { return r.Nack(0, false, requeue) }

func TestDeliver(t *testing.T) {
	b := &Broker{log: zap.NewNop()}

	tests := []struct {
		name       string
		body       string
		handlerErr error
		wantAck    int
		wantNack   int
		wantQueued bool
	}{
		{name: "accepted", body: `{"kind":"image","payload":{"prompt":"x"}}`, wantAck: 1},
		{name: "malformed is dropped", body: `{"kind":`, wantNack: 1},
		{name: "handler error is requeued", body: `{"kind":"video"}`, handlerErr: errors.New("busy"), wantNack: 1, wantQueued: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &recordingAck{}
			var got *domain.Submission
			b.deliver(amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(tt.body)}, func(sub domain.Submission) error {
				got = &sub
				return tt.handlerErr
			})

			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, tt.wantNack, ack.nacked)
			assert.Equal(t, tt.wantQueued, ack.requeued)
			if tt.wantNack == 1 && !tt.wantQueued {
				assert.Nil(t, got)
			}
		})
	}
}
