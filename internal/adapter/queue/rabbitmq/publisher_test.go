package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAMQPPriority(t *testing.T) {
	assert.Equal(t, uint8(10), amqpPriority(1))
	assert.Equal(t, uint8(6), amqpPriority(5))
	assert.Equal(t, uint8(1), amqpPriority(10))
	assert.Equal(t, uint8(6), amqpPriority(0), "out of range falls back to the default priority")
	assert.Equal(t, uint8(6), amqpPriority(42))
}
