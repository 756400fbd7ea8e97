package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"manga-server/internal/models"
)

// Processor handles one decoded envelope. A nil return acknowledges the
// delivery. A transient error nacks it to the DLQ for delayed redelivery;
// a permanent error acknowledges it (the handler has already recorded the
// terminal FAILED state).
type Processor interface {
	Process(ctx context.Context, env Envelope) error
}

// Consumer drives the work queue sequentially (prefetch 1, manual ack).
type Consumer struct {
	channel     *amqp.Channel
	queueName   string
	processor   Processor
	logger      *zap.Logger
	stopChannel chan struct{}
}

// NewConsumer creates a Consumer for queueName.
func NewConsumer(ch *amqp.Channel, queueName string, processor Processor, logger *zap.Logger) *Consumer {
	return &Consumer{
		channel:     ch,
		queueName:   queueName,
		processor:   processor,
		logger:      logger.Named("Consumer"),
		stopChannel: make(chan struct{}),
	}
}

// StartConsuming blocks reading deliveries until Stop is called or the
// channel closes. Deliveries are processed one at a time so in-flight work
// never outlives its acknowledgment window.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("consumer: failed to set QoS: %w", err)
	}

	msgs, err := c.channel.Consume(
		c.queueName,
		"manga-worker", // consumer tag
		false,          // auto-ack = false
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return fmt.Errorf("consumer: failed to register on queue %s: %w", c.queueName, err)
	}
	c.logger.Info("Consumer started", zap.String("queue", c.queueName))

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warn("Delivery channel closed")
				return nil
			}
			c.handleDelivery(ctx, d)

		case <-c.stopChannel:
			c.logger.Info("Consumer stop requested")
			return nil

		case <-ctx.Done():
			c.logger.Info("Consumer context canceled")
			return nil
		}
	}
}

// Stop signals StartConsuming to return.
func (c *Consumer) Stop() {
	close(c.stopChannel)
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// Poison message; there is nothing to retry.
		c.logger.Error("Failed to decode envelope, dropping",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
		_ = d.Ack(false)
		return
	}
	if !IsValidDetailType(env.DetailType) {
		c.logger.Error("Unknown detail type, dropping",
			zap.String("detail_type", env.DetailType),
		)
		_ = d.Ack(false)
		return
	}

	err := c.processor.Process(ctx, env)
	switch {
	case err == nil:
		_ = d.Ack(false)

	case models.IsTransient(err):
		c.logger.Warn("Transient failure, sending to DLQ for redelivery",
			zap.String("detail_type", env.DetailType),
			zap.Error(err),
		)
		_ = d.Nack(false, false)

	default:
		// Permanent: the processor has already marked the record FAILED
		// and emitted the terminal status update.
		c.logger.Error("Permanent failure, acknowledging",
			zap.String("detail_type", env.DetailType),
			zap.Error(err),
		)
		_ = d.Ack(false)
	}
}
