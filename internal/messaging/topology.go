package messaging

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const dlqRoutingKey = "dlq"

// SetupTopology declares the work queue, its dead-letter exchange and the
// dead-letter queue. The DLQ carries a message TTL and dead-letters expired
// messages back to the work queue, so a Nack'ed delivery comes around again
// after redeliveryDelay instead of hot-looping.
func SetupTopology(ch *amqp.Channel, queueName string, redeliveryDelay time.Duration, logger *zap.Logger) error {
	dlxName := queueName + ".dlx"
	dlqName := queueName + ".dlq"

	if err := ch.ExchangeDeclare(
		dlxName,  // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return fmt.Errorf("failed to declare DLX %s: %w", dlxName, err)
	}

	dlqArgs := amqp.Table{
		"x-message-ttl":             redeliveryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "", // default exchange
		"x-dead-letter-routing-key": queueName,
	}
	if _, err := ch.QueueDeclare(
		dlqName, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		dlqArgs,
	); err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", dlqName, err)
	}

	if err := ch.QueueBind(dlqName, dlqRoutingKey, dlxName, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ %s to DLX %s: %w", dlqName, dlxName, err)
	}

	queueArgs := amqp.Table{
		"x-queue-mode":              "lazy",
		"x-dead-letter-exchange":    dlxName,
		"x-dead-letter-routing-key": dlqRoutingKey,
	}
	if _, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		queueArgs,
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	logger.Info("Queue topology declared",
		zap.String("queue", queueName),
		zap.String("dlx", dlxName),
		zap.String("dlq", dlqName),
		zap.Duration("redelivery_delay", redeliveryDelay),
	)
	return nil
}
