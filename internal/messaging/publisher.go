package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"manga-server/internal/models"
)

// EventBus publishes envelopes to the pipeline queue.
type EventBus interface {
	Publish(ctx context.Context, env Envelope) error
}

const (
	publishAttempts  = 3
	publishBaseDelay = 200 * time.Millisecond
	publishTimeout   = 10 * time.Second
)

// rabbitEventBus implements EventBus on a RabbitMQ channel.
// Assumes the queue topology has already been declared (see SetupTopology).
type rabbitEventBus struct {
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitEventBus creates the production EventBus publishing to queueName.
func NewRabbitEventBus(ch *amqp.Channel, queueName string, logger *zap.Logger) EventBus {
	return &rabbitEventBus{
		channel:   ch,
		queueName: queueName,
		logger:    logger.Named("EventBus"),
	}
}

// Publish sends env with up to three attempts and exponential backoff
// (base 200 ms, factor 2, jitter +/-25%). Final failure is transient so the
// caller can propagate it for redelivery.
func (b *rabbitEventBus) Publish(ctx context.Context, env Envelope) error {
	if b.channel == nil {
		return errors.New("rabbitmq channel is not initialized")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope %s: %w", env.DetailType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		lastErr = b.channel.PublishWithContext(ctx,
			"",          // exchange (default)
			b.queueName, // routing key (queue name)
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    time.Now(),
				AppId:        "manga-server",
			},
		)
		if lastErr == nil {
			b.logger.Debug("Event published",
				zap.String("detail_type", env.DetailType),
				zap.String("source", env.Source),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		b.logger.Warn("Event publish attempt failed",
			zap.String("detail_type", env.DetailType),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt < publishAttempts {
			select {
			case <-time.After(publishBackoff(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("%w: publish of %s canceled: %v", models.ErrTransient, env.DetailType, ctx.Err())
			}
		}
	}
	return fmt.Errorf("%w: publishing %s failed after %d attempts: %v",
		models.ErrTransient, env.DetailType, publishAttempts, lastErr)
}

// publishBackoff returns the delay before retrying attempt+1.
func publishBackoff(attempt int) time.Duration {
	delay := float64(publishBaseDelay) * math.Pow(2, float64(attempt-1))
	jitter := delay * 0.25
	delay += jitter * (rand.Float64()*2 - 1)
	return time.Duration(delay)
}

var _ EventBus = (*rabbitEventBus)(nil)
