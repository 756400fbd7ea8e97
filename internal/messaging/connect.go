package messaging

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dialMaxRetries = 50
	dialRetryDelay = 5 * time.Second
)

// Connect dials RabbitMQ with retries so the service survives the broker
// coming up after it does. Unexpected connection loss is logged; supervisors
// restart the process.
func Connect(url string, logger *zap.Logger) (*amqp.Connection, error) {
	log := logger.Named("RabbitMQ")
	log.Info("Connecting to RabbitMQ",
		zap.String("url", maskAMQPURL(url)),
		zap.Int("maxRetries", dialMaxRetries),
		zap.Duration("retryDelay", dialRetryDelay),
	)

	var conn *amqp.Connection
	var err error
	for i := 0; i < dialMaxRetries; i++ {
		attempt := i + 1
		conn, err = amqp.Dial(url)
		if err == nil {
			log.Info("Connected to RabbitMQ", zap.Int("attempt", attempt))
			go func() {
				closed := make(chan *amqp.Error)
				conn.NotifyClose(closed)
				if closeErr := <-closed; closeErr != nil {
					log.Error("RabbitMQ connection closed unexpectedly", zap.Error(closeErr))
				} else {
					log.Info("RabbitMQ connection closed")
				}
			}()
			return conn, nil
		}
		log.Warn("RabbitMQ not ready",
			zap.Int("attempt", attempt),
			zap.Int("maxRetries", dialMaxRetries),
			zap.Error(err),
		)
		if i < dialMaxRetries-1 {
			time.Sleep(dialRetryDelay)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialMaxRetries, err)
}

// maskAMQPURL hides the credentials part of an amqp URL for logging.
func maskAMQPURL(url string) string {
	schemeEnd := strings.Index(url, "://")
	at := strings.LastIndex(url, "@")
	if schemeEnd == -1 || at == -1 || at < schemeEnd {
		return url
	}
	return url[:schemeEnd+3] + "****:****" + url[at:]
}
