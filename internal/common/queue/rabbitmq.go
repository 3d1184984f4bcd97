// internal/common/queue/rabbitmq.go
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/config"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQClient wraps an AMQP connection and channel used for the
// notification job queue. A lost connection is redialed in the background at
// the configured reconnect interval; Publish fails fast while disconnected
// and consumers resubscribe once the connection is back.
type RabbitMQClient struct {
	cfg    config.QueueConfig
	logger logger.Logger

	mu              sync.RWMutex
	conn            *amqp.Connection
	ch              *amqp.Channel
	notifyConnClose chan *amqp.Error
	closed          bool
}

// NewRabbitMQ creates a new RabbitMQ client, declares the configured queue
// together with its dead-letter queue, and starts the reconnect watcher.
func NewRabbitMQ(cfg config.QueueConfig, log logger.Logger) (*RabbitMQClient, error) {
	c := &RabbitMQClient{
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "queue"}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.handleReconnect()
	return c, nil
}

func (c *RabbitMQClient) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	if err := declareQueues(ch, c.cfg.QueueName); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.notifyConnClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(c.notifyConnClose)
	c.mu.Unlock()
	return nil
}

// declareQueues declares the main queue with dead-letter routing plus the DLQ
// itself. Exhausted jobs are rejected to the DLQ for operator inspection; the
// owning message keeps its own terminal status independently.
func declareQueues(ch *amqp.Channel, queueName string) error {
	dlqName := queueName + ".dlq"

	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	_, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqName,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// handleReconnect waits for the connection to drop, then redials at the
// configured interval until it comes back. A clean Close ends the watcher.
func (c *RabbitMQClient) handleReconnect() {
	c.mu.RLock()
	notifyClose := c.notifyConnClose
	c.mu.RUnlock()

	err, ok := <-notifyClose
	if !ok || err == nil {
		return
	}
	c.logger.WithError(err).Warn("rabbitmq connection lost, reconnecting", nil)

	for {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		if err := c.connect(); err == nil {
			c.logger.Info("rabbitmq reconnected", nil)
			go c.handleReconnect()
			return
		}

		time.Sleep(c.reconnectDelay())
	}
}

func (c *RabbitMQClient) reconnectDelay() time.Duration {
	if c.cfg.ReconnectSec <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.cfg.ReconnectSec) * time.Second
}

// Publish sends a JSON payload to the configured queue.
func (c *RabbitMQClient) Publish(ctx context.Context, body []byte) error {
	c.mu.RLock()
	ch := c.ch
	closed := c.closed
	c.mu.RUnlock()

	if closed || ch == nil {
		return fmt.Errorf("rabbitmq channel is not available")
	}

	return ch.PublishWithContext(ctx,
		"",              // exchange
		c.cfg.QueueName, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// Consume returns a delivery channel that survives reconnection: when the
// underlying subscription dies it is re-established once the connection is
// back. The returned channel closes when ctx is cancelled or the client is
// closed. Deliveries must be acked or nacked by the consumer.
func (c *RabbitMQClient) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	inner, err := c.subscribe()
	if err != nil {
		return nil, err
	}

	out := make(chan amqp.Delivery)
	go func() {
		defer close(out)
		for {
		drain:
			for {
				select {
				case <-ctx.Done():
					return
				case del, ok := <-inner:
					if !ok {
						break drain
					}
					select {
					case out <- del:
					case <-ctx.Done():
						return
					}
				}
			}

			// Subscription lost; wait out the reconnect interval and try
			// again until the watcher has restored the connection.
			for {
				c.mu.RLock()
				closed := c.closed
				c.mu.RUnlock()
				if closed {
					return
				}

				select {
				case <-ctx.Done():
					return
				case <-time.After(c.reconnectDelay()):
				}

				next, err := c.subscribe()
				if err != nil {
					c.logger.WithError(err).Warn("consumer resubscribe failed", nil)
					continue
				}
				inner = next
				break
			}
		}
	}()
	return out, nil
}

func (c *RabbitMQClient) subscribe() (<-chan amqp.Delivery, error) {
	c.mu.RLock()
	ch := c.ch
	closed := c.closed
	c.mu.RUnlock()

	if closed || ch == nil {
		return nil, fmt.Errorf("rabbitmq channel is not available")
	}

	return ch.Consume(
		c.cfg.QueueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
}

// Ping verifies the connection is still open.
func (c *RabbitMQClient) Ping() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// Close closes the channel and connection.
func (c *RabbitMQClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
