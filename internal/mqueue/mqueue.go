// Package mqueue wraps a durable work-queue (RabbitMQ-compatible) with
// declare-if-absent, default-exchange publish, and competing-consumer
// subscribe with explicit ack.
package mqueue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Reserved queue names declared on startup.
const (
	QueuePreHandler      = "pre_handler"
	QueuePreTCPHandler   = "pre_tcp_handler"
	QueuePreHTTPHandler  = "pre_http_handler"
	QueuePreWSHandler    = "pre_ws_handler"
	QueuePreCoAPHandler  = "pre_coap_handler"
	QueueWaringHandler   = "waring_handler"
	QueueWaringDelay     = "waring_delay_handler"
	QueueTransmitHandler = "transmit_handler"
	QueueWaringNotice    = "waring_notice"
	QueueCalc            = "calc_queue"
)

// ReservedQueues lists every queue the core declares on startup.
var ReservedQueues = []string{
	QueuePreHandler, QueuePreTCPHandler, QueuePreHTTPHandler, QueuePreWSHandler,
	QueuePreCoAPHandler, QueueWaringHandler, QueueWaringDelay, QueueTransmitHandler,
	QueueWaringNotice, QueueCalc,
}

// Client is a typed handle over a queue broker connection.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Config addresses the backing broker.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Connect dials the broker and opens a channel, declaring every reserved
// queue as durable if absent.
func Connect(cfg Config) (*Client, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.Username, cfg.Password, cfg.Host, cfg.Port)
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("mqueue: dialing: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mqueue: opening channel: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mqueue: setting prefetch: %w", err)
	}
	c := &Client{conn: conn, ch: ch}
	for _, name := range ReservedQueues {
		if err := c.DeclareQueue(name); err != nil {
			conn.Close()
			return nil, fmt.Errorf("mqueue: declaring %s: %w", name, err)
		}
	}
	return c, nil
}

// Close shuts down the channel and connection.
func (c *Client) Close() error {
	c.ch.Close()
	return c.conn.Close()
}

// DeclareQueue declares a durable queue, a no-op if it already exists.
func (c *Client) DeclareQueue(name string) error {
	_, err := c.ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

// Publish sends body to queueName via the default exchange, using the
// queue name as routing key.
func (c *Client) Publish(ctx context.Context, queueName string, body []byte) error {
	return c.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Handler processes one delivery's body. An error return leaves the
// message unacked (it will be redelivered); a nil return acks it.
type Handler func(ctx context.Context, body []byte) error

// Consume starts a competing-consumer subscription on queueName, invoking
// handler per delivery, explicitly acking on success and leaving the
// delivery unacked (no nack is sent) on error. It blocks until ctx is
// cancelled.
func (c *Client) Consume(ctx context.Context, queueName string, handler Handler) error {
	deliveries, err := c.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("mqueue: consuming %s: %w", queueName, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("mqueue: delivery channel for %s closed", queueName)
			}
			if err := handler(ctx, d.Body); err != nil {
				// Leave unacked: the broker redelivers after its ack timeout.
				continue
			}
			_ = d.Ack(false)
		}
	}
}
