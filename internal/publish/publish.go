// Package publish forwards committed analysis results to downstream consumers.
// Publishing is best effort: the analytics table stays the source of truth.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/comigor/friday-analytics/internal/config"
	"github.com/comigor/friday-analytics/internal/logger"
	"github.com/comigor/friday-analytics/internal/store"
)

const (
	dialTimeout = 5 * time.Second
	eventType   = "message_analyzed"
)

// Publisher sends analysis results somewhere.
type Publisher interface {
	Publish(ctx context.Context, r store.AnalysisResult) error
	Close() error
}

// Nop drops every result.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, store.AnalysisResult) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Event is the JSON body of a published message.
type Event struct {
	Type        string               `json:"type"`
	Analysis    store.AnalysisResult `json:"analysis"`
	PublishedAt time.Time            `json:"published_at"`
}

// channel is the part of *amqp.Channel the publisher needs.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes results as persistent JSON messages to a durable queue on the
// default exchange.
type AMQP struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    channel
	queue string
}

// New returns an AMQP publisher when cfg.URL is set and a Nop otherwise.
func New(cfg config.AMQPConfig) (Publisher, error) {
	if cfg.URL == "" {
		return Nop{}, nil
	}
	p, err := Dial(cfg.URL, cfg.Queue)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Dial connects to the broker and declares the destination queue.
func Dial(url, queue string) (*AMQP, error) {
	if queue == "" {
		return nil, fmt.Errorf("amqp queue name not configured")
	}
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP server: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare AMQP queue: %w", err)
	}
	logger.L.Info("connected to AMQP server", "queue", queue)
	return &AMQP{conn: conn, ch: ch, queue: queue}, nil
}

// Publish sends one result. ctx is only checked before sending; the amqp client
// has no per-publish deadline.
func (p *AMQP) Publish(ctx context.Context, r store.AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(Event{Type: eventType, Analysis: r, PublishedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal analysis event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("AMQP publisher is closed")
	}
	err = p.ch.Publish(
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Type:         eventType,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish analysis to AMQP: %w", err)
	}
	return nil
}

// Close shuts down the channel and the connection.
func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
		p.conn = nil
	}
	return err
}
