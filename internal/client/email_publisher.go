package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// EmailJob is the message consumed by the mailer worker.
type EmailJob struct {
	To        string                 `json:"to"`
	Name      string                 `json:"name,omitempty"`
	Template  string                 `json:"template"`
	Subject   string                 `json:"subject"`
	LetterID  string                 `json:"letter_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// EmailPublisher enqueues email jobs on a durable RabbitMQ queue. Publishing
// is best-effort: failures are logged and returned, callers may ignore them.
type EmailPublisher struct {
	conn  *amqp.Connection
	queue string
	log   zerolog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewEmailPublisher dials the broker. The queue is declared on first publish.
func NewEmailPublisher(url, queue string, log zerolog.Logger) (*EmailPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial failed: %w", err)
	}
	return &EmailPublisher{conn: conn, queue: queue, log: log}, nil
}

// Close closes the channel and connection.
func (p *EmailPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

// Publish enqueues one job. Messages are persistent.
func (p *EmailPublisher) Publish(ctx context.Context, job EmailJob) error {
	if job.To == "" {
		return fmt.Errorf("email job has no recipient")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal job failed: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		p.log.Warn().Err(err).Str("queue", p.queue).Msg("rabbitmq: channel open failed")
		return err
	}

	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    job.CreatedAt,
			Body:         body,
		},
	)
	if err != nil {
		// Drop the channel so the next publish opens a fresh one.
		_ = ch.Close()
		p.ch = nil
		p.log.Warn().Err(err).Str("queue", p.queue).Str("letter_id", job.LetterID).Msg("rabbitmq: publish failed")
		return err
	}
	return nil
}

// channel returns the cached channel, opening and declaring as needed. Caller holds mu.
func (p *EmailPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}

	// Durable so jobs survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}

	p.ch = ch
	return ch, nil
}
