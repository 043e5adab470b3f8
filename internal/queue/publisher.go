package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher pushes email requests onto the broker. Publishing is
// best-effort from the caller's perspective: errors are logged and
// returned, and callers ignore them so a broker outage never rolls
// back user or code state that is already persisted.
type Publisher struct {
	url string
	log zerolog.Logger
}

func NewPublisher(url string, log zerolog.Logger) *Publisher {
	return &Publisher{url: url, log: log}
}

// Publish sends one EmailMessage to the email queue. Messages are
// marked persistent so they survive broker restarts. The function
// never panics; any failure is logged and returned.
func (p *Publisher) Publish(ctx context.Context, msg EmailMessage) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.Error().Err(err).Msg("email queue: dial failed")
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Error().Err(err).Msg("email queue: channel open failed")
		return err
	}
	defer func() { _ = ch.Close() }()

	// Idempotent declare; durable so queued mail survives broker restarts.
	if _, err := ch.QueueDeclare(EmailQueueName, true, false, false, false, nil); err != nil {
		p.log.Error().Err(err).Msg("email queue: declare failed")
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Msg("email queue: marshal failed")
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", EmailQueueName, false, false, pub); err != nil {
		p.log.Error().Err(err).Msg("email queue: publish failed")
		return err
	}
	return nil
}
