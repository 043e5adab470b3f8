package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Sender is the delivery side the consumer hands messages to,
// implemented by the SMTP mailer.
type Sender interface {
	Send(to, subject, body string) error
}

// StartEmailConsumer connects to the broker, declares the durable
// email queue and delivers each message over SMTP. It runs a
// reconnect loop with exponential backoff and keeps running across
// broker restarts; processing errors are logged and the offending
// message rejected without requeue so a bad payload cannot wedge the
// queue.
func StartEmailConsumer(url string, sender Sender, log zerolog.Logger) {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("email consumer: dial failed")
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		if err := consumeLoop(conn, sender, log); err != nil {
			log.Warn().Err(err).Msg("email consumer: consume loop ended, reconnecting")
			time.Sleep(2 * time.Second)
		}
	}
}

func consumeLoop(conn *amqp.Connection, sender Sender, log zerolog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(10, 0, false); err != nil {
		log.Warn().Err(err).Msg("email consumer: set QoS failed")
	}

	if _, err := ch.QueueDeclare(EmailQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(EmailQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		var msg EmailMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			log.Error().Err(err).Msg("email consumer: bad payload")
			_ = d.Nack(false, false)
			continue
		}
		if err := sender.Send(msg.To, msg.Subject, msg.Body); err != nil {
			log.Error().Err(err).Str("to", msg.To).Msg("email consumer: delivery failed")
			_ = d.Nack(false, false) // drop rather than requeue-loop
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}
