// Package queue defines message payloads exchanged over the broker
// and the publisher/consumer pair that moves transactional email off
// the request path.
package queue

// EmailQueueName is the durable queue email requests travel through.
const EmailQueueName = "email.send"

// EmailMessage is published whenever a handler needs a message
// delivered: verification codes at registration and resend, and
// password reset codes. It contains everything the consumer needs so
// no database access happens on the delivery side.
type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
