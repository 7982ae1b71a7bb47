// Package mailer enqueues outbound email jobs on the message bus. Delivery is
// fire-and-forget: publish failures are logged and never reach the caller.
package mailer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const subject = "clm.identity.mail"

// Message kinds understood by the delivery worker.
const (
	KindInvitation    = "invitation"
	KindPasswordReset = "password_reset"
)

// Message is an outbound email job. Token is the raw value the recipient
// needs; it rides the bus once and is never persisted or logged here.
type Message struct {
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Mailer publishes email jobs to NATS. A nil connection degrades to a logged
// no-op so local development works without a bus.
type Mailer struct {
	nc  *nats.Conn
	log zerolog.Logger
}

func New(nc *nats.Conn, log zerolog.Logger) *Mailer {
	return &Mailer{nc: nc, log: log}
}

// Enqueue publishes the message. Never blocks on delivery, never errors.
func (m *Mailer) Enqueue(ctx context.Context, msg Message) {
	if m.nc == nil {
		m.log.Debug().Str("kind", msg.Kind).Str("to", msg.To).Msg("Mail bus not configured, dropping message")
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Error().Err(err).Str("kind", msg.Kind).Msg("Failed to encode mail message")
		return
	}

	if err := m.nc.Publish(subject, data); err != nil {
		m.log.Error().Err(err).Str("kind", msg.Kind).Str("to", msg.To).Msg("Failed to enqueue mail")
	}
}
