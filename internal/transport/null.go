package transport

import (
	"context"
	"sync/atomic"

	"github.com/relaykit/relaykit/internal/logging"
	"github.com/relaykit/relaykit/internal/mail"
)

// NullTransport logs and discards every message. Useful in tests and
// as a configuration-complete no-op driver.
type NullTransport struct {
	logger *logging.Logger
	sent   atomic.Int64
}

// NewNullTransport returns a discard transport.
func NewNullTransport(logger *logging.Logger) *NullTransport {
	if logger == nil {
		logger = logging.Default()
	}
	return &NullTransport{logger: logger.Transport().WithFields("driver", "null")}
}

// Name implements Transport.
func (n *NullTransport) Name() string { return "null" }

// Send implements Transport by discarding the message.
func (n *NullTransport) Send(ctx context.Context, msg *mail.Message) error {
	n.sent.Add(1)
	n.logger.InfoContext(logging.WithMessageID(ctx, msg.MessageID()),
		"message discarded", "to", msg.To(), "subject", msg.Subject())
	return nil
}

// Sent returns how many messages were discarded.
func (n *NullTransport) Sent() int64 { return n.sent.Load() }
