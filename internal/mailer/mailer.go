// Package mailer orchestrates message construction, rate limiting,
// DKIM signing, and transport dispatch.
package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/dkim"
	"github.com/relaykit/relaykit/internal/logging"
	"github.com/relaykit/relaykit/internal/mail"
	"github.com/relaykit/relaykit/internal/metrics"
	"github.com/relaykit/relaykit/internal/queue"
	"github.com/relaykit/relaykit/internal/ratelimit"
	"github.com/relaykit/relaykit/internal/transport"
)

// SendMailJobClass names the job type the worker dispatches.
const SendMailJobClass = "send_mail"

// Common errors
var (
	ErrRateLimited = errors.New("rate limit exceeded, retry later")
	ErrConfig      = errors.New("mailer configuration invalid")
)

// Renderer maps a template name and data to an HTML body. The template
// engine itself lives outside this subsystem.
type Renderer interface {
	Render(templateName string, data map[string]any) (string, error)
}

// activeDriver is the atomically published transport with the driver
// settings it was built from. Readers always observe a complete value.
type activeDriver struct {
	name      string
	transport transport.Transport
	from      config.FromConfig
	signer    *dkim.Signer
	signErr   error
}

// Mailer is the send-path entry point. Collaborators are injected
// explicitly; there is no process-wide registry.
type Mailer struct {
	cfg     *config.Config
	logger  *logging.Logger
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	now     func() time.Time

	driver atomic.Pointer[activeDriver]
}

// New builds a Mailer around the configured driver.
func New(cfg *config.Config, logger *logging.Logger, q *queue.Queue, limiter *ratelimit.Limiter) (*Mailer, error) {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Mailer{
		cfg:     cfg,
		logger:  logger.Mailer(),
		queue:   q,
		limiter: limiter,
		now:     time.Now,
	}
	if err := m.SetDriver(cfg.Driver, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// SetDriver builds a transport for the named driver, optionally letting
// overrides adjust a copy of the driver settings first, and swaps it in
// atomically. In-flight sends keep the transport they started with.
func (m *Mailer) SetDriver(name string, overrides func(*config.DriversConfig)) error {
	drivers := m.cfg.Drivers
	if overrides != nil {
		overrides(&drivers)
	}
	cfg := *m.cfg
	cfg.Drivers = drivers
	cfg.Driver = name

	t, err := transport.Build(name, &cfg, m.logger)
	if err != nil {
		return err
	}

	active := &activeDriver{
		name:      name,
		transport: t,
		from:      cfg.DriverFrom(name),
	}

	dk := cfg.DriverDKIM(name)
	if dkim.ShouldSign(name, dk.PrivateKey, dk.Selector, dk.Domain) {
		signer, err := dkim.NewSigner(dk.PrivateKey, dk.Selector, dk.Domain)
		if err != nil {
			// A bad key fails each signing send, not driver selection.
			active.signErr = err
		} else {
			active.signer = signer
		}
	}

	m.driver.Store(active)
	m.logger.Info("transport driver active", "driver", name)
	return nil
}

// Driver returns the name of the active transport driver.
func (m *Mailer) Driver() string {
	return m.driver.Load().name
}

// Transport returns the active transport; used by tests.
func (m *Mailer) Transport() transport.Transport {
	return m.driver.Load().transport
}

// buildMessage runs construction, From application, and signing, the
// half of the pipeline shared by Send and Enqueue.
func (m *Mailer) buildMessage(to, subject string, content []byte, contentType mail.ContentType, attachments []mail.Attachment) (*mail.Message, error) {
	active := m.driver.Load()

	msg, err := mail.New(to, subject, content, contentType, attachments...)
	if err != nil {
		return nil, err
	}

	if active.from.Address == "" {
		return nil, fmt.Errorf("%w: driver %q has no from.address", ErrConfig, active.name)
	}
	from := active.from.Address
	if active.from.Name != "" {
		from = fmt.Sprintf("%s <%s>", active.from.Name, active.from.Address)
	}
	msg.SetFrom(from)

	if active.signErr != nil {
		return nil, active.signErr
	}
	if active.signer != nil {
		sig, err := active.signer.Sign(msg.SignableHeaders(), string(msg.Content()))
		if err != nil {
			return nil, err
		}
		msg.SetDKIMSignature(sig)
	}

	return msg, nil
}

// Send builds and delivers a message synchronously. Every error
// surfaces to the caller.
func (m *Mailer) Send(ctx context.Context, to, subject string, content []byte, contentType mail.ContentType, attachments ...mail.Attachment) error {
	msg, err := m.buildMessage(to, subject, content, contentType, attachments)
	if err != nil {
		return err
	}
	return m.Deliver(ctx, msg)
}

// Deliver runs the rate check and hands an already-built message to the
// active transport. The worker dispatches queued jobs through here, so
// rate limiting applies at dispatch time on both paths.
func (m *Mailer) Deliver(ctx context.Context, msg *mail.Message) error {
	if m.limiter != nil && !m.limiter.Allow() {
		metrics.RateLimited.Inc()
		return ErrRateLimited
	}

	active := m.driver.Load()
	ctx = logging.WithMessageID(logging.WithDriver(ctx, active.name), msg.MessageID())

	start := m.now()
	err := active.transport.Send(ctx, msg)
	elapsed := m.now().Sub(start)
	metrics.RecordSend(active.name, err == nil, elapsed.Seconds())

	if err != nil {
		m.logger.ErrorContext(ctx, "message failed", err, "to", msg.To())
		return err
	}

	m.logger.InfoContext(ctx, "message sent",
		"to", msg.To(), "elapsed_ms", elapsed.Milliseconds())
	return nil
}

// Enqueue builds and signs a message, then pushes it for deferred
// delivery. No rate check happens here; the limiter runs when a worker
// dispatches the job.
func (m *Mailer) Enqueue(ctx context.Context, to, subject string, content []byte, contentType mail.ContentType, queueName string, attachments ...mail.Attachment) (string, error) {
	msg, err := m.buildMessage(to, subject, content, contentType, attachments)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to serialise message: %w", err)
	}

	return m.queue.Push(ctx, SendMailJobClass, payload, queueName)
}

// SendRendered renders a template body and sends it as HTML.
func (m *Mailer) SendRendered(ctx context.Context, r Renderer, to, subject, templateName string, data map[string]any, attachments ...mail.Attachment) error {
	body, err := r.Render(templateName, data)
	if err != nil {
		return fmt.Errorf("template render failed: %w", err)
	}
	return m.Send(ctx, to, subject, []byte(body), mail.TextHTML, attachments...)
}
