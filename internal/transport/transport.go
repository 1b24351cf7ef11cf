// Package transport delivers built messages over SMTP, sendmail,
// Mailgun, or a discard sink.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaykit/relaykit/internal/dkim"
	"github.com/relaykit/relaykit/internal/mail"
)

// Transport is the common delivery contract.
type Transport interface {
	// Name identifies the driver (smtp, sendmail, mailgun, null).
	Name() string
	// Send delivers the message or returns a classified error.
	Send(ctx context.Context, msg *mail.Message) error
}

// Common errors
var (
	ErrConfig        = errors.New("transport configuration invalid")
	ErrSMTPTransport = errors.New("smtp connection failed")
	ErrSMTPAuth      = errors.New("smtp authentication failed")
)

// SMTPProtocolError reports a reply outside the expected code family.
type SMTPProtocolError struct {
	Command  string
	Expected int
	Observed int
	Reply    string
}

func (e *SMTPProtocolError) Error() string {
	return fmt.Sprintf("smtp %s: expected %d, got %d: %s", e.Command, e.Expected, e.Observed, e.Reply)
}

// SendmailError reports a non-zero sendmail exit.
type SendmailError struct {
	ExitCode int
	Stderr   string
}

func (e *SendmailError) Error() string {
	return fmt.Sprintf("sendmail exited with status %d: %s", e.ExitCode, e.Stderr)
}

// MailgunErrorKind classifies a Mailgun API failure.
type MailgunErrorKind string

const (
	KindInvalidRequest      MailgunErrorKind = "invalid_request"
	KindAuthFailed          MailgunErrorKind = "auth_failed"
	KindRejected            MailgunErrorKind = "rejected"
	KindDomainMissing       MailgunErrorKind = "domain_missing"
	KindMessageTooLarge     MailgunErrorKind = "message_too_large"
	KindUpstreamUnavailable MailgunErrorKind = "upstream_unavailable"
	KindUpstreamError       MailgunErrorKind = "upstream_error"
)

// MailgunError reports a failed Mailgun API call.
type MailgunError struct {
	Kind    MailgunErrorKind
	Status  int
	Message string
}

func (e *MailgunError) Error() string {
	return fmt.Sprintf("mailgun %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// Retryable reports whether the failure is transient (5xx or rate
// limiting) and worth another attempt.
func (e *MailgunError) Retryable() bool {
	return e.Kind == KindUpstreamUnavailable || e.Status == 429
}

// IsPermanent reports whether an error must never be retried:
// client-side validation, bad signing keys, and terminal upstream
// rejections go straight to the failed queue.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mail.ErrRecipientInvalid) ||
		errors.Is(err, mail.ErrSubjectMissing) ||
		errors.Is(err, dkim.ErrSigningKeyInvalid) ||
		errors.Is(err, ErrConfig) {
		return true
	}
	var mgErr *MailgunError
	if errors.As(err, &mgErr) {
		return !mgErr.Retryable()
	}
	return false
}
