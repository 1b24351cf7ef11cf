package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	netmail "net/mail"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/logging"
	"github.com/relaykit/relaykit/internal/mail"
)

const (
	mailgunBaseUS = "https://api.mailgun.net/v3"
	mailgunBaseEU = "https://api.eu.mailgun.net/v3"

	maxMailgunTags = 3
)

// MailgunClient posts messages to the Mailgun HTTP API.
type MailgunClient struct {
	cfg     config.MailgunConfig
	base    string
	client  *http.Client
	logger  *logging.Logger
}

// NewMailgunClient validates the driver configuration and returns a client.
func NewMailgunClient(cfg config.MailgunConfig, logger *logging.Logger) (*MailgunClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: mailgun api_key missing", ErrConfig)
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("%w: mailgun domain missing", ErrConfig)
	}
	var base string
	switch cfg.Region {
	case "us":
		base = mailgunBaseUS
	case "eu":
		base = mailgunBaseEU
	default:
		return nil, fmt.Errorf("%w: mailgun region must be us or eu (got %q)", ErrConfig, cfg.Region)
	}
	if cfg.TimeoutSec < 1 || cfg.ConnectTimeoutSec < 1 {
		return nil, fmt.Errorf("%w: mailgun timeouts must be positive", ErrConfig)
	}
	if _, err := netmail.ParseAddress(cfg.From.Address); err != nil {
		return nil, fmt.Errorf("%w: mailgun from.address %q: %v", ErrConfig, cfg.From.Address, err)
	}
	if len(cfg.Tags) > maxMailgunTags {
		return nil, fmt.Errorf("%w: at most %d mailgun tags (got %d)", ErrConfig, maxMailgunTags, len(cfg.Tags))
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &MailgunClient{
		cfg:  cfg,
		base: base,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: time.Duration(cfg.ConnectTimeoutSec) * time.Second,
				}).DialContext,
			},
		},
		logger: logger.Transport().WithFields("driver", "mailgun"),
	}, nil
}

// Name implements Transport.
func (c *MailgunClient) Name() string { return "mailgun" }

// SetBaseURL overrides the API endpoint; used by tests.
func (c *MailgunClient) SetBaseURL(base string) { c.base = base }

// Send implements Transport.
func (c *MailgunClient) Send(ctx context.Context, msg *mail.Message) error {
	if msg.From() == "" {
		return fmt.Errorf("%w: message has no From address", ErrConfig)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.base, c.cfg.Domain)

	values := c.fields(msg)

	var req *http.Request
	var err error
	if len(msg.Attachments()) > 0 {
		req, err = c.multipartRequest(ctx, endpoint, values, msg.Attachments())
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
			strings.NewReader(values.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("failed to build mailgun request: %w", err)
	}
	req.SetBasicAuth("api", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return &MailgunError{Kind: KindUpstreamUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &MailgunError{Kind: KindUpstreamError, Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &ok); err != nil {
			return &MailgunError{Kind: KindUpstreamError, Status: resp.StatusCode,
				Message: "non-JSON success body"}
		}
		c.logger.Info("message accepted by mailgun", "mailgun_id", ok.ID)
		return nil
	}

	return classifyMailgun(resp.StatusCode, body)
}

// fields builds the non-file form fields.
func (c *MailgunClient) fields(msg *mail.Message) url.Values {
	values := url.Values{}
	values.Set("from", msg.From())
	values.Set("to", msg.To())
	values.Set("subject", msg.Subject())

	if msg.ContentType() == mail.TextPlain {
		values.Set("text", string(msg.Content()))
	} else {
		values.Set("html", string(msg.Content()))
	}

	// The signature was computed over the locally built message, so it
	// must travel as a pass-through header, prefix stripped.
	if sig := msg.DKIMSignature(); sig != "" {
		if _, value, ok := strings.Cut(sig, ":"); ok {
			values.Set("h:DKIM-Signature", strings.TrimSpace(value))
		}
	}
	values.Set("h:Message-Id", msg.MessageID())

	if c.cfg.Tracking.Clicks {
		values.Set("o:tracking-clicks", "yes")
	}
	if c.cfg.Tracking.Opens {
		values.Set("o:tracking-opens", "yes")
	}
	if c.cfg.DeliveryTime != "" {
		values.Set("o:deliverytime", c.cfg.DeliveryTime)
	}
	for i, tag := range c.cfg.Tags {
		if i >= maxMailgunTags {
			break
		}
		values.Add("o:tag", tag)
	}
	for key, value := range c.cfg.Variables {
		values.Set("v:"+key, value)
	}

	return values
}

// multipartRequest encodes fields plus attachment files. Unreadable
// attachments are dropped with a warning rather than failing the send.
func (c *MailgunClient) multipartRequest(ctx context.Context, endpoint string, values url.Values, attachments []mail.Attachment) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for key, vals := range values {
		for _, v := range vals {
			if err := w.WriteField(key, v); err != nil {
				return nil, err
			}
		}
	}

	for _, att := range attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			c.logger.Warn("attachment dropped", "path", att.Path, "error", err.Error())
			continue
		}
		name := att.Name
		if name == "" {
			name = att.Path[strings.LastIndex(att.Path, "/")+1:]
		}
		fw, err := w.CreateFormFile("attachment", name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// classifyMailgun maps an HTTP status to the error taxonomy.
func classifyMailgun(status int, body []byte) *MailgunError {
	var parsed struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		message = parsed.Message
	} else if err != nil {
		return &MailgunError{Kind: KindUpstreamError, Status: status,
			Message: "non-JSON error body: " + message}
	}

	var kind MailgunErrorKind
	switch {
	case status == http.StatusBadRequest:
		kind = KindInvalidRequest
	case status == http.StatusUnauthorized:
		kind = KindAuthFailed
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		kind = KindRejected
	case status == http.StatusNotFound:
		kind = KindDomainMissing
	case status == http.StatusRequestEntityTooLarge:
		kind = KindMessageTooLarge
	case status >= 500:
		kind = KindUpstreamUnavailable
	default:
		kind = KindUpstreamError
	}

	return &MailgunError{Kind: kind, Status: status, Message: message}
}
