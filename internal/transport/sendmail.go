package transport

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/logging"
	"github.com/relaykit/relaykit/internal/mail"
)

// SendmailPipe hands messages to a local sendmail binary via stdin.
type SendmailPipe struct {
	cfg    config.SendmailConfig
	logger *logging.Logger
}

// NewSendmailPipe validates the driver configuration and returns a pipe.
func NewSendmailPipe(cfg config.SendmailConfig, logger *logging.Logger) (*SendmailPipe, error) {
	if cfg.Path == "" {
		cfg.Path = "/usr/sbin/sendmail"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SendmailPipe{cfg: cfg, logger: logger.Transport().WithFields("driver", "sendmail")}, nil
}

// Name implements Transport.
func (p *SendmailPipe) Name() string { return "sendmail" }

// Send spawns sendmail -t -i, writes the serialised message to stdin,
// and treats any non-zero exit as failure carrying stderr.
func (p *SendmailPipe) Send(ctx context.Context, msg *mail.Message) error {
	if msg.From() == "" {
		from := p.cfg.From.Address
		if from == "" {
			return fmt.Errorf("%w: no From address on message or driver config", ErrConfig)
		}
		if p.cfg.From.Name != "" {
			from = fmt.Sprintf("%s <%s>", p.cfg.From.Name, p.cfg.From.Address)
		}
		msg.SetFrom(from)
	}

	data, warnings, err := msg.Render(mail.DropMissing)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		p.logger.Warn(w)
	}

	cmd := exec.CommandContext(ctx, p.cfg.Path, "-t", "-i")
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &SendmailError{
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}

	p.logger.Info("message piped to sendmail", "path", p.cfg.Path, "to", msg.To())
	return nil
}
