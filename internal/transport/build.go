package transport

import (
	"fmt"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/logging"
)

// Build constructs the transport for the named driver. Driver selection
// is a closed set; configuration problems surface here, before any
// message is accepted.
func Build(driver string, cfg *config.Config, logger *logging.Logger) (Transport, error) {
	switch driver {
	case "smtp":
		return NewSMTPClient(cfg.Drivers.SMTP, logger)
	case "mailgun":
		return NewMailgunClient(cfg.Drivers.Mailgun, logger)
	case "sendmail":
		return NewSendmailPipe(cfg.Drivers.Sendmail, logger)
	case "null":
		return NewNullTransport(logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrConfig, driver)
	}
}
