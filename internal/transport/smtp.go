package transport

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	netmail "net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/logging"
	"github.com/relaykit/relaykit/internal/mail"
)

// heloName is the EHLO argument; submission servers identify the client
// by authentication, not by this name.
const heloName = "localhost"

// SMTPClient speaks RFC 5321 with STARTTLS and AUTH LOGIN / CRAM-MD5.
// Every Send dials a fresh connection, so an earlier failure can never
// leave a stuck session behind.
type SMTPClient struct {
	cfg    config.SMTPConfig
	logger *logging.Logger

	// tlsConfig overrides the client TLS configuration; tests install
	// one trusting their fixture certificate.
	tlsConfig *tls.Config
}

func (c *SMTPClient) clientTLSConfig() *tls.Config {
	if c.tlsConfig != nil {
		return c.tlsConfig
	}
	return &tls.Config{ServerName: c.cfg.Host}
}

// NewSMTPClient validates the driver configuration and returns a client.
func NewSMTPClient(cfg config.SMTPConfig, logger *logging.Logger) (*SMTPClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp host missing", ErrConfig)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: smtp port %d out of range", ErrConfig, cfg.Port)
	}
	switch cfg.Encryption {
	case "tls", "ssl", "none":
	default:
		return nil, fmt.Errorf("%w: unknown smtp encryption %q", ErrConfig, cfg.Encryption)
	}
	if cfg.TimeoutSec < 1 {
		return nil, fmt.Errorf("%w: smtp timeout must be positive", ErrConfig)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SMTPClient{cfg: cfg, logger: logger.Transport().WithFields("driver", "smtp")}, nil
}

// Name implements Transport.
func (c *SMTPClient) Name() string { return "smtp" }

// session holds one SMTP dialogue. Any protocol or transport error
// closes the socket, returning the session to the disconnected state.
type session struct {
	conn    net.Conn
	tp      *textproto.Conn
	timeout time.Duration
	logger  *logging.Logger
}

func (s *session) close() {
	if s.tp != nil {
		s.tp.Close()
		s.tp = nil
		s.conn = nil
	}
}

// cmd sends one command line and expects a reply in the given code
// family. Multi-line replies ("250-...") are consumed in full. The
// logged form masks credential continuation lines.
func (s *session) cmd(expect int, logAs, format string, args ...any) (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSMTPTransport, err)
	}

	id, err := s.tp.Cmd(format, args...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSMTPTransport, err)
	}
	s.tp.StartResponse(id)
	defer s.tp.EndResponse(id)

	command := logAs
	if command == "" {
		command = fmt.Sprintf(format, args...)
	}
	s.logger.Debug("smtp command", "command", command)

	return s.expect(expect, command)
}

// expect reads one reply and checks its code family.
func (s *session) expect(code int, command string) (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSMTPTransport, err)
	}

	observed, message, err := s.tp.ReadResponse(code)
	if err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			return "", &SMTPProtocolError{
				Command:  command,
				Expected: code,
				Observed: tpErr.Code,
				Reply:    strings.TrimSpace(tpErr.Msg),
			}
		}
		return "", fmt.Errorf("%w: %v", ErrSMTPTransport, err)
	}
	_ = observed
	return message, nil
}

// Send runs the full dialogue: greeting, EHLO, optional STARTTLS
// upgrade, optional AUTH, envelope, DATA, QUIT.
func (c *SMTPClient) Send(ctx context.Context, msg *mail.Message) error {
	if msg.From() == "" {
		return fmt.Errorf("%w: message has no From address", ErrConfig)
	}

	// A missing attachment is fatal on this transport.
	data, _, err := msg.Render(mail.FailMissing)
	if err != nil {
		return err
	}

	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.expect(220, "greeting"); err != nil {
		return err
	}

	caps, err := s.cmd(250, "", "EHLO %s", heloName)
	if err != nil {
		return err
	}

	switch c.cfg.Encryption {
	case "tls":
		if hasCapability(caps, "STARTTLS") {
			caps, err = c.startTLS(s)
			if err != nil {
				return err
			}
		}
	case "ssl":
		// The socket is already TLS; re-EHLO to refresh capabilities.
		caps, err = s.cmd(250, "", "EHLO %s", heloName)
		if err != nil {
			return err
		}
	}

	if c.cfg.Username != "" && c.cfg.Password != "" {
		if err := c.authenticate(s, caps); err != nil {
			return err
		}
	}

	fromAddr, err := envelopeAddress(msg.From())
	if err != nil {
		return fmt.Errorf("%w: from address %q: %v", ErrConfig, msg.From(), err)
	}

	if _, err := s.cmd(250, "", "MAIL FROM:<%s>", fromAddr); err != nil {
		return err
	}
	if _, err := s.cmd(250, "", "RCPT TO:<%s>", msg.To()); err != nil {
		return err
	}
	if _, err := s.cmd(354, "", "DATA"); err != nil {
		return err
	}

	if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrSMTPTransport, err)
	}
	w := s.tp.DotWriter()
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("%w: %v", ErrSMTPTransport, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSMTPTransport, err)
	}
	if _, err := s.expect(250, "DATA body"); err != nil {
		return err
	}

	if _, err := s.cmd(221, "", "QUIT"); err != nil {
		// The message is accepted at this point; a noisy QUIT is not a
		// delivery failure.
		c.logger.Debug("quit failed after accepted message", "error", err.Error())
	}
	return nil
}

// connect opens the TCP or implicit-TLS socket.
func (c *SMTPClient) connect(ctx context.Context) (*session, error) {
	address := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout()}

	var conn net.Conn
	var err error
	if c.cfg.Encryption == "ssl" {
		conn, err = tls.DialWithDialer(dialer, "tcp", address, c.clientTLSConfig())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrSMTPTransport, address, err)
	}

	return &session{
		conn:    conn,
		tp:      textproto.NewConn(conn),
		timeout: c.cfg.Timeout(),
		logger:  c.logger,
	}, nil
}

// startTLS upgrades the session and re-issues EHLO, returning the
// refreshed capability list.
func (c *SMTPClient) startTLS(s *session) (string, error) {
	if _, err := s.cmd(220, "", "STARTTLS"); err != nil {
		return "", err
	}

	tlsConn := tls.Client(s.conn, c.clientTLSConfig())
	s.conn = tlsConn
	s.tp = textproto.NewConn(tlsConn)

	return s.cmd(250, "", "EHLO %s", heloName)
}

// authenticate picks CRAM-MD5 when advertised, LOGIN otherwise.
func (c *SMTPClient) authenticate(s *session, caps string) error {
	var err error
	if advertisesAuthMechanism(caps, "CRAM-MD5") {
		err = c.authCramMD5(s)
	} else {
		err = c.authLogin(s)
	}

	var protoErr *SMTPProtocolError
	if errors.As(err, &protoErr) {
		return fmt.Errorf("%w: %v", ErrSMTPAuth, protoErr)
	}
	return err
}

func (c *SMTPClient) authLogin(s *session) error {
	if _, err := s.cmd(334, "", "AUTH LOGIN"); err != nil {
		return err
	}
	user := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username))
	if _, err := s.cmd(334, "AUTH LOGIN username", "%s", user); err != nil {
		return err
	}
	pass := base64.StdEncoding.EncodeToString([]byte(c.cfg.Password))
	if _, err := s.cmd(235, "AUTH LOGIN password", "%s", pass); err != nil {
		return err
	}
	return nil
}

func (c *SMTPClient) authCramMD5(s *session) error {
	challenge, err := s.cmd(334, "", "AUTH CRAM-MD5")
	if err != nil {
		return err
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(challenge))
	if err != nil {
		return fmt.Errorf("%w: malformed CRAM-MD5 challenge: %v", ErrSMTPTransport, err)
	}

	mac := hmac.New(md5.New, []byte(c.cfg.Password))
	mac.Write(decoded)
	response := c.cfg.Username + " " + hex.EncodeToString(mac.Sum(nil))
	encoded := base64.StdEncoding.EncodeToString([]byte(response))

	if _, err := s.cmd(235, "AUTH CRAM-MD5 response", "%s", encoded); err != nil {
		return err
	}
	return nil
}

// hasCapability reports whether an EHLO reply advertised the keyword as
// a capability line of its own.
func hasCapability(caps, keyword string) bool {
	for _, line := range strings.Split(caps, "\n") {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), keyword) {
			return true
		}
	}
	return false
}

// advertisesAuthMechanism reports whether the EHLO AUTH capability line
// lists the mechanism. The line reads "AUTH CRAM-MD5 LOGIN ...", so the
// mechanism is a token inside the line, never its prefix.
func advertisesAuthMechanism(caps, mech string) bool {
	for _, line := range strings.Split(caps, "\n") {
		fields := strings.Fields(strings.ToUpper(line))
		if len(fields) < 2 || fields[0] != "AUTH" {
			continue
		}
		for _, f := range fields[1:] {
			if f == mech {
				return true
			}
		}
	}
	return false
}

// envelopeAddress reduces a From header value to a bare mailbox.
func envelopeAddress(from string) (string, error) {
	addr, err := netmail.ParseAddress(from)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}
