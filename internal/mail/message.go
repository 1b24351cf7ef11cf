// Package mail builds RFC 5322 messages for outbound delivery.
package mail

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrRecipientInvalid  = errors.New("recipient address is invalid")
	ErrSubjectMissing    = errors.New("subject must not be empty")
	ErrAttachmentMissing = errors.New("attachment file is not readable")
)

// ContentType is the body content type of a message.
type ContentType string

const (
	TextPlain            ContentType = "text/plain"
	TextHTML             ContentType = "text/html"
	MultipartMixed       ContentType = "multipart/mixed"
	MultipartAlternative ContentType = "multipart/alternative"
)

// Attachment describes a file to embed. It is a descriptor, not bytes;
// the file is read when the message is serialised.
type Attachment struct {
	Path string
	// Name overrides the display filename; defaults to the base name.
	Name string
	// MIMEType overrides the detected content type.
	MIMEType string
}

// resolved is the normalised form of an attachment.
type resolved struct {
	absPath  string
	filename string
	mimeType string
}

// normalize produces {absolutePath, filename, mimeType} for an attachment.
func (a Attachment) normalize() resolved {
	abs, err := filepath.Abs(a.Path)
	if err != nil {
		abs = a.Path
	}
	name := a.Name
	if name == "" {
		name = filepath.Base(abs)
	}
	mt := a.MIMEType
	if mt == "" {
		mt = mime.TypeByExtension(filepath.Ext(name))
		if mt == "" {
			mt = "application/octet-stream"
		}
	}
	return resolved{absPath: abs, filename: name, mimeType: mt}
}

// Message is an outbound email. Immutable after construction except for
// the From header and the DKIM signature.
type Message struct {
	to          string
	subject     string
	contentType ContentType
	content     []byte
	attachments []Attachment

	messageID string
	date      time.Time

	from          string
	dkimSignature string
}

// New constructs a Message, validating the recipient and subject before
// any I/O happens. Message-ID and Date are assigned once here and never
// change afterwards.
func New(to, subject string, content []byte, contentType ContentType, attachments ...Attachment) (*Message, error) {
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrRecipientInvalid, to)
	}
	if strings.TrimSpace(subject) == "" {
		return nil, ErrSubjectMissing
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	now := time.Now()
	return &Message{
		to:          addr.Address,
		subject:     subject,
		contentType: contentType,
		content:     content,
		attachments: attachments,
		messageID:   fmt.Sprintf("<%s.%d@%s>", uuid.NewString(), now.Unix(), host),
		date:        now,
	}, nil
}

// To returns the recipient mailbox.
func (m *Message) To() string { return m.to }

// Subject returns the subject line.
func (m *Message) Subject() string { return m.subject }

// ContentType returns the body content type.
func (m *Message) ContentType() ContentType { return m.contentType }

// Content returns the body bytes.
func (m *Message) Content() []byte { return m.content }

// Attachments returns the attachment descriptors in order.
func (m *Message) Attachments() []Attachment { return m.attachments }

// MessageID returns the generated Message-ID, stable across calls.
func (m *Message) MessageID() string { return m.messageID }

// Date returns the generation timestamp.
func (m *Message) Date() time.Time { return m.date }

// From returns the From header value, empty until SetFrom.
func (m *Message) From() string { return m.from }

// SetFrom sets the From header value. Transports require it to be set.
func (m *Message) SetFrom(from string) { m.from = from }

// DKIMSignature returns the attached DKIM-Signature header value, if any.
func (m *Message) DKIMSignature() string { return m.dkimSignature }

// SetDKIMSignature attaches a full "DKIM-Signature: ..." header line.
func (m *Message) SetDKIMSignature(sig string) { m.dkimSignature = sig }

// Headers returns the message headers in emission order. The DKIM
// signature, when present, comes first so relays signing-verify the
// exact bytes the signer saw.
func (m *Message) Headers() []Header {
	var hs []Header
	if m.dkimSignature != "" {
		name, value, ok := strings.Cut(m.dkimSignature, ":")
		if ok {
			hs = append(hs, Header{Name: name, Value: strings.TrimSpace(value)})
		}
	}
	hs = append(hs,
		Header{Name: "From", Value: m.from},
		Header{Name: "To", Value: m.to},
		Header{Name: "Subject", Value: m.subject},
		Header{Name: "Date", Value: m.date.Format(time.RFC1123Z)},
		Header{Name: "Message-ID", Value: m.messageID},
		Header{Name: "MIME-Version", Value: "1.0"},
	)
	return hs
}

// Header is a single message header.
type Header struct {
	Name  string
	Value string
}

// SignableHeaders returns the header map the DKIM signer consumes.
func (m *Message) SignableHeaders() map[string]string {
	return map[string]string{
		"From":       m.from,
		"To":         m.to,
		"Subject":    m.subject,
		"Date":       m.date.Format(time.RFC1123Z),
		"Message-ID": m.messageID,
	}
}

// RenderMode controls how serialisation treats unreadable attachments.
type RenderMode int

const (
	// DropMissing drops unreadable attachments and reports them as
	// warnings instead of failing the whole message.
	DropMissing RenderMode = iota
	// FailMissing aborts serialisation on the first unreadable
	// attachment. The SMTP transport uses this mode.
	FailMissing
)

// Render serialises the complete RFC 5322 message. The returned warnings
// name attachments dropped under DropMissing.
func (m *Message) Render(mode RenderMode) ([]byte, []string, error) {
	var b strings.Builder

	if len(m.attachments) == 0 {
		for _, h := range m.Headers() {
			fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
		}
		// A multipart content type with nothing to wrap would emit a
		// boundary-less Content-Type; the body is a single html part.
		bodyType := m.contentType
		if bodyType == MultipartMixed || bodyType == MultipartAlternative {
			bodyType = TextHTML
		}
		fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n", bodyType)
		b.WriteString("Content-Transfer-Encoding: 7bit\r\n")
		b.WriteString("\r\n")
		b.Write(m.content)
		return []byte(b.String()), nil, nil
	}

	boundary := "=_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	for _, h := range m.Headers() {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	// Body part
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	bodyType := m.contentType
	if bodyType == MultipartMixed || bodyType == MultipartAlternative {
		bodyType = TextHTML
	}
	fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n", bodyType)
	b.WriteString("Content-Transfer-Encoding: 7bit\r\n")
	b.WriteString("\r\n")
	b.Write(m.content)
	b.WriteString("\r\n")

	var warnings []string
	for _, att := range m.attachments {
		r := att.normalize()
		data, err := os.ReadFile(r.absPath)
		if err != nil {
			if mode == FailMissing {
				return nil, nil, fmt.Errorf("%w: %s", ErrAttachmentMissing, r.absPath)
			}
			warnings = append(warnings, fmt.Sprintf("attachment dropped: %s (%v)", r.absPath, err))
			continue
		}

		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s; name=%q\r\n", r.mimeType, r.filename)
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n", r.filename)
		b.WriteString("\r\n")
		b.WriteString(chunkBase64(data, 76))
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String()), warnings, nil
}

// String serialises the message, dropping unreadable attachments.
func (m *Message) String() string {
	data, _, _ := m.Render(DropMissing)
	return string(data)
}

// chunkBase64 encodes data and wraps the output at width columns.
func chunkBase64(data []byte, width int) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > width {
		b.WriteString(enc[:width])
		b.WriteString("\r\n")
		enc = enc[width:]
	}
	b.WriteString(enc)
	return b.String()
}
