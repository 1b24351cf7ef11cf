package mail

import (
	"encoding/json"
	"time"
)

// messageJSON is the wire form of a Message inside a queue envelope.
// Message-ID and Date travel with the payload so a restored message
// keeps the identity assigned at construction.
type messageJSON struct {
	To            string       `json:"to"`
	From          string       `json:"from,omitempty"`
	Subject       string       `json:"subject"`
	ContentType   ContentType  `json:"content_type"`
	Content       []byte       `json:"content"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	MessageID     string       `json:"message_id"`
	Date          float64      `json:"date"`
	DKIMSignature string       `json:"dkim_signature,omitempty"`
}

// MarshalJSON serialises the message for queue storage.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		To:            m.to,
		From:          m.from,
		Subject:       m.subject,
		ContentType:   m.contentType,
		Content:       m.content,
		Attachments:   m.attachments,
		MessageID:     m.messageID,
		Date:          float64(m.date.UnixNano()) / float64(time.Second),
		DKIMSignature: m.dkimSignature,
	})
}

// UnmarshalJSON restores a message from queue storage without minting a
// new Message-ID or Date.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.to = w.To
	m.from = w.From
	m.subject = w.Subject
	m.contentType = w.ContentType
	m.content = w.Content
	m.attachments = w.Attachments
	m.messageID = w.MessageID
	m.date = time.Unix(0, int64(w.Date*float64(time.Second)))
	m.dkimSignature = w.DKIMSignature
	return nil
}
