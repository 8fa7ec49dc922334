// Package codec converts raw RFC822 messages to structured records and back.
package codec

import (
	"net/mail"
	"strings"
	"time"
)

// MimeType is the advertised body type of a decoded message.
type MimeType int

const (
	TextPlain MimeType = iota
	TextHTML
)

func (m MimeType) String() string {
	if m == TextHTML {
		return "text/html"
	}
	return "text/plain"
}

// MarshalText lets MimeType render as its media type in JSON.
func (m MimeType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Attachment is a decoded attachment part. Data is only populated on
// single-message loads.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
}

// Message is the transient structured view of a stored blob.
type Message struct {
	ID          string       `json:"id"`
	Subject     string       `json:"subject"`
	From        Sender       `json:"from"`
	To          string       `json:"to"`
	Date        string       `json:"date"`
	Time        time.Time    `json:"-"`
	Body        string       `json:"body"`
	MimeType    MimeType     `json:"mime_type"`
	Unread      bool         `json:"unread"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// HasDate reports whether the Date header parsed.
func (m *Message) HasDate() bool {
	return !m.Time.IsZero()
}

// IsEmpty reports whether the message carries no recipient, subject or body.
func (m *Message) IsEmpty() bool {
	return m.To == "" && m.Subject == "" && m.Body == ""
}

// IsPartiallyEmpty reports whether any of recipient, subject or body is missing.
func (m *Message) IsPartiallyEmpty() bool {
	return m.To == "" || m.Subject == "" || m.Body == ""
}

// ParseDate parses an RFC 2822 date header value.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := mail.ParseDate(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
