package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
)

// Encode assembles an RFC822 message from m. Attachments turn the message
// into multipart/mixed with a single inline text part first.
func Encode(m *Message) ([]byte, error) {
	var h mail.Header
	if m.Time.IsZero() {
		h.SetDate(time.Now())
	} else {
		h.SetDate(m.Time)
	}
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	if m.From.Email != "" {
		h.SetAddressList("From", []*mail.Address{{Name: m.From.Name, Address: m.From.Email}})
	}
	if m.To != "" {
		to, err := mail.ParseAddressList(m.To)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recipients %q: %w", m.To, err)
		}
		h.SetAddressList("To", to)
	}

	var buf bytes.Buffer
	if len(m.Attachments) == 0 {
		h.SetContentType(m.MimeType.String(), map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := w.Write([]byte(m.Body)); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close message writer: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart writer: %w", err)
	}

	var ih mail.InlineHeader
	ih.SetContentType(m.MimeType.String(), map[string]string{"charset": "utf-8"})
	pw, err := mw.CreateSingleInline(ih)
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	if _, err := pw.Write([]byte(m.Body)); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline part: %w", err)
	}

	for _, att := range m.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.ContentType, nil)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment %s: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Data); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %s: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}
