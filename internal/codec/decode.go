package codec

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// Decode builds a Message from raw RFC822 bytes. It never fails: headers that
// are missing or malformed decode to empty strings and unreadable parts are
// skipped. Attachment bytes are read only when withAttachments is set.
func Decode(raw []byte, id string, unread, withAttachments bool) *Message {
	msg := &Message{ID: id, Unread: unread}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !lenient(err) {
		return msg
	}

	msg.Subject = headerText(entity.Header, "Subject")
	msg.From = ParseSender(headerText(entity.Header, "From"))
	msg.To = headerText(entity.Header, "To")
	msg.Date = entity.Header.Get("Date")
	if t, ok := ParseDate(msg.Date); ok {
		msg.Time = t
	}

	var body strings.Builder
	walk(entity, msg, &body, withAttachments)
	msg.Body = body.String()

	return msg
}

// walk visits one MIME part. Order matters: attachment detection wins over
// multipart, and text fragments are appended without separators.
func walk(e *message.Entity, msg *Message, body *strings.Builder, withAttachments bool) {
	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	if name, ok := attachmentName(e.Header, mediaType, params); ok {
		if !withAttachments {
			return
		}
		data, err := io.ReadAll(e.Body)
		if err != nil {
			return
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    name,
			ContentType: mediaType,
			Data:        data,
		})
		return
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		mr := e.MultipartReader()
		if mr == nil {
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil && !lenient(err) {
				return
			}
			walk(part, msg, body, withAttachments)
		}
	case mediaType == "text/plain":
		if text, err := io.ReadAll(e.Body); err == nil {
			body.Write(text)
		}
	case mediaType == "text/html":
		if text, err := io.ReadAll(e.Body); err == nil {
			body.Write(text)
		}
		msg.MimeType = TextHTML
	}
}

func attachmentName(h message.Header, mediaType string, params map[string]string) (string, bool) {
	filename := params["name"]
	disposition := strings.ToLower(strings.TrimSpace(h.Get("Content-Disposition")))
	if filename == "" && disposition != "" {
		if _, dparams, err := h.ContentDisposition(); err == nil {
			filename = dparams["filename"]
		}
	}

	isAttachment := strings.HasPrefix(disposition, "attachment")
	isImage := strings.HasPrefix(mediaType, "image/")
	if filename == "" && !isAttachment && !isImage {
		return "", false
	}

	if filename == "" {
		if isImage {
			filename = "image." + strings.TrimPrefix(mediaType, "image/")
		} else {
			filename = "attachment"
		}
	}
	return filename, true
}

func headerText(h message.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return v
}

func lenient(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
