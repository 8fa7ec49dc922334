package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sender is a parsed From header.
type Sender struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// ParseSender splits "Name <email>". Anything else is kept whole as the email.
func ParseSender(s string) Sender {
	left := strings.Index(s, "<")
	right := strings.LastIndex(s, ">")
	if left >= 0 && right >= 0 && left < right {
		return Sender{
			Name:  strings.TrimSpace(s[:left]),
			Email: s[left+1 : right],
		}
	}
	return Sender{Email: s}
}

// DisplayName returns the name, or the email when there is none.
func (s Sender) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Email
}

// String returns the "Name <email>" form.
func (s Sender) String() string {
	if s.Name == "" {
		return s.Email
	}
	return fmt.Sprintf("%s <%s>", s.Name, s.Email)
}

// UnmarshalJSON accepts either an object or a "Name <email>" string.
func (s *Sender) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*s = ParseSender(raw)
		return nil
	}
	type plain Sender
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Sender(p)
	return nil
}
