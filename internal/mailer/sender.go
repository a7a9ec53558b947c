// Package mailer delivers one rendered message to one recipient.
package mailer

import (
	"context"
	"strings"
)

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	// Tags are provider-side labels (campaign id, locale).
	Tags map[string]string
}

// SendResult reports the provider's verdict. A rejection is Success=false with Error set;
// transport failures are returned as errors from Send instead.
type SendResult struct {
	Success bool
	ID      string
	Error   string
}

type Sender interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// RedactEmail masks an address for logs: "john.doe@example.com" -> "jo***@example.com".
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}
