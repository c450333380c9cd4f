// Package notify delivers finished run results to the address given at run
// creation.
package notify

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadfoundry/internal/config"
)

// DefaultSubject is used when the configuration leaves the subject empty.
const DefaultSubject = "Your LeadFoundry AI Results"

// DisplayName is the sender name shown to recipients.
const DisplayName = "LeadFoundry AI"

// Body is the HTML body sent with the spreadsheet attached.
const Body = `<html>
<body style="font-family: Arial, Helvetica, sans-serif; line-height: 1.6;">
<p>Hello,</p>
<p>Your leads are ready. Please find the Excel attached.</p>
<p>The spreadsheet holds the consolidated, deduplicated and sorted lead list.</p>
<p><strong>LeadFoundry</strong></p>
</body>
</html>`

var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether addr looks like a deliverable address.
func ValidEmail(addr string) bool {
	return emailRe.MatchString(strings.TrimSpace(addr))
}

// Message is one result delivery.
type Message struct {
	RunID          string
	To             string
	Subject        string
	HTML           string
	AttachmentPath string
}

// Notifier delivers result messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
	// Enabled reports whether deliveries actually leave the process.
	Enabled() bool
}

// Noop drops every message.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Message) error { return nil }

// Enabled implements Notifier.
func (Noop) Enabled() bool { return false }

// New builds the notifier selected by cfg.Driver.
func New(cfg config.NotifyConfig) (Notifier, error) {
	switch cfg.Driver {
	case "", "none":
		return Noop{}, nil
	case "smtp":
		if cfg.SMTP.Host == "" || cfg.SMTP.From == "" {
			return nil, eris.New("notify: smtp driver needs notify.smtp.host and notify.smtp.from")
		}
		return NewSMTPNotifier(cfg.SMTP), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, eris.New("notify: webhook driver needs notify.webhook_url")
		}
		return NewWebhookNotifier(cfg.WebhookURL), nil
	}
	return nil, eris.Errorf("notify: unknown driver %q", cfg.Driver)
}

// NewMessage fills in the subject and body defaults.
func NewMessage(runID, to, subject, attachment string) Message {
	if subject == "" {
		subject = DefaultSubject
	}
	return Message{RunID: runID, To: to, Subject: subject, HTML: Body, AttachmentPath: attachment}
}
