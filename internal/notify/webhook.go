package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// WebhookPayload is the JSON document posted for each delivery. A mail relay
// behind the webhook is expected to turn it into an email.
type WebhookPayload struct {
	RunID          string    `json:"run_id"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	HTML           string    `json:"html"`
	AttachmentName string    `json:"attachment_name,omitempty"`
	AttachmentType string    `json:"attachment_type,omitempty"`
	Attachment     string    `json:"attachment_base64,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// WebhookNotifier posts deliveries to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled implements Notifier.
func (n *WebhookNotifier) Enabled() bool { return true }

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	p := WebhookPayload{
		RunID:     msg.RunID,
		To:        msg.To,
		Subject:   msg.Subject,
		HTML:      msg.HTML,
		Timestamp: time.Now().UTC(),
	}
	if msg.AttachmentPath != "" {
		data, err := os.ReadFile(msg.AttachmentPath)
		if err != nil {
			return eris.Wrap(err, "notify: read attachment")
		}
		p.AttachmentName = filepath.Base(msg.AttachmentPath)
		p.AttachmentType = xlsxMediaType
		p.Attachment = base64.StdEncoding.EncodeToString(data)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	zap.L().Info("notify: webhook delivered", zap.String("run_id", msg.RunID), zap.String("to", msg.To))
	return nil
}
