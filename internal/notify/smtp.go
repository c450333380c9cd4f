package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfoundry/internal/config"
)

const xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends results as an email with the spreadsheet attached.
// Port 465 uses implicit TLS; other ports go through smtp.SendMail, which
// upgrades with STARTTLS when the server offers it.
type SMTPNotifier struct {
	cfg  config.SMTPConfig
	send sendFunc
}

// NewSMTPNotifier creates an SMTP notifier.
func NewSMTPNotifier(cfg config.SMTPConfig) *SMTPNotifier {
	n := &SMTPNotifier{cfg: cfg}
	if cfg.Port == 465 {
		n.send = sendImplicitTLS
	} else {
		n.send = smtp.SendMail
	}
	return n
}

// Enabled implements Notifier.
func (n *SMTPNotifier) Enabled() bool { return true }

// Notify implements Notifier.
func (n *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := buildMIME(n.cfg.From, msg)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.send(addr, auth, n.cfg.From, []string{msg.To}, raw); err != nil {
		return eris.Wrapf(err, "notify: send mail to %s", msg.To)
	}
	zap.L().Info("notify: email sent", zap.String("run_id", msg.RunID), zap.String("to", msg.To))
	return nil
}

// buildMIME renders a multipart/mixed message with an HTML part and the
// attachment, when one is given and readable.
func buildMIME(from string, msg Message) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	html := msg.HTML
	var attachment []byte
	if msg.AttachmentPath != "" {
		data, err := os.ReadFile(msg.AttachmentPath)
		if err != nil {
			zap.L().Warn("notify: attachment skipped", zap.String("path", msg.AttachmentPath), zap.Error(err))
			html += "<hr><p><b>Note:</b> the run completed but the Excel file could not be attached.</p>"
		} else {
			attachment = data
		}
	}

	hp, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "notify: create html part")
	}
	if err := writeBase64(hp, []byte(html)); err != nil {
		return nil, err
	}

	if attachment != nil {
		name := filepath.Base(msg.AttachmentPath)
		ap, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(xlsxMediaType, map[string]string{"name": name})},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
		})
		if err != nil {
			return nil, eris.Wrap(err, "notify: create attachment part")
		}
		if err := writeBase64(ap, attachment); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "notify: close multipart")
	}

	var out bytes.Buffer
	fromAddr := mail.Address{Name: DisplayName, Address: from}
	headers := []struct{ k, v string }{
		{"From", fromAddr.String()},
		{"To", msg.To},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", time.Now().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/mixed; boundary=" + w.Boundary()},
	}
	for _, h := range headers {
		out.WriteString(h.k + ": " + h.v + "\r\n")
	}
	out.WriteString("\r\n")
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// writeBase64 writes data base64 encoded in 76 character lines.
func writeBase64(w interface{ Write([]byte) (int, error) }, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := w.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return eris.Wrap(err, "notify: write part")
		}
		enc = enc[76:]
	}
	if _, err := w.Write([]byte(enc + "\r\n")); err != nil {
		return eris.Wrap(err, "notify: write part")
	}
	return nil
}

// sendImplicitTLS delivers over a TLS connection opened up front.
func sendImplicitTLS(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 30 * time.Second}, "tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close() //nolint:errcheck

	if a != nil {
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}
