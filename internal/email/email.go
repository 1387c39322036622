// Package email renders the download-ready notification and sends it through a
// transactional email provider.
package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"net/http"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/dukerupert/expensebackup/internal/backuperr"
	"github.com/dukerupert/expensebackup/internal/model"
)

const (
	ProviderPostmark = "postmark"
	ProviderSendGrid = "sendgrid"
)

// Message is a single outbound email.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// Sender delivers one message through a provider API.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config selects and authenticates the provider.
type Config struct {
	Provider    string
	APIKey      string
	SenderEmail string
	SenderName  string
	ProductName string
	Timeout     time.Duration
}

type Option func(*options)

type options struct {
	httpClient *http.Client
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// NewSender returns the Sender for cfg.Provider.
func NewSender(cfg Config, opts ...Option) (Sender, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("email client not configured: missing api key")
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("email client not configured: missing sender address")
	}
	switch cfg.Provider {
	case ProviderPostmark, "":
		return NewPostmarkClient(cfg.APIKey, cfg.SenderEmail, opts...), nil
	case ProviderSendGrid:
		return NewSendGridClient(cfg.APIKey, cfg.SenderEmail, cfg.SenderName, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.Provider)
	}
}

//go:embed templates/*
var templateFS embed.FS

var (
	htmlTmpl = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/backup_ready.html"))
	textTmpl = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/backup_ready.txt"))
)

type templateData struct {
	Link    string
	Object  string
	Product string
}

// Notifier sends the backup-ready email.
type Notifier struct {
	sender  Sender
	product string
	timeout time.Duration
}

func NewNotifier(sender Sender, product string, timeout time.Duration) *Notifier {
	if product == "" {
		product = "Fyle"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{sender: sender, product: product, timeout: timeout}
}

// Subject returns the fixed notification subject for objectType.
func (n *Notifier) Subject(objectType model.ObjectType) string {
	return fmt.Sprintf("The %s backup you requested from %s is ready for download", objectType.Title(), n.product)
}

// Render builds the message without sending it.
func (n *Notifier) Render(to string, objectType model.ObjectType, signedURL string) (Message, error) {
	data := templateData{Link: signedURL, Object: strings.ToLower(string(objectType)), Product: n.product}

	var html, text bytes.Buffer
	if err := htmlTmpl.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render html body: %w", err)
	}
	if err := textTmpl.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render text body: %w", err)
	}
	return Message{
		To:       to,
		Subject:  n.Subject(objectType),
		HTMLBody: html.String(),
		TextBody: text.String(),
	}, nil
}

// Notify sends exactly one email carrying signedURL to the requester.
func (n *Notifier) Notify(ctx context.Context, to string, objectType model.ObjectType, signedURL string) error {
	if to == "" {
		return backuperr.Wrap(backuperr.ErrNotificationFailed, "notify", fmt.Errorf("recipient address is empty"))
	}
	msg, err := n.Render(to, objectType, signedURL)
	if err != nil {
		return backuperr.Wrap(backuperr.ErrNotificationFailed, "notify", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sender.Send(ctx, msg); err != nil {
		return backuperr.Wrap(backuperr.ErrNotificationFailed, "notify", err)
	}
	return nil
}
