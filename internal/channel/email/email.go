// Package email delivers notifications over SMTP as plain-text MIME mail.
package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/smtp"
	"time"

	"github.com/emersion/go-message/mail"

	"beacon/internal/channel"
	"beacon/internal/model"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

type Config struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from"`
}

// Resolver maps a user id to an email address. An empty address with a nil
// error means the user has opted out of email entirely.
type Resolver func(ctx context.Context, userID string) (string, error)

type Adapter struct {
	cfg     Config
	resolve Resolver
	log     logx.Logger

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func New(cfg Config, resolve Resolver, log logx.Logger) (*Adapter, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("email adapter needs host and from address")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, resolve: resolve, log: log, send: smtp.SendMail}, nil
}

func (a *Adapter) Name() model.Channel { return model.ChannelEmail }

func (a *Adapter) Send(ctx context.Context, userID string, n model.Notification) error {
	to, err := a.resolve(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve email recipient: %w", err)
	}
	if to == "" {
		return resilience.Permanent(fmt.Errorf("%w: user %s has no email address", channel.ErrNoRecipient, userID))
	}

	msg, err := compose(a.cfg.From, to, n)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("compose email: %w", err))
	}

	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	if err := a.send(addr, auth, a.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", a.cfg.Host, err)
	}
	a.log.Debug("email sent", logx.String("user", userID), logx.String("notification", n.ID))
	return nil
}

// compose renders the notification as a single-part text/plain MIME message.
func compose(from, to string, n model.Notification) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(n.Title)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body(n)); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func body(n model.Notification) string {
	var buf bytes.Buffer
	buf.WriteString(n.Message)
	if url, ok := n.Metadata["action_url"].(string); ok && url != "" {
		buf.WriteString("\r\n\r\n")
		buf.WriteString(url)
	}
	return buf.String()
}
