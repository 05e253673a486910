// Package telegram serves the push channel by delivering notifications to
// a user's linked Telegram chat. This adapter only sends; it never polls
// for updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"beacon/internal/channel"
	"beacon/internal/model"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

type Config struct {
	Token string `json:"token" yaml:"token"`
}

// Resolver maps a user id to a Telegram chat id. Zero with a nil error
// means the user never linked a chat.
type Resolver func(ctx context.Context, userID string) (int64, error)

type Adapter struct {
	bot     *tele.Bot
	resolve Resolver
	log     logx.Logger
}

func New(cfg Config, resolve Resolver, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b, resolve: resolve, log: log}, nil
}

func (a *Adapter) Name() model.Channel { return model.ChannelPush }

func (a *Adapter) Send(ctx context.Context, userID string, n model.Notification) error {
	chatID, err := a.resolve(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve telegram chat: %w", err)
	}
	if chatID == 0 {
		return resilience.Permanent(fmt.Errorf("%w: user %s has no linked chat", channel.ErrNoRecipient, userID))
	}

	_, err = a.bot.Send(&tele.Chat{ID: chatID}, render(n), &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		return classify(err)
	}
	a.log.Debug("telegram sent", logx.String("user", userID), logx.String("notification", n.ID))
	return nil
}

// classify separates Telegram API rejections that retrying cannot fix
// (bad chat, blocked bot) from transient transport failures. Flood waits
// stay transient so the retry schedule absorbs them.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return fmt.Errorf("telegram flood wait %ds: %w", flood.RetryAfter, err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 {
		return resilience.Permanent(fmt.Errorf("telegram rejected send: %w", err))
	}
	return err
}

func render(n model.Notification) string {
	var b strings.Builder
	b.WriteString(n.Title)
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(n.Message)
	}
	if url, ok := n.Metadata["action_url"].(string); ok && url != "" {
		b.WriteString("\n")
		b.WriteString(url)
	}
	return b.String()
}
