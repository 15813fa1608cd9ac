package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "carecue/pkg/logx"
)

// NewPush builds the configured push gateway. It returns ErrDisabled when push
// is switched off.
func NewPush(cfg PushConfig, log logx.Logger) (PushGateway, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var p PushGateway
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "telegram":
		tp, err := NewTelegramPush(cfg.Token, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		p = tp
	case "log":
		p = NewLogPush(log)
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
	return LimitPush(p, cfg.RatePerSec, cfg.Timeout), nil
}

// teleSender is the slice of *tele.Bot the push gateway needs.
type teleSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramPush sends pushes as Telegram messages. The channel token is the
// numeric chat id.
type TelegramPush struct {
	bot teleSender
}

func NewTelegramPush(token string, timeout time.Duration) (*TelegramPush, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramPush{bot: b}, nil
}

func (t *TelegramPush) Send(ctx context.Context, token, title, body string, metadata map[string]string) Result {
	if err := ctx.Err(); err != nil {
		return failed(KindTimeout, err)
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
	if err != nil || chatID == 0 {
		return failed(KindInvalidToken, fmt.Errorf("bad chat id %q", token))
	}
	_, err = t.bot.Send(&tele.Chat{ID: chatID}, formatPush(title, body, metadata), &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		return failed(classifyTelegram(err), err)
	}
	return ok()
}

func classifyTelegram(err error) string {
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) {
		return KindInvalidToken
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 403:
			return KindInvalidToken
		case 429:
			return KindRateLimited
		}
	}
	return KindTransport
}

func formatPush(title, body string, metadata map[string]string) string {
	var b strings.Builder
	b.WriteString(title)
	if body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			b.WriteString("\n")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(metadata[k])
		}
	}
	return b.String()
}

// LogPush only logs. Useful for development and dry runs.
type LogPush struct {
	log logx.Logger
}

func NewLogPush(log logx.Logger) *LogPush {
	return &LogPush{log: log.With(logx.String("comp", "notify.push"))}
}

func (l *LogPush) Send(ctx context.Context, token, title, body string, metadata map[string]string) Result {
	l.log.Info("push", logx.String("token", token), logx.String("title", title), logx.String("body", body), logx.Any("meta", metadata))
	return ok()
}
