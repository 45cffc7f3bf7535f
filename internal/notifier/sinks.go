package notifier

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jobrunner/pkg/errx"
	logx "jobrunner/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// LogSink writes notifications to the log. Priority maps to level.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Emit(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("recipient", n.RecipientID),
		logx.String("category", n.Category),
		logx.String("priority", string(n.Priority)),
		logx.Int64("job_id", n.Metadata.JobID),
		logx.String("job", n.Metadata.JobName),
		logx.String("message", n.Message),
	}
	if n.Metadata.Error != "" {
		fields = append(fields, logx.String("error", n.Metadata.Error))
	}
	if n.Metadata.ConsecutiveFailures > 0 {
		fields = append(fields, logx.Int("consecutive_failures", int(n.Metadata.ConsecutiveFailures)))
	}
	switch n.Priority {
	case PriorityUrgent:
		s.Log.Error(n.Title, fields...)
	case PriorityHigh:
		s.Log.Warn(n.Title, fields...)
	default:
		s.Log.Info(n.Title, fields...)
	}
	return nil
}

const telegramTextLimit = 4096

// TelegramSink sends notifications as Telegram messages. RecipientID must be
// a numeric chat id.
type TelegramSink struct {
	bot *tele.Bot
}

// NewTelegramSink builds a send-only bot; it never polls for updates.
func NewTelegramSink(token string) (*TelegramSink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errx.Validationf("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, errx.Wrap(err, "telegram bot")
	}
	return &TelegramSink{bot: b}, nil
}

func (s *TelegramSink) Emit(ctx context.Context, n Notification) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(n.RecipientID), 10, 64)
	if err != nil {
		return errx.Validationf("recipient %q is not a telegram chat id", n.RecipientID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = s.bot.Send(&tele.Chat{ID: chatID}, formatText(n), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// formatText renders a plain-text message, trimmed to the Telegram limit.
func formatText(n Notification) string {
	var b strings.Builder
	b.WriteString(prefixForPriority(n.Priority))
	b.WriteString(n.Title)
	if n.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Message)
	}
	if n.Metadata.JobName != "" {
		b.WriteString("\n\njob: ")
		b.WriteString(n.Metadata.JobName)
		b.WriteString(" (#")
		b.WriteString(strconv.FormatInt(n.Metadata.JobID, 10))
		b.WriteString(")")
	}
	if n.Metadata.ConsecutiveFailures > 0 {
		b.WriteString("\nconsecutive failures: ")
		b.WriteString(strconv.FormatUint(uint64(n.Metadata.ConsecutiveFailures), 10))
	}
	if n.Metadata.Error != "" {
		b.WriteString("\nerror: ")
		b.WriteString(n.Metadata.Error)
	}
	rs := []rune(b.String())
	if len(rs) > telegramTextLimit {
		rs = append(rs[:telegramTextLimit-1], '…')
	}
	return string(rs)
}

func prefixForPriority(p Priority) string {
	switch p {
	case PriorityUrgent:
		return "🚨 "
	case PriorityHigh:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}
