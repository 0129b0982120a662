package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/adapter"
)

var _ adapter.AlertNotifier = (*AlertNotifier)(nil)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// AlertNotifier posts failed-job alerts to an operator chat.
type AlertNotifier struct {
	bot    messageSender
	chatID int64
	log    *zerolog.Logger
}

func NewAlertNotifier(token string, chatID int64, logger *zerolog.Logger) (*AlertNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram alerts need a token and a chat id")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return newAlertNotifier(bot, chatID, logger), nil
}

func newAlertNotifier(bot messageSender, chatID int64, logger *zerolog.Logger) *AlertNotifier {
	l := logger.With().Str("component", "AlertNotifier").Logger()
	return &AlertNotifier{bot: bot, chatID: chatID, log: &l}
}

// JobFailed sends one message per failed job. tgbotapi has no context
// support, so ctx is only checked before sending.
func (n *AlertNotifier) JobFailed(ctx context.Context, job *model.DraftJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, formatFailure(job))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		n.log.Warn().Err(err).Str("job_id", job.ID).Msg("telegram alert failed")
		return err
	}
	return nil
}

func formatFailure(job *model.DraftJob) string {
	var b strings.Builder
	b.WriteString("Draft generation failed\n")
	fmt.Fprintf(&b, "job: %s\nowner: %s\nthread: %s\n", job.ID, job.OwnerID, job.ThreadID)
	if job.Subject != "" {
		fmt.Fprintf(&b, "subject: %s\n", job.Subject)
	}
	fmt.Fprintf(&b, "attempts: %d/%d\n", job.RetryCount, job.MaxRetries)
	if job.LastError != "" {
		errText := job.LastError
		if len(errText) > 300 {
			errText = errText[:300] + "..."
		}
		fmt.Fprintf(&b, "error: %s", errText)
	}
	return b.String()
}

var _ adapter.AlertNotifier = (*NoopAlertNotifier)(nil)

// NoopAlertNotifier is used when no alert channel is configured.
type NoopAlertNotifier struct {
	log *zerolog.Logger
}

func NewNoopAlertNotifier(logger *zerolog.Logger) *NoopAlertNotifier {
	return &NoopAlertNotifier{log: logger}
}

func (n *NoopAlertNotifier) JobFailed(ctx context.Context, job *model.DraftJob) error {
	n.log.Debug().Str("job_id", job.ID).Msg("[noop-alert] job failed")
	return nil
}
