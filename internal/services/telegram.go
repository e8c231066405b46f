package services

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/Mond1c/zenclass-bridge/internal/webhook"
	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

var ErrNoRecipient = errors.New("student has no telegram id")

type TelegramService struct {
	bot *bot.Bot
}

func NewTelegramService(token string) (*TelegramService, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramService{bot: b}, nil
}

func (s *TelegramService) Name() string {
	return "telegram"
}

// Deliver sends the grade message to the student's chat. Notices for students
// who never linked a Telegram account return ErrNoRecipient.
func (s *TelegramService) Deliver(ctx context.Context, notice webhook.GradeNotice) error {
	if notice.TelegramID == nil {
		return ErrNoRecipient
	}

	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    *notice.TelegramID,
		Text:      GradeMessage(notice),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// GradeMessage renders the HTML text of a grade notification.
func GradeMessage(notice webhook.GradeNotice) string {
	course := html.EscapeString(notice.CourseName)
	task := html.EscapeString(notice.TaskName)

	if notice.Score != nil {
		return fmt.Sprintf(
			"✅ <b>Работа проверена!</b>\n\n📚 Курс: %s\n📝 Задание: %s\n🎯 Оценка: <b>%d/%d</b>",
			course, task, *notice.Score, notice.MaxScore,
		)
	}
	return fmt.Sprintf(
		"✅ <b>Работа принята!</b>\n\n📚 Курс: %s\n📝 Задание: %s",
		course, task,
	)
}
