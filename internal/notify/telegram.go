package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"deliverybot/pkg/circuitbreaker"
	"deliverybot/pkg/logger"
	"deliverybot/pkg/metrics"
	"deliverybot/pkg/util"
)

var ErrNotConfigured = errors.New("telegram chat destination not configured")

// BotAPI is the part of *tgbotapi.BotAPI used here.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewBotAPI connects with token; it calls getMe, so it needs the network.
func NewBotAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return api, nil
}

// TelegramSender pushes HTML messages. Sends are best effort: nothing here
// retries.
type TelegramSender struct {
	api    BotAPI
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

func NewTelegramSender(api BotAPI, logger *zap.Logger) *TelegramSender {
	return &TelegramSender{
		api: api,
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:    5,
			SuccessThreshold:    1,
			Timeout:             30 * time.Second,
			HalfOpenMaxRequests: 1,
		}),
		logger: logger,
	}
}

func (s *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		metrics.IncrementNotification("failed")
		return ErrNotConfigured
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	err := s.cb.Execute(func() error {
		_, err := s.api.Send(msg)
		return err
	})
	if err != nil {
		metrics.IncrementNotification("failed")
		logger.WithTrace(ctx, s.logger).Error("Telegram send failed",
			zap.Int64("chat_id", chatID),
			zap.String("error_kind", util.ClassifyError(err)),
			zap.Error(err),
		)
		return fmt.Errorf("telegram send: %w", err)
	}

	metrics.IncrementNotification("sent")
	return nil
}
