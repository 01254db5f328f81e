package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"deliverybot/internal/model"
	"deliverybot/internal/repository"
	"deliverybot/pkg/logger"
	"deliverybot/pkg/trace"
)

// Store is what the chat commands read and mutate.
type Store interface {
	ListActive(ctx context.Context) ([]model.Delivery, error)
	Statistics(ctx context.Context) (model.Statistics, error)
	Deactivate(ctx context.Context, orderNumber string) error
	Delete(ctx context.Context, orderNumber string) error
}

// Checker runs one reconciliation.
type Checker interface {
	Reconcile(ctx context.Context, trigger string, lookbackHours int) (int, error)
}

var Commands = []tgbotapi.BotCommand{
	{Command: "start", Description: "🚀 Start"},
	{Command: "check", Description: "🔍 Check deliveries"},
	{Command: "status", Description: "📦 Active deliveries"},
	{Command: "stats", Description: "📊 Statistics"},
	{Command: "mark_done", Description: "✅ Mark as picked up"},
	{Command: "delete", Description: "🗑️ Delete a delivery"},
	{Command: "help", Description: "❓ Help"},
}

const (
	startText = `🚀 <b>Delivery Bot</b>

I help you keep track of your deliveries!

<b>Commands:</b>
/check - Check deliveries
/status - Active deliveries
/stats - Statistics
/mark_done - Mark as picked up
/delete - Delete a delivery
/help - Help`

	helpText = `<b>📖 Help</b>

/check - Check deliveries right now
/status - Show active deliveries
/stats - Delivery statistics
/mark_done &lt;number&gt; - Mark as picked up
/delete &lt;number&gt; - Delete a delivery`

	notInitializedText = "❌ Components not initialized"
	unknownCommandText = "❓ Unknown command. Use /help"
)

type Bot struct {
	api           BotAPI
	store         Store
	checker       Checker
	lookbackHours int
	allowedChatID int64
	logger        *zap.Logger
}

// NewBot wires the command loop. store and checker may be nil; the matching
// commands then answer that the bot is not initialized. A non-zero
// allowedChatID restricts commands to that chat.
func NewBot(api BotAPI, store Store, checker Checker, lookbackHours int, allowedChatID int64, logger *zap.Logger) *Bot {
	return &Bot{
		api:           api,
		store:         store,
		checker:       checker,
		lookbackHours: lookbackHours,
		allowedChatID: allowedChatID,
		logger:        logger,
	}
}

// RegisterCommands publishes the command menu.
func (b *Bot) RegisterCommands() error {
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(Commands...)); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	return nil
}

// Run long-polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("Telegram command loop started")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, upd)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	m := upd.Message
	if m == nil || !m.IsCommand() {
		return
	}
	if b.allowedChatID != 0 && m.Chat.ID != b.allowedChatID {
		b.logger.Warn("Ignoring command from foreign chat", zap.Int64("chat_id", m.Chat.ID))
		return
	}

	ctx, _ = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, b.logger)
	log.Info("Handling chat command", zap.String("command", m.Command()), zap.Int64("chat_id", m.Chat.ID))

	reply := tgbotapi.NewMessage(m.Chat.ID, b.Reply(ctx, m.Command(), m.CommandArguments()))
	reply.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(reply); err != nil {
		log.Error("Failed to send command reply", zap.Error(err))
	}
}

// Reply computes the text answer for one command.
func (b *Bot) Reply(ctx context.Context, command, args string) string {
	switch command {
	case "start":
		return startText
	case "help":
		return helpText
	case "check":
		return b.check(ctx)
	case "status":
		return b.status(ctx)
	case "stats":
		return b.stats(ctx)
	case "mark_done":
		return b.mutate(ctx, "mark_done", args, b.storeDeactivate, "✅ Delivery <code>%s</code> marked as done!")
	case "delete":
		return b.mutate(ctx, "delete", args, b.storeDelete, "🗑️ Delivery <code>%s</code> deleted!")
	default:
		return unknownCommandText
	}
}

func (b *Bot) check(ctx context.Context) string {
	if b.checker == nil {
		return notInitializedText
	}
	n, err := b.checker.Reconcile(ctx, "chat", b.lookbackHours)
	if err != nil {
		return "❌ Delivery check failed"
	}
	return fmt.Sprintf("✅ Check complete: processed %d deliveries", n)
}

func (b *Bot) status(ctx context.Context) string {
	if b.store == nil {
		return notInitializedText
	}
	deliveries, err := b.store.ListActive(ctx)
	if err != nil {
		return "❌ Failed to load deliveries"
	}
	return FormatActive(deliveries)
}

func (b *Bot) stats(ctx context.Context) string {
	if b.store == nil {
		return notInitializedText
	}
	s, err := b.store.Statistics(ctx)
	if err != nil {
		return "❌ Failed to load statistics"
	}
	return FormatStats(s)
}

func (b *Bot) storeDeactivate(ctx context.Context, order string) error {
	return b.store.Deactivate(ctx, order)
}

func (b *Bot) storeDelete(ctx context.Context, order string) error {
	return b.store.Delete(ctx, order)
}

func (b *Bot) mutate(ctx context.Context, command, args string, op func(context.Context, string) error, okFormat string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return fmt.Sprintf("❌ Specify an order number\nExample: /%s 123456789", command)
	}
	if b.store == nil {
		return notInitializedText
	}

	order := fields[0]
	escaped := html.EscapeString(order)
	err := op(ctx, order)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Sprintf("❌ Delivery <code>%s</code> not found", escaped)
	case err != nil:
		return "❌ Failed to update delivery"
	}
	return fmt.Sprintf(okFormat, escaped)
}
