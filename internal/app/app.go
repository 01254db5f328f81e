package app

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"deliverybot/internal/config"
	"deliverybot/internal/extract"
	"deliverybot/internal/handler"
	"deliverybot/internal/mail"
	"deliverybot/internal/notify"
	"deliverybot/internal/repository"
	"deliverybot/internal/service/reconcile"
	"deliverybot/pkg/db"
	"deliverybot/pkg/mq"
	redisclient "deliverybot/pkg/redis"
	"deliverybot/pkg/util"
)

var ErrNotInitialized = errors.New("components not initialized")

// App holds every component, built once at startup. Any field may be nil
// when its configuration is missing or its backend is unreachable.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB         *pgxpool.Pool
	Redis      *redis.Client
	Publisher  *mq.Publisher
	Store      *repository.DeliveryRepository
	Mail       *mail.GmailSource
	Parser     *extract.Parser
	BotAPI     *tgbotapi.BotAPI
	Sender     *notify.TelegramSender
	Reconciler *reconcile.Service
	Bot        *notify.Bot
}

// New never fails: each missing or broken dependency is logged and left nil.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) *App {
	a := &App{Config: cfg, Logger: logger}

	if missing := cfg.Missing(); len(missing) > 0 {
		logger.Warn("Required configuration missing, running degraded", zap.Strings("missing", missing))
	}

	a.initStore(ctx)
	a.initRedis(ctx)
	a.initPublisher()
	a.initTelegram()
	a.initMail(ctx)
	a.initParser()
	a.initReconciler()

	if a.BotAPI != nil {
		a.Bot = notify.NewBot(a.BotAPI, toNotifyStore(a.Store), toNotifyChecker(a.Reconciler),
			cfg.Check.LookbackHours, cfg.ChatID(), logger)
	}

	logger.Info("Components initialized",
		zap.Bool("store", a.Store != nil),
		zap.Bool("redis", a.Redis != nil),
		zap.Bool("mq", a.Publisher != nil),
		zap.Bool("mail", a.Mail != nil),
		zap.Bool("parser", a.Parser != nil),
		zap.Bool("telegram", a.BotAPI != nil),
		zap.Bool("reconciler", a.Reconciler != nil),
	)
	return a
}

func (a *App) initStore(ctx context.Context) {
	pool, err := db.NewConnection(ctx, a.Config.DB, a.Logger)
	if err != nil {
		a.Logger.Warn("Database unavailable", zap.Error(err))
		return
	}
	store := repository.NewDeliveryRepository(pool, a.Logger)
	if err := store.EnsureSchema(ctx); err != nil {
		a.Logger.Warn("Failed to ensure schema", zap.Error(err))
		pool.Close()
		return
	}
	a.DB = pool
	a.Store = store
}

func (a *App) initRedis(ctx context.Context) {
	if a.Config.Redis.Addr == "" {
		return
	}
	rdb, err := redisclient.NewRedisClient(ctx, a.Config.Redis)
	if err != nil {
		// 客户端仍然可用，去重在 redis 故障时放行
		a.Logger.Warn("Redis ping failed", zap.Error(err))
	}
	a.Redis = rdb
}

func (a *App) initPublisher() {
	if a.Config.MQ.URL == "" {
		return
	}
	pub, err := mq.NewPublisher(a.Config.MQ.URL)
	if err != nil {
		a.Logger.Warn("MQ publisher unavailable, events disabled", zap.Error(err))
		return
	}
	a.Publisher = pub
}

func (a *App) initTelegram() {
	if a.Config.Telegram.BotToken == "" {
		return
	}
	api, err := notify.NewBotAPI(a.Config.Telegram.BotToken)
	if err != nil {
		a.Logger.Warn("Telegram unavailable", zap.Error(err))
		return
	}
	a.BotAPI = api
	a.Sender = notify.NewTelegramSender(api, a.Logger)
}

func (a *App) initMail(ctx context.Context) {
	svc, err := mail.NewGmailService(ctx, a.Config.Gmail.Credentials, a.Config.Gmail.Token)
	if err != nil {
		a.Logger.Warn("Gmail unavailable", zap.Error(err))
		return
	}
	a.Mail = mail.NewGmailSource(svc, a.Config.Gmail.MaxResults, a.Logger)
}

func (a *App) initParser() {
	if a.Config.OpenAI.APIKey == "" {
		return
	}
	client := extract.NewOpenAIClient(a.Config.OpenAI.APIKey, a.Config.OpenAI.BaseURL)
	a.Parser = extract.NewParser(client, extract.Options{
		Model:     a.Config.OpenAI.Model,
		MaxTokens: a.Config.OpenAI.MaxTokens,
		JSONMode:  a.Config.OpenAI.JSONMode,
	}, a.Logger)
}

func (a *App) initReconciler() {
	if a.Mail == nil || a.Parser == nil || a.Store == nil || a.Sender == nil {
		return
	}

	var once reconcile.OnceChecker
	if a.Redis != nil {
		once = util.NewDeduper(a.Redis, a.Config.Notify.SuppressWindow, a.Logger)
	}
	policy, err := reconcile.NewPolicy(a.Config.Notify.Policy, once)
	if err != nil {
		a.Logger.Warn("Invalid notify policy, notifying always", zap.Error(err))
		policy = reconcile.AlwaysNotify{}
	}

	opts := []reconcile.Option{reconcile.WithPolicy(policy)}
	if a.Publisher != nil {
		opts = append(opts, reconcile.WithEvents(a.Publisher))
	}
	a.Reconciler = reconcile.NewService(a.Mail, a.Parser, a.Store, a.Sender, a.Config.ChatID(), a.Logger, opts...)
}

// Handler builds the HTTP adapter over whatever is initialized.
func (a *App) Handler() *handler.DeliveryHandler {
	var checker handler.Checker
	if a.Reconciler != nil {
		checker = a.Reconciler
	}
	var store handler.Store
	if a.Store != nil {
		store = a.Store
	}
	return handler.NewDeliveryHandler(checker, store, a.Logger)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Pinger returns the DB handle for readiness, nil when unset.
func (a *App) Pinger() Pinger {
	if a.DB == nil {
		return nil
	}
	return a.DB
}

// RequireReconciler is for entry points that cannot run degraded.
func (a *App) RequireReconciler() (*reconcile.Service, error) {
	if a.Reconciler == nil {
		return nil, ErrNotInitialized
	}
	return a.Reconciler, nil
}

func (a *App) RequireStore() (*repository.DeliveryRepository, error) {
	if a.Store == nil {
		return nil, ErrNotInitialized
	}
	return a.Store, nil
}

// nil pointers must not leak into interface values
func toNotifyStore(s *repository.DeliveryRepository) notify.Store {
	if s == nil {
		return nil
	}
	return s
}

func toNotifyChecker(s *reconcile.Service) notify.Checker {
	if s == nil {
		return nil
	}
	return s
}

func (a *App) Close() {
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
