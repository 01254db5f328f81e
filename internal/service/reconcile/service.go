package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deliverybot/internal/extract"
	"deliverybot/internal/model"
	"deliverybot/internal/notify"
	"deliverybot/internal/repository"
	"deliverybot/pkg/logger"
	"deliverybot/pkg/metrics"
	"deliverybot/pkg/trace"
	"deliverybot/pkg/util"
)

var ErrMailSource = errors.New("mail source unavailable")

const RoutingKeyUpserted = "delivery.upserted"

type MailSource interface {
	FetchSince(ctx context.Context, hours int) ([]model.RawMessage, error)
}

type Extractor interface {
	Extract(ctx context.Context, msg model.RawMessage) (*model.DeliveryFacts, error)
}

type Store interface {
	Upsert(ctx context.Context, facts model.DeliveryFacts) (repository.UpsertResult, error)
}

type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// EventPublisher is satisfied by *mq.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// DeliveryUpsertedEvent is published after every successful upsert.
type DeliveryUpsertedEvent struct {
	RunID    string         `json:"run_id"`
	Created  bool           `json:"created"`
	Changed  bool           `json:"changed"`
	Delivery model.Delivery `json:"delivery"`
}

type Service struct {
	mail      MailSource
	extractor Extractor
	store     Store
	notifier  Notifier
	policy    NotifyPolicy
	events    EventPublisher
	chatID    int64
	logger    *zap.Logger
}

type Option func(*Service)

// WithPolicy replaces the default AlwaysNotify policy.
func WithPolicy(p NotifyPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithEvents enables delivery.upserted events.
func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

func NewService(mail MailSource, extractor Extractor, store Store, notifier Notifier, chatID int64, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		mail:      mail,
		extractor: extractor,
		store:     store,
		notifier:  notifier,
		policy:    AlwaysNotify{},
		chatID:    chatID,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconcile runs fetch -> extract -> upsert -> notify over the last
// lookbackHours. Only a mail source failure aborts the run (returned as
// ErrMailSource with a zero count); per message failures are logged and the
// batch continues. The count is the number of accepted deliveries that went
// through the upsert and notify steps, whatever their outcome.
func (s *Service) Reconcile(ctx context.Context, trigger string, lookbackHours int) (int, error) {
	ctx, runID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, s.logger)
	start := time.Now()

	log.Info("Reconciliation started", zap.String("trigger", trigger), zap.Int("lookback_hours", lookbackHours))

	messages, err := s.mail.FetchSince(ctx, lookbackHours)
	if err != nil {
		log.Error("Reconciliation aborted: mail source failed",
			zap.String("error_kind", util.ClassifyError(err)),
			zap.Error(err),
		)
		metrics.RecordReconcileRun(trigger, "aborted", time.Since(start))
		return 0, fmt.Errorf("%w: %v", ErrMailSource, err)
	}
	if len(messages) == 0 {
		log.Info("No messages found")
		metrics.RecordReconcileRun(trigger, "ok", time.Since(start))
		return 0, nil
	}

	accepted := s.extractAll(ctx, log, messages)
	log.Info("Deliveries extracted", zap.Int("messages", len(messages)), zap.Int("deliveries", len(accepted)))

	count := 0
	for _, facts := range accepted {
		s.apply(ctx, log, runID, facts)
		count++
	}

	metrics.RecordReconcileRun(trigger, "ok", time.Since(start))
	log.Info("Reconciliation finished", zap.Int("processed", count), zap.Duration("took", time.Since(start)))
	return count, nil
}

func (s *Service) extractAll(ctx context.Context, log *zap.Logger, messages []model.RawMessage) []model.DeliveryFacts {
	accepted := make([]model.DeliveryFacts, 0, len(messages))
	for _, msg := range messages {
		facts, err := s.extractor.Extract(ctx, msg)
		switch {
		case err == nil:
			metrics.IncrementEmailProcessed("delivery")
			accepted = append(accepted, *facts)
		case extract.IsRejection(err):
			metrics.IncrementEmailProcessed("not_delivery")
		default:
			metrics.IncrementEmailProcessed("failed")
			log.Warn("Extraction failed, skipping message",
				zap.String("message_id", msg.ID),
				zap.String("error_kind", util.ClassifyError(err)),
				zap.Error(err),
			)
		}
	}
	return accepted
}

// apply upserts one delivery and notifies. Both steps are attempted whatever
// the other's outcome.
func (s *Service) apply(ctx context.Context, log *zap.Logger, runID string, facts model.DeliveryFacts) {
	log = log.With(zap.String("order_number", facts.Order()))

	var res *repository.UpsertResult
	stored, err := s.store.Upsert(ctx, facts)
	if err != nil {
		log.Warn("Upsert failed, notifying anyway", zap.Error(err))
	} else {
		res = &stored
		s.publish(ctx, log, runID, stored)
	}

	if !s.policy.ShouldNotify(ctx, facts, res) {
		metrics.IncrementNotification("suppressed")
		log.Info("Notification suppressed by policy")
		return
	}
	if err := s.notifier.Send(ctx, s.chatID, notify.FormatDelivery(facts)); err != nil {
		log.Warn("Notification failed", zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, log *zap.Logger, runID string, res repository.UpsertResult) {
	if s.events == nil {
		return
	}
	event := DeliveryUpsertedEvent{
		RunID:    runID,
		Created:  res.Created,
		Changed:  res.Changed,
		Delivery: res.Delivery,
	}
	if err := s.events.Publish(ctx, RoutingKeyUpserted, event); err != nil {
		log.Warn("Failed to publish delivery event", zap.Error(err))
	}
}
