package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const TriggerScheduled = "schedule"

// Checker runs one reconciliation.
type Checker interface {
	Reconcile(ctx context.Context, trigger string, lookbackHours int) (int, error)
}

// DailySpec converts "HH:MM" into a five field cron spec.
func DailySpec(hhmm string) (string, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid daily time %q: want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute in %q", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// Scheduler fires a daily reconciliation. Overlapping runs are skipped.
type Scheduler struct {
	cron          *cron.Cron
	checker       Checker
	lookbackHours int
	logger        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(checker Checker, dailyTime string, lookbackHours int, logger *zap.Logger) (*Scheduler, error) {
	spec, err := DailySpec(dailyTime)
	if err != nil {
		return nil, err
	}

	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:          c,
		checker:       checker,
		lookbackHours: lookbackHours,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}

	logger.Info("Daily check scheduled", zap.String("time", dailyTime), zap.String("cron", spec))
	return s, nil
}

func (s *Scheduler) runOnce() {
	n, err := s.checker.Reconcile(s.ctx, TriggerScheduled, s.lookbackHours)
	if err != nil {
		s.logger.Error("Scheduled check failed", zap.Error(err))
		return
	}
	s.logger.Info("Scheduled check finished", zap.Int("processed", n))
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels a running job's context and waits for it to return.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out")
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
