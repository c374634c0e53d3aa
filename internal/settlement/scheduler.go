package settlement

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/punchamoorthee/fundsledger/internal/idempotency"
)

const jobTimeout = 30 * time.Second

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

type ScheduleConfig struct {
	Dispatch   string
	Sweep      string
	Recover    string
	RecoverAge time.Duration
}

// Recoverer resolves transfers an earlier process left unfinished.
type Recoverer interface {
	RecoverInterrupted(ctx context.Context, minAge time.Duration) (int, error)
}

// Scheduler runs the obligation dispatcher, the idempotency sweep and
// interrupted-transfer recovery on cron schedules.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *Dispatcher
	sweeper    idempotency.Sweeper
	recoverer  Recoverer
	cfg        ScheduleConfig
	logger     *zap.Logger
}

// NewScheduler builds a scheduler; sweeper may be nil for registries with native expiry.
func NewScheduler(dispatcher *Dispatcher, sweeper idempotency.Sweeper, cfg ScheduleConfig, logger *zap.Logger) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s: logger.Sugar()})))
	return &Scheduler{cron: c, dispatcher: dispatcher, sweeper: sweeper, cfg: cfg, logger: logger}
}

// WithRecovery adds the interrupted-transfer recovery job.
func (s *Scheduler) WithRecovery(r Recoverer) *Scheduler {
	s.recoverer = r
	return s
}

func (s *Scheduler) dispatchJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.dispatcher.DispatchPending(ctx)
	if err != nil {
		s.logger.Error("obligation dispatch failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("obligations dispatched", zap.Int("count", n))
	}
}

func (s *Scheduler) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.sweeper.Sweep(ctx, time.Now())
	if err != nil {
		s.logger.Error("idempotency sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired idempotency keys removed", zap.Int("count", n))
	}
}

func (s *Scheduler) recoverJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.recoverer.RecoverInterrupted(ctx, s.cfg.RecoverAge)
	if err != nil {
		s.logger.Error("transfer recovery failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("interrupted transfers resolved", zap.Int("count", n))
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Dispatch, s.dispatchJob); err != nil {
		return err
	}
	s.logger.Info("scheduled obligation dispatch job", zap.String("schedule", s.cfg.Dispatch))

	if s.sweeper != nil {
		if _, err := s.cron.AddFunc(s.cfg.Sweep, s.sweepJob); err != nil {
			return err
		}
		s.logger.Info("scheduled idempotency sweep job", zap.String("schedule", s.cfg.Sweep))
	}

	if s.recoverer != nil {
		if _, err := s.cron.AddFunc(s.cfg.Recover, s.recoverJob); err != nil {
			return err
		}
		s.logger.Info("scheduled transfer recovery job",
			zap.String("schedule", s.cfg.Recover), zap.Duration("min_age", s.cfg.RecoverAge))
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
