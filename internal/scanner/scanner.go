package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wnt/rebalancer/internal/logger"
	"github.com/wnt/rebalancer/internal/metrics"
	"github.com/wnt/rebalancer/internal/models"
)

// Processor handles a single position during a sweep. It reports whether
// the position was out of range and any terminal error for this cycle.
type Processor interface {
	Process(ctx context.Context, user *models.User, position *models.Position) (bool, error)
}

// Scanner drives the periodic sweep over all automation-enabled users and
// their active positions. Positions are processed strictly sequentially;
// re-entrancy across ticks is suppressed by the cron chain so a slow sweep
// never overlaps the next one.
type Scanner struct {
	db       *gorm.DB
	executor Processor
	interval time.Duration
	logger   zerolog.Logger

	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scanner that sweeps every interval.
func New(db *gorm.DB, executor Processor, interval time.Duration, log zerolog.Logger) *Scanner {
	return &Scanner{
		db:       db,
		executor: executor,
		interval: interval,
		logger:   logger.WithComponent(log, "scanner"),
	}
}

// Start schedules the sweep and returns immediately. The first sweep runs
// after one full interval.
func (s *Scanner) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	cronLog := cron.PrintfLogger(&cronLogAdapter{logger: s.logger})
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLog),
			cron.Recover(cronLog),
		),
	)

	schedule := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(schedule, func() {
		s.RunOnce(s.baseCtx)
	}); err != nil {
		return fmt.Errorf("failed to schedule scan: %w", err)
	}

	s.cron.Start()
	s.logger.Info().Dur("interval", s.interval).Msg("scanner started")
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to drain.
func (s *Scanner) Stop() {
	if s.cron == nil {
		return
	}
	drained := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-drained.Done()
	s.logger.Info().Msg("scanner stopped")
}

// RunOnce performs a single full sweep. A failure on one position is logged
// and isolated; the sweep always continues to the next position.
func (s *Scanner) RunOnce(ctx context.Context) {
	start := time.Now()

	users, err := s.loadUsers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load users for scan")
		return
	}

	scanned := 0
	outOfRange := 0
	for i := range users {
		select {
		case <-ctx.Done():
			s.logger.Warn().Msg("scan aborted by shutdown")
			return
		default:
		}

		user := &users[i]
		for j := range user.Positions {
			position := &user.Positions[j]
			scanned++
			wasOut, err := s.processOne(ctx, user, position)
			if wasOut {
				outOfRange++
			}
			if err != nil {
				log := logger.WithPosition(logger.WithUser(s.logger, user.WalletAddress), position.PositionAddress)
				log.Error().Err(err).Msg("position processing failed")
			}
			s.touch(ctx, position)
		}
		s.touchUser(ctx, user)
	}

	metrics.RecordScanDuration(time.Since(start).Seconds())
	metrics.PositionsOutOfRange.Set(float64(outOfRange))
	s.logger.Info().
		Int("users", len(users)).
		Int("positions", scanned).
		Int("out_of_range", outOfRange).
		Dur("elapsed", time.Since(start)).
		Msg("scan complete")
}

// processOne isolates a single position behind a panic guard so one corrupt
// account cannot take the whole sweep down.
func (s *Scanner) processOne(ctx context.Context, user *models.User, position *models.Position) (outOfRange bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing position: %v", r)
		}
	}()
	return s.executor.Process(ctx, user, position)
}

func (s *Scanner) loadUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("auto_rebalance = ?", true).
		Preload("Positions", "status = ?", models.PositionStatusActive).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Scanner) touch(ctx context.Context, position *models.Position) {
	err := s.db.WithContext(ctx).
		Model(&models.Position{}).
		Where("id = ?", position.ID).
		Update("last_checked_at", time.Now().UTC()).Error
	if err != nil {
		s.logger.Warn().Err(err).Uint("position_id", position.ID).Msg("failed to update last checked timestamp")
	}
}

func (s *Scanner) touchUser(ctx context.Context, user *models.User) {
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("last_scan_at", time.Now().UTC()).Error
	if err != nil {
		s.logger.Warn().Err(err).Uint("user_id", user.ID).Msg("failed to update last scan timestamp")
	}
}

// cronLogAdapter routes cron's internal messages into zerolog.
type cronLogAdapter struct {
	logger zerolog.Logger
}

func (a *cronLogAdapter) Printf(format string, args ...interface{}) {
	a.logger.Debug().Msgf(format, args...)
}
