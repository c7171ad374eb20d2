package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs the expiry sweep every ten minutes.
const DefaultCleanupSchedule = "@every 10m"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Pruner removes expired artifacts.
type Pruner interface {
	PruneExpired(ctx context.Context) (int, error)
}

// CleanupService prunes expired artifacts on a cron schedule.
type CleanupService struct {
	repo   Pruner
	cron   *cron.Cron
	logger *slog.Logger
}

// NewCleanupService validates schedule (cron expression or @every
// descriptor) and prepares the sweep. Call Start to begin.
func NewCleanupService(repo Pruner, schedule string, logger *slog.Logger) (*CleanupService, error) {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultCleanupSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &CleanupService{
		repo:   repo,
		cron:   cron.New(cron.WithParser(cronParser)),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce performs one sweep and returns the number of pruned artifacts.
func (s *CleanupService) RunOnce(ctx context.Context) int {
	count, err := s.repo.PruneExpired(ctx)
	if err != nil {
		s.logger.Error("artifact cleanup failed", "error", err)
	} else if count > 0 {
		s.logger.Info("artifact cleanup completed", "pruned", count)
	}
	return count
}

// Start begins the schedule in the background.
func (s *CleanupService) Start() {
	s.cron.Start()
	s.logger.Info("artifact cleanup service started")
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (s *CleanupService) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
