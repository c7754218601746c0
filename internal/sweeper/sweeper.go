// Package sweeper runs the scheduled maintenance sweeps: usage-event
// retention and stale processing-claim recovery.
package sweeper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// usageRetention covers the longest rate-limit window (24h) plus margin.
const usageRetention = 25 * time.Hour

const defaultStaleThreshold = 10 * time.Minute

// Store is the slice of the conversation store the sweeps need.
type Store interface {
	PurgeUsageEvents(before time.Time) (int64, error)
	ReleaseStaleClaims(olderThan time.Time) ([]string, error)
}

// Sweeper schedules the maintenance sweeps off the request path: usage
// events are purged hourly once outside the retention window, and
// conversations left claimed past the staleness threshold (a crash between
// claim and worker completion) are force-released every minute.
type Sweeper struct {
	store          Store
	staleThreshold time.Duration
	cron           *cron.Cron
	logger         *slog.Logger
}

// New creates a Sweeper. If staleThreshold <= 0 the default (10m) is used;
// it should comfortably exceed the generation timeout so a live worker is
// never swept out from under its claim.
func New(store Store, staleThreshold time.Duration) *Sweeper {
	if staleThreshold <= 0 {
		staleThreshold = defaultStaleThreshold
	}
	return &Sweeper{
		store:          store,
		staleThreshold: staleThreshold,
		cron:           cron.New(cron.WithLocation(time.UTC)),
		logger:         slog.Default(),
	}
}

// Start schedules the sweeps and starts the cron runner.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@hourly", s.PurgeUsage); err != nil {
		return fmt.Errorf("scheduling usage purge: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 1m", s.ReleaseStale); err != nil {
		return fmt.Errorf("scheduling stale-claim release: %w", err)
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeps scheduled", "usage_retention", usageRetention.String(), "stale_threshold", s.staleThreshold.String())
	return nil
}

// Stop stops the scheduler and waits for any running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// PurgeUsage deletes usage events older than the retention window.
func (s *Sweeper) PurgeUsage() {
	n, err := s.store.PurgeUsageEvents(time.Now().Add(-usageRetention))
	if err != nil {
		s.logger.Error("usage purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("purged usage events", "count", n)
	}
}

// ReleaseStale force-releases conversations stuck processing beyond the
// staleness threshold.
func (s *Sweeper) ReleaseStale() {
	ids, err := s.store.ReleaseStaleClaims(time.Now().Add(-s.staleThreshold))
	if err != nil {
		s.logger.Error("stale-claim release failed", "error", err)
		return
	}
	for _, id := range ids {
		s.logger.Warn("force-released stale processing claim", "conversation_id", id, "threshold", s.staleThreshold.String())
	}
}
