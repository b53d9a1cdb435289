/**
 * @description
 * Scheduled job implementations for the sync-service.
 */
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/centsight/sync-service/internal/domain"
)

// jobTimeout bounds a single scheduled fleet sync run.
const jobTimeout = 30 * time.Minute

// FleetSyncer is the slice of the sync service the scheduled job drives.
type FleetSyncer interface {
	SyncAllInstitutions(ctx context.Context) ([]domain.SyncResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	syncer FleetSyncer
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(syncer FleetSyncer, logger *slog.Logger) *Jobs {
	return &Jobs{
		syncer: syncer,
		logger: logger,
	}
}

// RunFleetSync refreshes every syncable institution.
func (j *Jobs) RunFleetSync() {
	j.logger.Info("starting scheduled fleet sync")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	results, err := j.syncer.SyncAllInstitutions(ctx)
	if err != nil {
		j.logger.Error("fleet sync failed to start", "error", err)
		return
	}

	succeeded, failed := 0, 0
	for _, result := range results {
		if result.Success {
			succeeded++
			continue
		}
		failed++
		j.logger.Error("institution sync failed",
			"institution_id", result.InstitutionID,
			"error", result.Error)
	}

	j.logger.Info("scheduled fleet sync finished",
		"total", len(results),
		"succeeded", succeeded,
		"failed", failed)
}
