package tasks

import (
	"context"
	"fmt"
	"time"

	"librarian-go/internal/librarian"
)

// DuplicateCleanup removes redundant remote instance rows. Lost
// callbacks and repeated resends can record the same (file, librarian)
// copy more than once; only the oldest row carries information.
type DuplicateCleanup struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval time.Duration
}

func NewDuplicateCleanup(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	interval time.Duration) *DuplicateCleanup {
	return &DuplicateCleanup{svc: svc, logger: logger, clock: clock, interval: interval}
}

func (t *DuplicateCleanup) Name() string            { return "duplicate_cleanup" }
func (t *DuplicateCleanup) Interval() time.Duration { return t.interval }

func (t *DuplicateCleanup) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	duplicates, err := db.FindDuplicateRemoteInstances()
	if err != nil {
		return fmt.Errorf("finding duplicate remote instances: %w", err)
	}
	if len(duplicates) == 0 {
		return nil
	}

	var removed int
	for _, ri := range duplicates {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			break
		}
		if err := db.DeleteRemoteInstance(ri.ID); err != nil {
			t.logger.Error("deleting duplicate remote instance", "id", ri.ID, "file", ri.FileName, "error", err)
			continue
		}
		removed++
	}

	t.logger.Info("removed duplicate remote instance rows", "count", removed)
	return nil
}
