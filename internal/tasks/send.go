package tasks

import (
	"context"
	"fmt"
	"time"

	"librarian-go/internal/librarian"
)

// SendClone books un-replicated files onto the send queue for each
// configured destination. The actual byte movement happens later, when
// ConsumeQueue hands the batch to a transfer manager.
type SendClone struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval     time.Duration
	destinations []string
	// age holds back files newer than this, giving in-progress uploads
	// time to settle before they are replicated.
	age   time.Duration
	batch int
}

// SendCloneOptions configures a SendClone task.
type SendCloneOptions struct {
	Interval     time.Duration
	Destinations []string
	Age          time.Duration
	Batch        int
}

func NewSendClone(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock, opts SendCloneOptions) *SendClone {
	batch := opts.Batch
	if batch <= 0 {
		batch = claimBatch
	}
	return &SendClone{
		svc:          svc,
		logger:       logger,
		clock:        clock,
		interval:     opts.Interval,
		destinations: opts.Destinations,
		age:          opts.Age,
		batch:        batch,
	}
}

func (t *SendClone) Name() string            { return "send_clone" }
func (t *SendClone) Interval() time.Duration { return t.interval }

func (t *SendClone) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	for _, dest := range t.destinations {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			return nil
		}

		lib, err := db.FindLibrarianByName(dest)
		if err != nil {
			return fmt.Errorf("looking up destination %s: %w", dest, err)
		}
		if lib == nil {
			t.logger.Warn("send destination is not a known librarian", "destination", dest)
			continue
		}
		if !lib.TransfersEnabled {
			t.logger.Debug("transfers disabled for destination", "destination", dest)
			continue
		}

		cutoff := t.clock.Now().Add(-t.age)
		files, err := db.FindFilesWithoutRemoteInstance(lib.ID, cutoff, t.batch)
		if err != nil {
			return fmt.Errorf("finding replication candidates for %s: %w", dest, err)
		}
		if len(files) == 0 {
			continue
		}

		if _, err := t.svc.SendFileBatch(ctx, files, lib); err != nil {
			t.logger.Error("booking clone batch", "destination", dest, "files", len(files), "error", err)
		}
	}
	return nil
}
