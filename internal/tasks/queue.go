package tasks

import (
	"context"
	"fmt"
	"time"

	"librarian-go/internal/api"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
	"librarian-go/internal/transfermgr"
)

// ConsumeQueue hands unconsumed send queue entries to their transfer
// manager and starts the byte movement. A claim lease keeps two workers
// from consuming the same entry.
type ConsumeQueue struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval   time.Duration
	maxRetries int
}

func NewConsumeQueue(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	interval time.Duration, maxRetries int) *ConsumeQueue {
	return &ConsumeQueue{svc: svc, logger: logger, clock: clock, interval: interval, maxRetries: maxRetries}
}

func (t *ConsumeQueue) Name() string            { return "consume_queue" }
func (t *ConsumeQueue) Interval() time.Duration { return t.interval }

func (t *ConsumeQueue) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	entries, err := db.ClaimUnconsumedSendQueue(t.clock.Now(), t.interval, claimBatch)
	if err != nil {
		return fmt.Errorf("claiming send queue entries: %w", err)
	}

	for _, entry := range entries {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			return nil
		}
		if err := t.consume(ctx, entry); err != nil {
			t.logger.Error("consuming send queue entry", "queue", entry.ID, "error", err)
		}
	}
	return nil
}

func (t *ConsumeQueue) consume(ctx context.Context, entry *model.SendQueue) error {
	db := t.svc.Database()

	transfers, err := db.FindOutgoingTransfersBySendQueue(entry.ID)
	if err != nil {
		return fmt.Errorf("finding transfers for queue %d: %w", entry.ID, err)
	}
	if len(transfers) == 0 {
		// Booking crashed between creating the entry and attaching
		// transfers. Nothing to move.
		entry.Failed = true
		return db.UpdateSendQueueEntry(entry)
	}

	mgr, err := t.svc.Managers().Create(entry.TransferManager)
	if err != nil {
		t.svc.LogError(model.SeverityError, model.CategoryConfiguration,
			fmt.Sprintf("queue %d names unknown transfer manager %s", entry.ID, entry.TransferManager))
		return t.failEntry(ctx, entry, transfers, "transfer manager not configured")
	}

	pairs := make([]librarian.TransferPair, 0, len(transfers))
	for _, tr := range transfers {
		pairs = append(pairs, librarian.TransferPair{
			Source:      tr.SourcePath,
			Destination: tr.DestPath,
			Size:        tr.TransferSize,
		})
	}

	if err := mgr.BatchTransfer(pairs); err != nil {
		entry.Retries++
		if entry.Retries >= int64(t.maxRetries) {
			t.logger.Error("send queue entry exhausted its retries",
				"queue", entry.ID, "retries", entry.Retries, "error", err)
			return t.failEntry(ctx, entry, transfers, "transfer manager kept failing")
		}
		t.logger.Warn("transfer batch failed, will retry",
			"queue", entry.ID, "retries", entry.Retries, "error", err)
		return db.UpdateSendQueueEntry(entry)
	}

	state, err := transfermgr.Marshal(mgr)
	if err != nil {
		return fmt.Errorf("serializing manager state for queue %d: %w", entry.ID, err)
	}
	entry.TransferData = state
	entry.Consumed = true
	entry.ConsumedTime = t.clock.Now()
	if err := db.UpdateSendQueueEntry(entry); err != nil {
		return fmt.Errorf("marking queue %d consumed: %w", entry.ID, err)
	}

	for _, tr := range transfers {
		if !tr.Status.CanTransition(model.TransferOngoing) {
			continue
		}
		tr.Status = model.TransferOngoing
		if err := db.UpdateOutgoingTransfer(tr); err != nil {
			return fmt.Errorf("marking transfer %d ongoing: %w", tr.ID, err)
		}
	}

	// Callbacks only after every local mutation has committed.
	peer := t.svc.PeerFor(entry.Destination)
	if peer == nil {
		t.logger.Warn("no client for destination, skipping ongoing callbacks", "destination", entry.Destination)
		return nil
	}
	for _, tr := range transfers {
		err := peer.CloneOngoing(ctx, &api.CloneOngoingRequest{
			SourceTransferID:      tr.ID,
			DestinationTransferID: tr.RemoteTransferID,
			TransferManager:       entry.TransferManager,
		})
		if err != nil {
			t.logger.Warn("ongoing callback failed", "transfer", tr.ID, "destination", entry.Destination, "error", err)
		}
	}
	return nil
}

func (t *ConsumeQueue) failEntry(ctx context.Context, entry *model.SendQueue,
	transfers []*model.OutgoingTransfer, reason string) error {
	db := t.svc.Database()

	entry.Failed = true
	if err := db.UpdateSendQueueEntry(entry); err != nil {
		return fmt.Errorf("marking queue %d failed: %w", entry.ID, err)
	}

	now := t.clock.Now()
	for _, tr := range transfers {
		if !tr.Status.CanTransition(model.TransferFailed) {
			continue
		}
		tr.Status = model.TransferFailed
		tr.EndTime = now
		if err := db.UpdateOutgoingTransfer(tr); err != nil {
			return fmt.Errorf("marking transfer %d failed: %w", tr.ID, err)
		}
	}

	if peer := t.svc.PeerFor(entry.Destination); peer != nil {
		for _, tr := range transfers {
			err := peer.CloneFail(ctx, &api.CloneFailRequest{
				SourceTransferID:      tr.ID,
				DestinationTransferID: tr.RemoteTransferID,
				Reason:                reason,
			})
			if err != nil {
				t.logger.Warn("fail callback failed", "transfer", tr.ID, "error", err)
			}
		}
	}
	return nil
}

// CheckQueue polls consumed send queue entries against their transfer
// manager and finishes them one way or the other.
type CheckQueue struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval time.Duration
}

func NewCheckQueue(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	interval time.Duration) *CheckQueue {
	return &CheckQueue{svc: svc, logger: logger, clock: clock, interval: interval}
}

func (t *CheckQueue) Name() string            { return "check_queue" }
func (t *CheckQueue) Interval() time.Duration { return t.interval }

func (t *CheckQueue) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	entries, err := db.FindConsumedSendQueue()
	if err != nil {
		return fmt.Errorf("finding consumed queue entries: %w", err)
	}

	for _, entry := range entries {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			return nil
		}
		if err := t.check(ctx, entry); err != nil {
			t.logger.Error("checking send queue entry", "queue", entry.ID, "error", err)
		}
	}
	return nil
}

func (t *CheckQueue) check(ctx context.Context, entry *model.SendQueue) error {
	mgr, err := t.svc.Managers().Restore(entry.TransferManager, entry.TransferData)
	if err != nil {
		return fmt.Errorf("restoring manager state for queue %d: %w", entry.ID, err)
	}

	status, err := mgr.TransferStatus()
	if err != nil {
		return fmt.Errorf("polling transfer status for queue %d: %w", entry.ID, err)
	}

	switch status {
	case model.TransferCompleted:
		return t.completeEntry(ctx, entry, mgr)
	case model.TransferFailed:
		return t.abortEntry(ctx, entry, mgr)
	default:
		// Still moving bytes.
		return nil
	}
}

func (t *CheckQueue) completeEntry(ctx context.Context, entry *model.SendQueue, mgr librarian.TransferManager) error {
	db := t.svc.Database()
	now := t.clock.Now()

	metrics, err := mgr.CompleteTransfer(entry.ID, now)
	if err != nil {
		t.logger.Warn("transfer metrics unavailable", "queue", entry.ID, "error", err)
	} else if err := db.CreateCompletedTransfer(metrics); err != nil {
		t.logger.Error("recording transfer metrics", "queue", entry.ID, "error", err)
	}

	entry.Completed = true
	entry.CompletedTime = now
	if err := db.UpdateSendQueueEntry(entry); err != nil {
		return fmt.Errorf("marking queue %d completed: %w", entry.ID, err)
	}

	transfers, err := db.FindOutgoingTransfersBySendQueue(entry.ID)
	if err != nil {
		return fmt.Errorf("finding transfers for queue %d: %w", entry.ID, err)
	}
	for _, tr := range transfers {
		if !tr.Status.CanTransition(model.TransferStaged) {
			continue
		}
		tr.Status = model.TransferStaged
		tr.EndTime = now
		if err := db.UpdateOutgoingTransfer(tr); err != nil {
			return fmt.Errorf("marking transfer %d staged: %w", tr.ID, err)
		}
	}

	peer := t.svc.PeerFor(entry.Destination)
	if peer == nil {
		t.logger.Warn("no client for destination, skipping staged callbacks", "destination", entry.Destination)
		return nil
	}
	for _, tr := range transfers {
		err := peer.CloneStaged(ctx, &api.CloneStagedRequest{
			SourceTransferID:      tr.ID,
			DestinationTransferID: tr.RemoteTransferID,
		})
		if err != nil {
			t.logger.Warn("staged callback failed", "transfer", tr.ID, "destination", entry.Destination, "error", err)
		}
	}
	t.logger.Info("send queue entry completed", "queue", entry.ID, "transfers", len(transfers))
	return nil
}

func (t *CheckQueue) abortEntry(ctx context.Context, entry *model.SendQueue, mgr librarian.TransferManager) error {
	db := t.svc.Database()

	if err := mgr.FailTransfer(); err != nil {
		t.logger.Warn("aborting transfer batch", "queue", entry.ID, "error", err)
	}

	entry.Failed = true
	if err := db.UpdateSendQueueEntry(entry); err != nil {
		return fmt.Errorf("marking queue %d failed: %w", entry.ID, err)
	}

	now := t.clock.Now()
	transfers, err := db.FindOutgoingTransfersBySendQueue(entry.ID)
	if err != nil {
		return fmt.Errorf("finding transfers for queue %d: %w", entry.ID, err)
	}
	for _, tr := range transfers {
		if !tr.Status.CanTransition(model.TransferFailed) {
			continue
		}
		tr.Status = model.TransferFailed
		tr.EndTime = now
		if err := db.UpdateOutgoingTransfer(tr); err != nil {
			return fmt.Errorf("marking transfer %d failed: %w", tr.ID, err)
		}
	}

	if peer := t.svc.PeerFor(entry.Destination); peer != nil {
		for _, tr := range transfers {
			err := peer.CloneFail(ctx, &api.CloneFailRequest{
				SourceTransferID:      tr.ID,
				DestinationTransferID: tr.RemoteTransferID,
				Reason:                "transfer manager reported failure",
			})
			if err != nil {
				t.logger.Warn("fail callback failed", "transfer", tr.ID, "error", err)
			}
		}
	}
	return nil
}
