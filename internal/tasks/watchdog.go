package tasks

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"librarian-go/internal/api"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// IncomingWatchdog reconciles stale inbound transfers against the
// correlated outbound record on the sending side. The two databases are
// updated independently and drift after crashes or lost callbacks; the
// remote record is the authority on what the sender thinks happened.
type IncomingWatchdog struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval time.Duration
	// maxAge marks a live transfer stale once it has gone this long
	// since starting.
	maxAge time.Duration
}

func NewIncomingWatchdog(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	interval, maxAge time.Duration) *IncomingWatchdog {
	return &IncomingWatchdog{svc: svc, logger: logger, clock: clock, interval: interval, maxAge: maxAge}
}

func (t *IncomingWatchdog) Name() string            { return "incoming_watchdog" }
func (t *IncomingWatchdog) Interval() time.Duration { return t.interval }

func (t *IncomingWatchdog) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	cutoff := t.clock.Now().Add(-t.maxAge)
	stale, err := db.FindStaleIncomingTransfers(cutoff)
	if err != nil {
		return fmt.Errorf("finding stale inbound transfers: %w", err)
	}

	for _, transfer := range stale {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			return nil
		}
		if err := t.reconcile(ctx, transfer); err != nil {
			t.logger.Warn("reconciling inbound transfer", "transfer", transfer.ID, "source", transfer.Source, "error", err)
		}
	}
	return nil
}

func (t *IncomingWatchdog) reconcile(ctx context.Context, transfer *model.IncomingTransfer) error {
	peer := t.svc.PeerFor(transfer.Source)
	if peer == nil {
		t.logger.Warn("stale inbound transfer from an unconfigured peer", "transfer", transfer.ID, "source", transfer.Source)
		return nil
	}

	resp, err := peer.TransferRecordStatus(ctx, &api.TransferRecordStatusRequest{
		Direction:  "outgoing",
		TransferID: transfer.SourceTransferID,
	})
	if err != nil {
		if librarian.IsHTTPStatus(err, http.StatusNotFound) {
			// The sender has no record of this transfer at all.
			return t.failIncoming(transfer, "source lost the transfer record")
		}
		return fmt.Errorf("querying source record %d: %w", transfer.SourceTransferID, err)
	}

	remote, ok := model.ParseTransferStatus(resp.Status)
	if !ok {
		return fmt.Errorf("source reported unknown status %q", resp.Status)
	}

	switch {
	case remote == model.TransferCancelled || remote == model.TransferFailed:
		return t.failIncoming(transfer, "source abandoned the transfer")
	case remote == model.TransferStaged &&
		(transfer.Status == model.TransferInitiated || transfer.Status == model.TransferOngoing):
		// The staged callback was lost. Correct our record and let the
		// next receive pass ingest it.
		transfer.Status = model.TransferStaged
		if err := t.svc.Database().UpdateIncomingTransfer(transfer); err != nil {
			return fmt.Errorf("correcting transfer %d to staged: %w", transfer.ID, err)
		}
		t.logger.Info("corrected inbound transfer to staged", "transfer", transfer.ID)
		return nil
	case remote == model.TransferInitiated && transfer.Status == model.TransferOngoing:
		// The source thinks it never started moving bytes it told us
		// were in flight. It lost track; give up on this transfer.
		return t.failIncoming(transfer, "source lost track of an in-flight transfer")
	}
	return nil
}

func (t *IncomingWatchdog) failIncoming(transfer *model.IncomingTransfer, reason string) error {
	if !transfer.Status.CanTransition(model.TransferFailed) {
		return nil
	}
	transfer.Status = model.TransferFailed
	transfer.EndTime = t.clock.Now()
	if err := t.svc.Database().UpdateIncomingTransfer(transfer); err != nil {
		return fmt.Errorf("failing transfer %d: %w", transfer.ID, err)
	}
	t.logger.Info("failed stale inbound transfer", "transfer", transfer.ID, "reason", reason)

	// Release the staging area after the status change has committed.
	if transfer.StagingToken != "" {
		store, err := t.svc.StoreForID(transfer.StoreID)
		if err == nil {
			if err := store.Unstage(transfer.StagingToken); err != nil {
				t.logger.Warn("releasing staging area", "transfer", transfer.ID, "error", err)
			}
		}
	}
	return nil
}

// OutgoingWatchdog reconciles stale outbound transfers against the
// correlated inbound record on the receiving side.
type OutgoingWatchdog struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval time.Duration
	maxAge   time.Duration
}

func NewOutgoingWatchdog(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	interval, maxAge time.Duration) *OutgoingWatchdog {
	return &OutgoingWatchdog{svc: svc, logger: logger, clock: clock, interval: interval, maxAge: maxAge}
}

func (t *OutgoingWatchdog) Name() string            { return "outgoing_watchdog" }
func (t *OutgoingWatchdog) Interval() time.Duration { return t.interval }

func (t *OutgoingWatchdog) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	cutoff := t.clock.Now().Add(-t.maxAge)
	stale, err := db.FindStaleOutgoingTransfers(cutoff)
	if err != nil {
		return fmt.Errorf("finding stale outbound transfers: %w", err)
	}

	for _, transfer := range stale {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			return nil
		}
		if err := t.reconcile(ctx, transfer); err != nil {
			t.logger.Warn("reconciling outbound transfer", "transfer", transfer.ID, "destination", transfer.Destination, "error", err)
		}
	}
	return nil
}

func (t *OutgoingWatchdog) reconcile(ctx context.Context, transfer *model.OutgoingTransfer) error {
	peer := t.svc.PeerFor(transfer.Destination)
	if peer == nil {
		t.logger.Warn("stale outbound transfer to an unconfigured peer", "transfer", transfer.ID, "destination", transfer.Destination)
		return nil
	}

	resp, err := peer.TransferRecordStatus(ctx, &api.TransferRecordStatusRequest{
		Direction:  "incoming",
		TransferID: transfer.RemoteTransferID,
	})
	if err != nil {
		if librarian.IsHTTPStatus(err, http.StatusNotFound) {
			return t.failOutgoing(transfer, "destination lost the transfer record")
		}
		return fmt.Errorf("querying destination record %d: %w", transfer.RemoteTransferID, err)
	}

	remote, ok := model.ParseTransferStatus(resp.Status)
	if !ok {
		return fmt.Errorf("destination reported unknown status %q", resp.Status)
	}

	switch remote {
	case model.TransferCompleted:
		// The destination committed the file but the completion callback
		// never reached us.
		if !transfer.Status.CanTransition(model.TransferCompleted) {
			return nil
		}
		transfer.Status = model.TransferCompleted
		transfer.EndTime = t.clock.Now()
		if err := t.svc.Database().UpdateOutgoingTransfer(transfer); err != nil {
			return fmt.Errorf("completing transfer %d: %w", transfer.ID, err)
		}
		t.logger.Info("corrected outbound transfer to completed", "transfer", transfer.ID)
		return nil
	case model.TransferCancelled, model.TransferFailed:
		return t.failOutgoing(transfer, "destination abandoned the transfer")
	}
	return nil
}

func (t *OutgoingWatchdog) failOutgoing(transfer *model.OutgoingTransfer, reason string) error {
	if !transfer.Status.CanTransition(model.TransferFailed) {
		return nil
	}
	transfer.Status = model.TransferFailed
	transfer.EndTime = t.clock.Now()
	if err := t.svc.Database().UpdateOutgoingTransfer(transfer); err != nil {
		return fmt.Errorf("failing transfer %d: %w", transfer.ID, err)
	}
	t.logger.Info("failed stale outbound transfer", "transfer", transfer.ID, "reason", reason)
	return nil
}
