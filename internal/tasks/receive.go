package tasks

import (
	"context"
	"fmt"
	"time"

	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// ReceiveClone verifies and commits inbound transfers whose bytes have
// landed in a staging area. ONGOING transfers are checked too: with a
// local or asynclocal manager the bytes can be complete before the
// staged callback arrives.
type ReceiveClone struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval time.Duration
}

func NewReceiveClone(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	interval time.Duration) *ReceiveClone {
	return &ReceiveClone{svc: svc, logger: logger, clock: clock, interval: interval}
}

func (t *ReceiveClone) Name() string            { return "receive_clone" }
func (t *ReceiveClone) Interval() time.Duration { return t.interval }

func (t *ReceiveClone) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	transfers, err := db.FindIncomingTransfersByStatus(model.TransferStaged, model.TransferOngoing)
	if err != nil {
		return fmt.Errorf("finding inbound transfers to ingest: %w", err)
	}

	var ingested int
	for _, transfer := range transfers {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			break
		}
		done, err := t.svc.IngestStagedTransfer(ctx, transfer)
		if err != nil {
			t.logger.Error("ingesting inbound transfer", "transfer", transfer.ID, "file", transfer.UploadName, "error", err)
			continue
		}
		if done {
			ingested++
		}
	}
	if ingested > 0 {
		t.logger.Info("ingested inbound transfers", "count", ingested)
	}
	return nil
}
