package tasks

import (
	"context"
	"fmt"
	"time"

	"librarian-go/internal/api"
	"librarian-go/internal/checksum"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// CorruptionFixer drives corruption tickets through repair. For a fresh
// ticket it re-verifies the damage, asks the file's source librarian
// whether it can resend, destroys the local copy, and requests the
// resend. A second pass watches requested replacements land and closes
// or resets the ticket.
type CorruptionFixer struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval time.Duration
}

func NewCorruptionFixer(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	interval time.Duration) *CorruptionFixer {
	return &CorruptionFixer{svc: svc, logger: logger, clock: clock, interval: interval}
}

func (t *CorruptionFixer) Name() string            { return "corruption_fixer" }
func (t *CorruptionFixer) Interval() time.Duration { return t.interval }

func (t *CorruptionFixer) Run(ctx context.Context, deadline time.Time) error {
	if err := t.requestReplacements(ctx, deadline); err != nil {
		return err
	}
	return t.checkReplacements(deadline)
}

func (t *CorruptionFixer) requestReplacements(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	tickets, err := db.ClaimCorruptFiles(t.clock.Now(), t.interval, claimBatch)
	if err != nil {
		return fmt.Errorf("claiming corruption tickets: %w", err)
	}

	for _, ticket := range tickets {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			return nil
		}
		if err := t.repair(ctx, ticket); err != nil {
			t.logger.Error("repairing corrupt file", "ticket", ticket.ID, "file", ticket.FileName, "error", err)
		}
	}
	return nil
}

func (t *CorruptionFixer) repair(ctx context.Context, ticket *model.CorruptFile) error {
	db := t.svc.Database()

	file, err := db.FindFileByName(ticket.FileName)
	if err != nil {
		return fmt.Errorf("looking up file: %w", err)
	}
	instance, err := db.FindInstanceByID(ticket.InstanceID)
	if err != nil {
		return fmt.Errorf("looking up instance: %w", err)
	}

	// Re-verify from disk before destroying anything. A transient read
	// failure during the integrity scan must not trigger a repair.
	if file != nil && instance != nil {
		if ok := t.verifyFresh(file, instance); ok {
			t.logger.Info("corruption ticket was a false positive", "ticket", ticket.ID, "file", ticket.FileName)
			return db.DeleteCorruptFile(ticket.ID)
		}
	}

	if file != nil {
		instances, err := db.FindInstancesByFileName(ticket.FileName)
		if err != nil {
			return fmt.Errorf("listing instances: %w", err)
		}
		if len(instances) > 1 {
			// Repair assumes the file row can be dropped wholesale.
			// With a second local copy in play that is wrong, and no
			// automated path exists yet.
			t.svc.LogError(model.SeverityError, model.CategoryProgramming,
				fmt.Sprintf("file %s has %d local instances, automated repair cannot proceed",
					ticket.FileName, len(instances)))
			return nil
		}
	}

	source, err := db.FindLibrarianByName(ticket.FileSource)
	if err != nil {
		return fmt.Errorf("looking up source librarian: %w", err)
	}
	if source == nil {
		t.svc.LogError(model.SeverityError, model.CategoryDataAvailability,
			fmt.Sprintf("corrupt file %s came from %s, which is not a known librarian",
				ticket.FileName, ticket.FileSource))
		return nil
	}

	peer := t.svc.PeerFor(source.Name)
	if peer == nil {
		t.logger.Warn("no client credentials for source librarian", "librarian", source.Name)
		return nil
	}
	if _, err := peer.Ping(ctx); err != nil {
		t.logger.Warn("source librarian unreachable, repair deferred", "librarian", source.Name, "error", err)
		return nil
	}

	prep, err := peer.CorruptPrepare(ctx, &api.CorruptPrepareRequest{
		FileName:      ticket.FileName,
		LibrarianName: t.svc.Name(),
	})
	if err != nil {
		t.logger.Warn("source cannot service the repair yet", "file", ticket.FileName, "librarian", source.Name, "error", err)
		return nil
	}
	if !prep.Ready {
		return nil
	}

	// Point of no return. The file row and bytes go away so the resend
	// can land under the same name.
	if instance != nil {
		if store, err := t.svc.StoreForID(instance.StoreID); err == nil {
			if err := store.Delete(instance.Path); err != nil {
				t.logger.Warn("removing corrupt bytes", "path", instance.Path, "error", err)
			}
		}
	}
	if err := db.DeleteFile(ticket.FileName); err != nil {
		return fmt.Errorf("deleting corrupt file record: %w", err)
	}

	resend, err := peer.CorruptResend(ctx, &api.CorruptResendRequest{
		FileName:      ticket.FileName,
		LibrarianName: t.svc.Name(),
	})
	if err != nil || !resend.Success {
		// We no longer hold a copy and the resend did not start. Keep
		// the ticket so the next pass retries the request.
		t.svc.LogError(model.SeverityCritical, model.CategoryDataAvailability,
			fmt.Sprintf("deleted corrupt copy of %s but the resend request to %s failed",
				ticket.FileName, source.Name))
		return nil
	}

	ticket.ReplacementRequested = true
	if len(resend.DestinationTransferIDs) > 0 {
		ticket.IncomingTransferID = resend.DestinationTransferIDs[0]
	}
	if err := db.UpdateCorruptFile(ticket); err != nil {
		return fmt.Errorf("recording replacement request: %w", err)
	}
	t.logger.Info("requested replacement for corrupt file", "file", ticket.FileName, "source", source.Name)
	return nil
}

// verifyFresh recomputes the instance checksum from disk, bypassing the
// cache, and reports whether the bytes are actually good.
func (t *CorruptionFixer) verifyFresh(file *model.File, instance *model.Instance) bool {
	store, err := t.svc.StoreForID(instance.StoreID)
	if err != nil {
		return false
	}
	info, err := store.PathInfo(instance.Path, checksum.AlgorithmOf(file.Checksum))
	if err != nil {
		return false
	}
	match, err := checksum.Compare(file.Checksum, info.Checksum)
	if err != nil {
		return false
	}
	return match && info.Size == file.Size
}

func (t *CorruptionFixer) checkReplacements(deadline time.Time) error {
	db := t.svc.Database()

	tickets, err := db.FindCorruptFilesAwaitingReplacement()
	if err != nil {
		return fmt.Errorf("finding tickets awaiting replacement: %w", err)
	}

	for _, ticket := range tickets {
		if expired(t.clock, deadline) {
			return nil
		}

		file, err := db.FindFileByName(ticket.FileName)
		if err != nil {
			return fmt.Errorf("looking up file: %w", err)
		}
		if file != nil {
			// The replacement landed and was ingested.
			t.logger.Info("replacement arrived, closing corruption ticket", "ticket", ticket.ID, "file", ticket.FileName)
			if err := db.DeleteCorruptFile(ticket.ID); err != nil {
				return fmt.Errorf("closing ticket %d: %w", ticket.ID, err)
			}
			continue
		}

		transfer, err := db.FindIncomingTransferByID(ticket.IncomingTransferID)
		if err != nil {
			return fmt.Errorf("looking up replacement transfer: %w", err)
		}
		if transfer == nil || transfer.Status == model.TransferFailed || transfer.Status == model.TransferCancelled {
			// The replacement died in flight. Reset the ticket so the
			// next pass asks again.
			ticket.ReplacementRequested = false
			ticket.IncomingTransferID = 0
			if err := db.UpdateCorruptFile(ticket); err != nil {
				return fmt.Errorf("resetting ticket %d: %w", ticket.ID, err)
			}
			t.logger.Warn("replacement transfer died, will re-request", "ticket", ticket.ID, "file", ticket.FileName)
		}
	}
	return nil
}
