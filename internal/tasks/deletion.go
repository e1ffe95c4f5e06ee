package tasks

import (
	"context"
	"fmt"
	"time"

	"librarian-go/internal/checksum"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
	"librarian-go/internal/scheduler"
)

// RollingDeletion reclaims space on one store by removing old instances
// that are sufficiently replicated elsewhere. An instance only qualifies
// once the required number of distinct peers hold a copy, optionally
// re-verified against their live checksums.
type RollingDeletion struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval  time.Duration
	storeName string
	age       time.Duration
	// remoteCopies is the number of distinct peers that must hold the
	// file before the local instance may go.
	remoteCopies int
	// verifyDownstream re-checksums each remote copy over the wire
	// instead of trusting the remote instance records.
	verifyDownstream bool
	// markUnavailable keeps the instance row and only flags the bytes
	// gone, instead of deleting the record.
	markUnavailable bool
	// force ignores each instance's deletion policy.
	force bool
	batch int
}

// RollingDeletionOptions configures a RollingDeletion task.
type RollingDeletionOptions struct {
	Interval         time.Duration
	StoreName        string
	Age              time.Duration
	RemoteCopies     int
	VerifyDownstream bool
	MarkUnavailable  bool
	Force            bool
	Batch            int
}

func NewRollingDeletion(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	opts RollingDeletionOptions) *RollingDeletion {
	batch := opts.Batch
	if batch <= 0 {
		batch = claimBatch
	}
	remoteCopies := opts.RemoteCopies
	if remoteCopies <= 0 {
		remoteCopies = 1
	}
	return &RollingDeletion{
		svc:              svc,
		logger:           logger,
		clock:            clock,
		interval:         opts.Interval,
		storeName:        opts.StoreName,
		age:              opts.Age,
		remoteCopies:     remoteCopies,
		verifyDownstream: opts.VerifyDownstream,
		markUnavailable:  opts.MarkUnavailable,
		force:            opts.Force,
		batch:            batch,
	}
}

func (t *RollingDeletion) Name() string            { return "rolling_deletion" }
func (t *RollingDeletion) Interval() time.Duration { return t.interval }

func (t *RollingDeletion) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	meta, err := db.FindStoreByName(t.storeName)
	if err != nil {
		return fmt.Errorf("looking up store %s: %w", t.storeName, err)
	}
	if meta == nil {
		t.svc.LogError(model.SeverityError, model.CategoryConfiguration,
			fmt.Sprintf("rolling deletion configured for unknown store %s", t.storeName))
		return scheduler.ErrCancelTask
	}
	store, err := t.svc.StoreByName(t.storeName)
	if err != nil {
		t.svc.LogError(model.SeverityError, model.CategoryConfiguration,
			fmt.Sprintf("rolling deletion store %s has no backing configuration", t.storeName))
		return scheduler.ErrCancelTask
	}

	cutoff := t.clock.Now().Add(-t.age)
	instances, err := db.FindInstancesOlderThan(meta.ID, cutoff, t.batch)
	if err != nil {
		return fmt.Errorf("finding deletion candidates: %w", err)
	}

	var removed int
	for _, instance := range instances {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			break
		}
		ok, err := t.removeIfReplicated(ctx, store, instance)
		if err != nil {
			t.logger.Error("considering instance for deletion", "instance", instance.ID, "file", instance.FileName, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}

	t.logger.Info("rolling deletion pass finished", "store", t.storeName, "candidates", len(instances), "removed", removed)
	return nil
}

func (t *RollingDeletion) removeIfReplicated(ctx context.Context, store librarian.Store, instance *model.Instance) (bool, error) {
	db := t.svc.Database()

	if !t.force && instance.DeletionPolicy == model.DeletionDisallowed {
		return false, nil
	}

	file, err := db.FindFileByName(instance.FileName)
	if err != nil {
		return false, fmt.Errorf("looking up file: %w", err)
	}
	if file == nil {
		return false, fmt.Errorf("instance %d references missing file %s", instance.ID, instance.FileName)
	}

	copies, err := t.countRemoteCopies(ctx, file)
	if err != nil {
		return false, err
	}
	if copies < t.remoteCopies {
		return false, nil
	}

	if t.markUnavailable {
		if err := db.SetInstanceAvailable(instance.ID, false); err != nil {
			return false, fmt.Errorf("marking instance unavailable: %w", err)
		}
	} else {
		if err := db.DeleteInstance(instance.ID); err != nil {
			return false, fmt.Errorf("deleting instance record: %w", err)
		}
	}

	// Bytes go last: a crash here leaves an orphaned path, never a live
	// record pointing at nothing.
	if err := store.Delete(instance.Path); err != nil {
		t.logger.Warn("removing instance bytes", "path", instance.Path, "error", err)
	}
	t.logger.Info("reclaimed instance", "instance", instance.ID, "file", instance.FileName, "remote_copies", copies)
	return true, nil
}

// countRemoteCopies counts distinct peers holding the file. With
// downstream verification each peer is asked for live checksum evidence
// and only verified matches count.
func (t *RollingDeletion) countRemoteCopies(ctx context.Context, file *model.File) (int, error) {
	db := t.svc.Database()

	remotes, err := db.FindRemoteInstancesByFile(file.Name)
	if err != nil {
		return 0, fmt.Errorf("finding remote instances: %w", err)
	}

	byLibrarian := make(map[int64]bool)
	for _, ri := range remotes {
		byLibrarian[ri.LibrarianID] = true
	}
	if !t.verifyDownstream {
		return len(byLibrarian), nil
	}

	verified := 0
	for librarianID := range byLibrarian {
		lib, err := db.FindLibrarianByID(librarianID)
		if err != nil || lib == nil {
			continue
		}
		peer := t.svc.PeerFor(lib.Name)
		if peer == nil {
			continue
		}
		infos, err := peer.ValidateFile(ctx, file.Name)
		if err != nil {
			t.logger.Warn("downstream validation failed", "librarian", lib.Name, "file", file.Name, "error", err)
			continue
		}
		for _, info := range infos {
			match, err := checksum.Compare(file.Checksum, info.CurrentChecksum)
			if err == nil && match && info.ChecksumsMatch {
				verified++
				break
			}
		}
	}
	return verified, nil
}
