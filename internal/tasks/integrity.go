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

// CheckIntegrity re-checksums instances on one store and opens corruption
// tickets for mismatches. The instance checksum cache bounds how often a
// given instance is re-read from disk.
type CheckIntegrity struct {
	svc    *librarian.Service
	logger librarian.Logger
	clock  librarian.Clock

	interval  time.Duration
	storeName string
	// age is how long a stored checksum stays trusted before this task
	// recalculates it.
	age   time.Duration
	batch int
}

// CheckIntegrityOptions configures a CheckIntegrity task.
type CheckIntegrityOptions struct {
	Interval  time.Duration
	StoreName string
	Age       time.Duration
	Batch     int
}

func NewCheckIntegrity(svc *librarian.Service, logger librarian.Logger, clock librarian.Clock,
	opts CheckIntegrityOptions) *CheckIntegrity {
	batch := opts.Batch
	if batch <= 0 {
		batch = claimBatch
	}
	return &CheckIntegrity{
		svc:       svc,
		logger:    logger,
		clock:     clock,
		interval:  opts.Interval,
		storeName: opts.StoreName,
		age:       opts.Age,
		batch:     batch,
	}
}

func (t *CheckIntegrity) Name() string            { return "check_integrity" }
func (t *CheckIntegrity) Interval() time.Duration { return t.interval }

func (t *CheckIntegrity) Run(ctx context.Context, deadline time.Time) error {
	db := t.svc.Database()

	meta, err := db.FindStoreByName(t.storeName)
	if err != nil {
		return fmt.Errorf("looking up store %s: %w", t.storeName, err)
	}
	if meta == nil {
		t.svc.LogError(model.SeverityError, model.CategoryConfiguration,
			fmt.Sprintf("integrity check configured for unknown store %s", t.storeName))
		return scheduler.ErrCancelTask
	}
	if _, err := t.svc.StoreByName(t.storeName); err != nil {
		t.svc.LogError(model.SeverityError, model.CategoryConfiguration,
			fmt.Sprintf("integrity check store %s has no backing configuration", t.storeName))
		return scheduler.ErrCancelTask
	}

	cutoff := t.clock.Now().Add(-t.age)
	instances, err := db.FindInstancesForIntegrityCheck(meta.ID, cutoff, t.batch)
	if err != nil {
		return fmt.Errorf("finding instances to check: %w", err)
	}

	var checked, corrupt int
	for _, instance := range instances {
		if expired(t.clock, deadline) || ctx.Err() != nil {
			break
		}
		bad, err := t.checkInstance(instance)
		if err != nil {
			t.logger.Error("checking instance", "instance", instance.ID, "file", instance.FileName, "error", err)
			continue
		}
		checked++
		if bad {
			corrupt++
		}
	}

	t.logger.Info("integrity scan finished", "store", t.storeName, "checked", checked, "corrupt", corrupt)
	return nil
}

// checkInstance reports whether the instance was found corrupt.
func (t *CheckIntegrity) checkInstance(instance *model.Instance) (bool, error) {
	db := t.svc.Database()

	file, err := db.FindFileByName(instance.FileName)
	if err != nil {
		return false, fmt.Errorf("looking up file: %w", err)
	}
	if file == nil {
		return false, fmt.Errorf("instance %d references missing file %s", instance.ID, instance.FileName)
	}

	current, size, err := t.svc.InstanceChecksum(instance)
	if err != nil {
		// Unreadable bytes are corruption, not a transient failure.
		t.openTicket(file, instance, "", 0)
		return true, nil
	}

	match, err := checksum.Compare(file.Checksum, current)
	if err != nil {
		return false, fmt.Errorf("comparing checksums: %w", err)
	}
	if match && size == file.Size {
		return false, nil
	}

	t.openTicket(file, instance, current, size)
	return true, nil
}

func (t *CheckIntegrity) openTicket(file *model.File, instance *model.Instance, found string, size int64) {
	db := t.svc.Database()

	_, err := db.CreateOrIncrementCorruptFile(&model.CorruptFile{
		FileName:        file.Name,
		FileSource:      file.Source,
		InstanceID:      instance.ID,
		InstancePath:    instance.Path,
		CorruptSize:     size,
		CorruptChecksum: found,
		CorruptCount:    1,
		CreatedTime:     t.clock.Now(),
	})
	if err != nil {
		t.logger.Error("recording corruption ticket", "file", file.Name, "error", err)
		return
	}
	t.svc.LogError(model.SeverityCritical, model.CategoryDataIntegrity,
		fmt.Sprintf("instance %d of %s failed its integrity check", instance.ID, file.Name))
}
