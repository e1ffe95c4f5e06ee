package tasks

import (
	"time"

	"librarian-go/internal/config"
	"librarian-go/internal/librarian"
	"librarian-go/internal/scheduler"
)

// RegisterFromConfig builds every enabled background task and registers it
// on the scheduler. checksumAge is the instance checksum cache age, which
// doubles as the integrity re-check horizon.
func RegisterFromConfig(sched *scheduler.Scheduler, svc *librarian.Service,
	logger librarian.Logger, clock librarian.Clock, cfg config.TasksConfig, checksumAge time.Duration) {

	register := func(tc config.TaskConfig, t scheduler.Task) {
		if !tc.Enabled {
			return
		}
		sched.Register(scheduler.WithSoftTimeout(t, tc.SoftTimeout.Duration, clock))
	}

	register(cfg.SendClone, NewSendClone(svc, logger, clock, SendCloneOptions{
		Interval:     cfg.SendClone.Interval.Duration,
		Destinations: cfg.SendDestinations,
		Age:          cfg.SendAge.Duration,
		Batch:        cfg.SendBatch,
	}))
	register(cfg.ConsumeQueue, NewConsumeQueue(svc, logger, clock,
		cfg.ConsumeQueue.Interval.Duration, cfg.MaxRetries))
	register(cfg.CheckQueue, NewCheckQueue(svc, logger, clock,
		cfg.CheckQueue.Interval.Duration))
	register(cfg.ReceiveClone, NewReceiveClone(svc, logger, clock,
		cfg.ReceiveClone.Interval.Duration))
	register(cfg.IncomingWatch, NewIncomingWatchdog(svc, logger, clock,
		cfg.IncomingWatch.Interval.Duration, cfg.TransferAge.Duration))
	register(cfg.OutgoingWatch, NewOutgoingWatchdog(svc, logger, clock,
		cfg.OutgoingWatch.Interval.Duration, cfg.TransferAge.Duration))
	register(cfg.CheckIntegrity, NewCheckIntegrity(svc, logger, clock, CheckIntegrityOptions{
		Interval:  cfg.CheckIntegrity.Interval.Duration,
		StoreName: cfg.IntegrityStore,
		Age:       checksumAge,
		Batch:     cfg.IntegrityBatch,
	}))
	register(cfg.CorruptionFixer, NewCorruptionFixer(svc, logger, clock,
		cfg.CorruptionFixer.Interval.Duration))
	register(cfg.RollingDeletion, NewRollingDeletion(svc, logger, clock, RollingDeletionOptions{
		Interval:         cfg.RollingDeletion.Interval.Duration,
		StoreName:        cfg.DeletionStore,
		Age:              cfg.DeletionAge.Duration,
		RemoteCopies:     cfg.DeletionRemoteCopies,
		VerifyDownstream: cfg.DeletionVerifyDownstream,
		MarkUnavailable:  cfg.DeletionMarkUnavailable,
		Force:            cfg.DeletionForce,
	}))
	register(cfg.DuplicateCleanup, NewDuplicateCleanup(svc, logger, clock,
		cfg.DuplicateCleanup.Interval.Duration))
}
