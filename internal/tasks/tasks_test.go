package tasks_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"librarian-go/internal/api"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
	"librarian-go/internal/scheduler"
	"librarian-go/internal/tasks"
	"librarian-go/internal/testutil"
)

type taskEnv struct {
	svc       *librarian.Service
	db        librarian.Database
	store     librarian.Store
	storeMeta *model.StoreMetadata
	peers     *testutil.FakePeerFactory
	managers  *testutil.FakeManagerRegistry
	clock     *testutil.StubClock
}

func newTaskEnv(t *testing.T) *taskEnv {
	t.Helper()

	db := testutil.NewTestDatabase(t)
	st := testutil.NewTestStore(t, "scratch")
	peers := testutil.NewFakePeerFactory()
	managers := testutil.NewFakeManagerRegistry("local")
	clock := testutil.FixedClock()

	svc := librarian.NewService(db, map[string]librarian.Store{"scratch": st},
		managers, peers, librarian.NewNopLogger(), clock, librarian.ServiceOptions{
			Name:             "site-a",
			Algorithm:        "md5",
			ChecksumCacheAge: 24 * time.Hour,
			SendTasksEnabled: true,
		})

	meta, err := db.EnsureStore(&model.StoreMetadata{
		Name: "scratch", StoreType: "memory", Ingestable: true, Enabled: true,
	})
	if err != nil {
		t.Fatalf("EnsureStore() error = %v", err)
	}

	return &taskEnv{
		svc: svc, db: db, store: st, storeMeta: meta,
		peers: peers, managers: managers, clock: clock,
	}
}

const helloChecksum = "md5:::5eb63bbbe01eeed093cb22bb8f5acdc3"

func (e *taskEnv) seedStoredFile(t *testing.T, name string) (*model.File, *model.Instance) {
	t.Helper()

	storePath := testutil.WriteStoredFile(t, e.store, name, "hello world")
	file := &model.File{
		Name:       name,
		CreateTime: e.clock.Now().Add(-48 * time.Hour),
		Size:       11,
		Checksum:   helloChecksum,
		Uploader:   "tester",
		Source:     "site-b",
	}
	if err := e.db.CreateFile(file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	instance, err := e.db.CreateInstance(&model.Instance{
		Path:        storePath,
		FileName:    name,
		StoreID:     e.storeMeta.ID,
		CreatedTime: e.clock.Now().Add(-48 * time.Hour),
		Available:   true,
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	return file, instance
}

func (e *taskEnv) seedLibrarian(t *testing.T, name string) *model.Librarian {
	t.Helper()
	lib, err := e.db.CreateLibrarian(&model.Librarian{
		Name:             name,
		URL:              "http://" + name + ":21106",
		Authenticator:    "site-a:secret",
		TransfersEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateLibrarian() error = %v", err)
	}
	return lib
}

// seedQueuedBatch creates a send queue entry with one attached transfer.
func (e *taskEnv) seedQueuedBatch(t *testing.T, dest string) (*model.SendQueue, *model.OutgoingTransfer) {
	t.Helper()

	queue, err := e.db.CreateSendQueueEntry(&model.SendQueue{
		CreatedTime:     e.clock.Now(),
		Destination:     dest,
		TransferManager: "local",
	})
	if err != nil {
		t.Fatalf("CreateSendQueueEntry() error = %v", err)
	}
	transfer, err := e.db.CreateOutgoingTransfer(&model.OutgoingTransfer{
		Status:           model.TransferInitiated,
		Destination:      dest,
		FileName:         "data.h5",
		TransferSize:     11,
		TransferChecksum: helloChecksum,
		TransferManager:  "local",
		StartTime:        e.clock.Now(),
		SourcePath:       "/src/data.h5",
		DestPath:         "/staging/tok/data.h5",
		RemoteTransferID: 55,
	})
	if err != nil {
		t.Fatalf("CreateOutgoingTransfer() error = %v", err)
	}
	transfer.SendQueueID = queue.ID
	if err := e.db.UpdateOutgoingTransfer(transfer); err != nil {
		t.Fatalf("UpdateOutgoingTransfer() error = %v", err)
	}
	return queue, transfer
}

func TestSendClone(t *testing.T) {
	t.Run("books un-replicated files", func(t *testing.T) {
		env := newTaskEnv(t)
		env.seedStoredFile(t, "data.h5")
		env.seedLibrarian(t, "site-b")
		peer := env.peers.Add("site-b")
		peer.StageResponse = &api.CloneStageResponse{
			DestinationTransferID: 55,
			StagingPath:           "/staging/tok/data.h5",
			TransferProviders:     []string{"local"},
		}

		task := tasks.NewSendClone(env.svc, librarian.NewNopLogger(), env.clock, tasks.SendCloneOptions{
			Interval:     time.Minute,
			Destinations: []string{"site-b"},
			Age:          time.Hour,
		})
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		transfers, err := env.db.FindOutgoingTransfersByStatus(model.TransferInitiated)
		if err != nil {
			t.Fatal(err)
		}
		if len(transfers) != 1 {
			t.Fatalf("transfers = %d, want 1", len(transfers))
		}
		if transfers[0].SendQueueID == 0 {
			t.Error("transfer was not booked onto a queue entry")
		}
	})

	t.Run("already replicated files are skipped", func(t *testing.T) {
		env := newTaskEnv(t)
		env.seedStoredFile(t, "data.h5")
		lib := env.seedLibrarian(t, "site-b")
		env.peers.Add("site-b")
		if _, err := env.db.CreateRemoteInstance(&model.RemoteInstance{
			FileName: "data.h5", StoreID: 1, LibrarianID: lib.ID,
			CopyTime: env.clock.Now(), Sender: "site-a",
		}); err != nil {
			t.Fatal(err)
		}

		task := tasks.NewSendClone(env.svc, librarian.NewNopLogger(), env.clock, tasks.SendCloneOptions{
			Interval: time.Minute, Destinations: []string{"site-b"}, Age: time.Hour,
		})
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		transfers, _ := env.db.FindOutgoingTransfersByStatus(model.TransferInitiated)
		if len(transfers) != 0 {
			t.Errorf("transfers = %d, want 0", len(transfers))
		}
	})
}

func TestConsumeQueue(t *testing.T) {
	t.Run("hands a batch to the manager and fires callbacks", func(t *testing.T) {
		env := newTaskEnv(t)
		peer := env.peers.Add("site-b")
		queue, transfer := env.seedQueuedBatch(t, "site-b")

		task := tasks.NewConsumeQueue(env.svc, librarian.NewNopLogger(), env.clock, time.Minute, 3)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		updated, _ := env.db.FindSendQueueEntryByID(queue.ID)
		if !updated.Consumed {
			t.Error("queue entry not marked consumed")
		}
		if len(updated.TransferData) == 0 {
			t.Error("manager state not serialized into the queue entry")
		}

		tr, _ := env.db.FindOutgoingTransferByID(transfer.ID)
		if tr.Status != model.TransferOngoing {
			t.Errorf("transfer status = %v, want ONGOING", tr.Status)
		}

		if len(env.managers.Manager.Batches) != 1 {
			t.Fatalf("batches = %d, want 1", len(env.managers.Manager.Batches))
		}
		pair := env.managers.Manager.Batches[0][0]
		if pair.Source != "/src/data.h5" || pair.Destination != "/staging/tok/data.h5" {
			t.Errorf("pair = %+v", pair)
		}

		if len(peer.OngoingRequests) != 1 {
			t.Fatalf("ongoing callbacks = %d, want 1", len(peer.OngoingRequests))
		}
		if peer.OngoingRequests[0].DestinationTransferID != 55 {
			t.Errorf("DestinationTransferID = %d, want 55", peer.OngoingRequests[0].DestinationTransferID)
		}
	})

	t.Run("exhausted retries fail the entry and its transfers", func(t *testing.T) {
		env := newTaskEnv(t)
		peer := env.peers.Add("site-b")
		queue, transfer := env.seedQueuedBatch(t, "site-b")
		env.managers.Manager.BatchErr = errors.New("disk on fire")

		task := tasks.NewConsumeQueue(env.svc, librarian.NewNopLogger(), env.clock, time.Minute, 2)

		// First attempt bumps the retry count; the claim lease expires
		// before the second attempt exhausts it.
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		updated, _ := env.db.FindSendQueueEntryByID(queue.ID)
		if updated.Retries != 1 || updated.Failed {
			t.Fatalf("after first run: retries = %d, failed = %v", updated.Retries, updated.Failed)
		}

		env.clock.Advance(2 * time.Minute)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		updated, _ = env.db.FindSendQueueEntryByID(queue.ID)
		if !updated.Failed {
			t.Error("queue entry not marked failed")
		}
		tr, _ := env.db.FindOutgoingTransferByID(transfer.ID)
		if tr.Status != model.TransferFailed {
			t.Errorf("transfer status = %v, want FAILED", tr.Status)
		}
		if len(peer.FailRequests) != 1 {
			t.Errorf("fail callbacks = %d, want 1", len(peer.FailRequests))
		}
	})
}

func TestCheckQueue(t *testing.T) {
	consumedEntry := func(t *testing.T, env *taskEnv, status model.TransferStatus) (*model.SendQueue, *model.OutgoingTransfer) {
		t.Helper()
		queue, transfer := env.seedQueuedBatch(t, "site-b")
		transfer.Status = model.TransferOngoing
		if err := env.db.UpdateOutgoingTransfer(transfer); err != nil {
			t.Fatal(err)
		}
		queue.Consumed = true
		queue.ConsumedTime = env.clock.Now()
		queue.TransferData = []byte("{}")
		if err := env.db.UpdateSendQueueEntry(queue); err != nil {
			t.Fatal(err)
		}
		env.managers.Manager.Status = status
		return queue, transfer
	}

	t.Run("completed batch records metrics and stages transfers", func(t *testing.T) {
		env := newTaskEnv(t)
		peer := env.peers.Add("site-b")
		queue, transfer := consumedEntry(t, env, model.TransferCompleted)

		task := tasks.NewCheckQueue(env.svc, librarian.NewNopLogger(), env.clock, time.Minute)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		updated, _ := env.db.FindSendQueueEntryByID(queue.ID)
		if !updated.Completed {
			t.Error("queue entry not marked completed")
		}
		metrics, err := env.db.FindCompletedTransferByQueueID(queue.ID)
		if err != nil || metrics == nil {
			t.Fatalf("metrics = %v, err = %v", metrics, err)
		}
		tr, _ := env.db.FindOutgoingTransferByID(transfer.ID)
		if tr.Status != model.TransferStaged {
			t.Errorf("transfer status = %v, want STAGED", tr.Status)
		}
		if len(peer.StagedRequests) != 1 {
			t.Errorf("staged callbacks = %d, want 1", len(peer.StagedRequests))
		}
	})

	t.Run("failed batch aborts the manager and fails transfers", func(t *testing.T) {
		env := newTaskEnv(t)
		peer := env.peers.Add("site-b")
		queue, transfer := consumedEntry(t, env, model.TransferFailed)

		task := tasks.NewCheckQueue(env.svc, librarian.NewNopLogger(), env.clock, time.Minute)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		updated, _ := env.db.FindSendQueueEntryByID(queue.ID)
		if !updated.Failed {
			t.Error("queue entry not marked failed")
		}
		if !env.managers.Manager.Failed {
			t.Error("manager FailTransfer not called")
		}
		tr, _ := env.db.FindOutgoingTransferByID(transfer.ID)
		if tr.Status != model.TransferFailed {
			t.Errorf("transfer status = %v, want FAILED", tr.Status)
		}
		if len(peer.FailRequests) != 1 {
			t.Errorf("fail callbacks = %d, want 1", len(peer.FailRequests))
		}
	})

	t.Run("still-running batch is left alone", func(t *testing.T) {
		env := newTaskEnv(t)
		env.peers.Add("site-b")
		queue, _ := consumedEntry(t, env, model.TransferInitiated)

		task := tasks.NewCheckQueue(env.svc, librarian.NewNopLogger(), env.clock, time.Minute)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		updated, _ := env.db.FindSendQueueEntryByID(queue.ID)
		if updated.Completed || updated.Failed {
			t.Errorf("entry finished prematurely: %+v", updated)
		}
	})
}

func TestReceiveClone(t *testing.T) {
	env := newTaskEnv(t)
	env.peers.Add("site-b")

	token, stagingPath, err := env.store.Stage(11, "data.h5")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if err := os.WriteFile(stagingPath, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	storePath, err := env.store.ReservePath("data.h5")
	if err != nil {
		t.Fatal(err)
	}
	transfer, err := env.db.CreateIncomingTransfer(&model.IncomingTransfer{
		Status:           model.TransferStaged,
		UploadName:       "data.h5",
		Uploader:         "tester",
		Source:           "site-b",
		TransferSize:     11,
		TransferChecksum: helloChecksum,
		TransferManager:  "local",
		StartTime:        env.clock.Now(),
		StoreID:          env.storeMeta.ID,
		StagingToken:     token,
		StagingPath:      stagingPath,
		StorePath:        storePath,
		SourceTransferID: 77,
	})
	if err != nil {
		t.Fatal(err)
	}

	task := tasks.NewReceiveClone(env.svc, librarian.NewNopLogger(), env.clock, time.Minute)
	if err := task.Run(context.Background(), time.Time{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	updated, _ := env.db.FindIncomingTransferByID(transfer.ID)
	if updated.Status != model.TransferCompleted {
		t.Errorf("transfer status = %v, want COMPLETED", updated.Status)
	}
	if file, _ := env.db.FindFileByName("data.h5"); file == nil {
		t.Error("file not recorded after ingest")
	}
}

func TestIncomingWatchdog(t *testing.T) {
	staleTransfer := func(t *testing.T, env *taskEnv, status model.TransferStatus) *model.IncomingTransfer {
		t.Helper()
		transfer, err := env.db.CreateIncomingTransfer(&model.IncomingTransfer{
			Status:           status,
			UploadName:       "data.h5",
			Source:           "site-b",
			TransferSize:     11,
			TransferChecksum: helloChecksum,
			TransferManager:  "local",
			StartTime:        env.clock.Now().Add(-10 * 24 * time.Hour),
			StoreID:          env.storeMeta.ID,
			SourceTransferID: 77,
		})
		if err != nil {
			t.Fatal(err)
		}
		return transfer
	}

	tests := []struct {
		name   string
		local  model.TransferStatus
		remote string
		want   model.TransferStatus
	}{
		{"remote cancelled fails local", model.TransferInitiated, "CANCELLED", model.TransferFailed},
		{"remote staged corrects ongoing local", model.TransferOngoing, "STAGED", model.TransferStaged},
		{"remote staged corrects initiated local", model.TransferInitiated, "STAGED", model.TransferStaged},
		{"remote initiated fails ongoing local", model.TransferOngoing, "INITIATED", model.TransferFailed},
		{"remote ongoing leaves local alone", model.TransferOngoing, "ONGOING", model.TransferOngoing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTaskEnv(t)
			peer := env.peers.Add("site-b")
			transfer := staleTransfer(t, env, tt.local)
			peer.RecordStatuses = map[int64]string{77: tt.remote}

			task := tasks.NewIncomingWatchdog(env.svc, librarian.NewNopLogger(), env.clock,
				30*time.Minute, 7*24*time.Hour)
			if err := task.Run(context.Background(), time.Time{}); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			updated, _ := env.db.FindIncomingTransferByID(transfer.ID)
			if updated.Status != tt.want {
				t.Errorf("status = %v, want %v", updated.Status, tt.want)
			}
		})
	}

	t.Run("missing remote record fails local", func(t *testing.T) {
		env := newTaskEnv(t)
		env.peers.Add("site-b") // no RecordStatuses: lookup returns 404
		transfer := staleTransfer(t, env, model.TransferOngoing)

		task := tasks.NewIncomingWatchdog(env.svc, librarian.NewNopLogger(), env.clock,
			30*time.Minute, 7*24*time.Hour)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		updated, _ := env.db.FindIncomingTransferByID(transfer.ID)
		if updated.Status != model.TransferFailed {
			t.Errorf("status = %v, want FAILED", updated.Status)
		}
	})
}

func TestOutgoingWatchdog(t *testing.T) {
	staleTransfer := func(t *testing.T, env *taskEnv, status model.TransferStatus) *model.OutgoingTransfer {
		t.Helper()
		transfer, err := env.db.CreateOutgoingTransfer(&model.OutgoingTransfer{
			Status:           status,
			Destination:      "site-b",
			FileName:         "data.h5",
			TransferSize:     11,
			TransferManager:  "local",
			StartTime:        env.clock.Now().Add(-10 * 24 * time.Hour),
			RemoteTransferID: 55,
		})
		if err != nil {
			t.Fatal(err)
		}
		return transfer
	}

	tests := []struct {
		name   string
		local  model.TransferStatus
		remote string
		want   model.TransferStatus
	}{
		{"remote completed completes staged local", model.TransferStaged, "COMPLETED", model.TransferCompleted},
		{"remote failed fails local", model.TransferOngoing, "FAILED", model.TransferFailed},
		{"remote cancelled fails local", model.TransferStaged, "CANCELLED", model.TransferFailed},
		{"remote ongoing leaves local alone", model.TransferOngoing, "ONGOING", model.TransferOngoing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTaskEnv(t)
			peer := env.peers.Add("site-b")
			transfer := staleTransfer(t, env, tt.local)
			peer.RecordStatuses = map[int64]string{55: tt.remote}

			task := tasks.NewOutgoingWatchdog(env.svc, librarian.NewNopLogger(), env.clock,
				30*time.Minute, 7*24*time.Hour)
			if err := task.Run(context.Background(), time.Time{}); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			updated, _ := env.db.FindOutgoingTransferByID(transfer.ID)
			if updated.Status != tt.want {
				t.Errorf("status = %v, want %v", updated.Status, tt.want)
			}
		})
	}
}

func TestCheckIntegrity(t *testing.T) {
	t.Run("mismatch opens a corruption ticket", func(t *testing.T) {
		env := newTaskEnv(t)
		_, instance := env.seedStoredFile(t, "data.h5")

		abs, err := env.store.Resolve(instance.Path)
		if err != nil {
			t.Fatal(err)
		}
		os.Chmod(abs, 0o600)
		if err := os.WriteFile(abs, []byte("corrupted!!"), 0o600); err != nil {
			t.Fatal(err)
		}

		task := tasks.NewCheckIntegrity(env.svc, librarian.NewNopLogger(), env.clock, tasks.CheckIntegrityOptions{
			Interval:  24 * time.Hour,
			StoreName: "scratch",
			Age:       time.Hour,
		})
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		tickets, err := env.db.ClaimCorruptFiles(env.clock.Now(), time.Minute, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(tickets) != 1 {
			t.Fatalf("tickets = %d, want 1", len(tickets))
		}
		if tickets[0].FileName != "data.h5" {
			t.Errorf("ticket file = %q", tickets[0].FileName)
		}
	})

	t.Run("healthy instance opens no ticket", func(t *testing.T) {
		env := newTaskEnv(t)
		env.seedStoredFile(t, "data.h5")

		task := tasks.NewCheckIntegrity(env.svc, librarian.NewNopLogger(), env.clock, tasks.CheckIntegrityOptions{
			Interval:  24 * time.Hour,
			StoreName: "scratch",
			Age:       time.Hour,
		})
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		tickets, _ := env.db.ClaimCorruptFiles(env.clock.Now(), time.Minute, 10)
		if len(tickets) != 0 {
			t.Errorf("tickets = %d, want 0", len(tickets))
		}
	})

	t.Run("unknown store cancels the task", func(t *testing.T) {
		env := newTaskEnv(t)
		task := tasks.NewCheckIntegrity(env.svc, librarian.NewNopLogger(), env.clock, tasks.CheckIntegrityOptions{
			Interval:  24 * time.Hour,
			StoreName: "vanished",
			Age:       time.Hour,
		})
		err := task.Run(context.Background(), time.Time{})
		if !errors.Is(err, scheduler.ErrCancelTask) {
			t.Errorf("Run() error = %v, want ErrCancelTask", err)
		}
	})
}

func TestCorruptionFixer(t *testing.T) {
	corruptInstance := func(t *testing.T, env *taskEnv) (*model.File, *model.Instance) {
		t.Helper()
		file, instance := env.seedStoredFile(t, "data.h5")
		abs, err := env.store.Resolve(instance.Path)
		if err != nil {
			t.Fatal(err)
		}
		os.Chmod(abs, 0o600)
		if err := os.WriteFile(abs, []byte("corrupted!!"), 0o600); err != nil {
			t.Fatal(err)
		}
		return file, instance
	}

	openTicket := func(t *testing.T, env *taskEnv, file *model.File, instance *model.Instance) *model.CorruptFile {
		t.Helper()
		ticket, err := env.db.CreateOrIncrementCorruptFile(&model.CorruptFile{
			FileName:     file.Name,
			FileSource:   file.Source,
			InstanceID:   instance.ID,
			InstancePath: instance.Path,
			CorruptCount: 1,
			CreatedTime:  env.clock.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		return ticket
	}

	t.Run("requests a replacement from the source", func(t *testing.T) {
		env := newTaskEnv(t)
		env.seedLibrarian(t, "site-b")
		peer := env.peers.Add("site-b")
		peer.ResendResponse.DestinationTransferIDs = []int64{91}

		file, instance := corruptInstance(t, env)
		ticket := openTicket(t, env, file, instance)

		task := tasks.NewCorruptionFixer(env.svc, librarian.NewNopLogger(), env.clock, time.Hour)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if len(peer.PrepareRequests) != 1 || len(peer.ResendRequests) != 1 {
			t.Fatalf("prepare = %d, resend = %d, want 1 each",
				len(peer.PrepareRequests), len(peer.ResendRequests))
		}
		if file, _ := env.db.FindFileByName("data.h5"); file != nil {
			t.Error("corrupt file record not deleted")
		}

		updated, _ := env.db.FindCorruptFileByID(ticket.ID)
		if !updated.ReplacementRequested {
			t.Error("ticket not marked replacement_requested")
		}
		if updated.IncomingTransferID != 91 {
			t.Errorf("IncomingTransferID = %d, want 91", updated.IncomingTransferID)
		}
	})

	t.Run("false positive closes the ticket", func(t *testing.T) {
		env := newTaskEnv(t)
		env.seedLibrarian(t, "site-b")
		env.peers.Add("site-b")

		// Bytes are fine; the ticket is stale.
		file, instance := env.seedStoredFile(t, "data.h5")
		ticket := openTicket(t, env, file, instance)

		task := tasks.NewCorruptionFixer(env.svc, librarian.NewNopLogger(), env.clock, time.Hour)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if got, _ := env.db.FindCorruptFileByID(ticket.ID); got != nil {
			t.Error("false-positive ticket not closed")
		}
		if file, _ := env.db.FindFileByName("data.h5"); file == nil {
			t.Error("healthy file was deleted")
		}
	})

	t.Run("landed replacement closes a waiting ticket", func(t *testing.T) {
		env := newTaskEnv(t)
		env.seedLibrarian(t, "site-b")
		env.peers.Add("site-b")

		// The replacement has already been ingested under the same name.
		file, instance := env.seedStoredFile(t, "data.h5")
		ticket := openTicket(t, env, file, instance)
		ticket.ReplacementRequested = true
		ticket.IncomingTransferID = 12345
		if err := env.db.UpdateCorruptFile(ticket); err != nil {
			t.Fatal(err)
		}

		task := tasks.NewCorruptionFixer(env.svc, librarian.NewNopLogger(), env.clock, time.Hour)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if got, _ := env.db.FindCorruptFileByID(ticket.ID); got != nil {
			t.Error("ticket not closed after replacement landed")
		}
	})

	t.Run("in-flight replacement holds the ticket without re-requesting", func(t *testing.T) {
		env := newTaskEnv(t)
		env.seedLibrarian(t, "site-b")
		peer := env.peers.Add("site-b")

		transfer, err := env.db.CreateIncomingTransfer(&model.IncomingTransfer{
			Status:           model.TransferOngoing,
			UploadName:       "data.h5",
			Source:           "site-b",
			TransferSize:     11,
			TransferChecksum: helloChecksum,
			TransferManager:  "local",
			StartTime:        env.clock.Now(),
			StoreID:          env.storeMeta.ID,
		})
		if err != nil {
			t.Fatal(err)
		}

		ticket, err := env.db.CreateOrIncrementCorruptFile(&model.CorruptFile{
			FileName:     "data.h5",
			FileSource:   "site-b",
			InstanceID:   999,
			CorruptCount: 1,
			CreatedTime:  env.clock.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		ticket.ReplacementRequested = true
		ticket.IncomingTransferID = transfer.ID
		if err := env.db.UpdateCorruptFile(ticket); err != nil {
			t.Fatal(err)
		}

		task := tasks.NewCorruptionFixer(env.svc, librarian.NewNopLogger(), env.clock, time.Hour)
		for i := 0; i < 2; i++ {
			if err := task.Run(context.Background(), time.Time{}); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
		}

		if len(peer.PrepareRequests) != 0 || len(peer.ResendRequests) != 0 {
			t.Errorf("prepare = %d, resend = %d, want 0 each while the replacement is in flight",
				len(peer.PrepareRequests), len(peer.ResendRequests))
		}
		updated, _ := env.db.FindCorruptFileByID(ticket.ID)
		if updated == nil {
			t.Fatal("ticket disappeared")
		}
		if !updated.ReplacementRequested || updated.IncomingTransferID != transfer.ID {
			t.Errorf("ticket mutated while waiting: requested = %v, transfer = %d",
				updated.ReplacementRequested, updated.IncomingTransferID)
		}
	})

	t.Run("dead replacement transfer resets the ticket", func(t *testing.T) {
		env := newTaskEnv(t)
		env.seedLibrarian(t, "site-b")
		env.peers.Add("site-b")

		transfer, err := env.db.CreateIncomingTransfer(&model.IncomingTransfer{
			Status:           model.TransferFailed,
			UploadName:       "data.h5",
			Source:           "site-b",
			TransferSize:     11,
			TransferChecksum: helloChecksum,
			TransferManager:  "local",
			StartTime:        env.clock.Now(),
			StoreID:          env.storeMeta.ID,
		})
		if err != nil {
			t.Fatal(err)
		}

		ticket, err := env.db.CreateOrIncrementCorruptFile(&model.CorruptFile{
			FileName:     "data.h5",
			FileSource:   "site-b",
			InstanceID:   999,
			CorruptCount: 1,
			CreatedTime:  env.clock.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
		ticket.ReplacementRequested = true
		ticket.IncomingTransferID = transfer.ID
		if err := env.db.UpdateCorruptFile(ticket); err != nil {
			t.Fatal(err)
		}

		task := tasks.NewCorruptionFixer(env.svc, librarian.NewNopLogger(), env.clock, time.Hour)
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		updated, _ := env.db.FindCorruptFileByID(ticket.ID)
		if updated == nil {
			t.Fatal("ticket disappeared")
		}
		if updated.ReplacementRequested {
			t.Error("ticket not reset after the replacement died")
		}
	})
}

func TestRollingDeletion(t *testing.T) {
	replicate := func(t *testing.T, env *taskEnv, fileName string, peerNames ...string) {
		t.Helper()
		for _, name := range peerNames {
			lib := env.seedLibrarian(t, name)
			if _, err := env.db.CreateRemoteInstance(&model.RemoteInstance{
				FileName: fileName, StoreID: 1, LibrarianID: lib.ID,
				CopyTime: env.clock.Now(), Sender: "site-a",
			}); err != nil {
				t.Fatal(err)
			}
		}
	}

	t.Run("replicated instance is reclaimed", func(t *testing.T) {
		env := newTaskEnv(t)
		_, instance := env.seedStoredFile(t, "data.h5")
		replicate(t, env, "data.h5", "site-b", "site-c")

		task := tasks.NewRollingDeletion(env.svc, librarian.NewNopLogger(), env.clock, tasks.RollingDeletionOptions{
			Interval:     24 * time.Hour,
			StoreName:    "scratch",
			Age:          time.Hour,
			RemoteCopies: 2,
			Force:        true,
		})
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if got, _ := env.db.FindInstanceByID(instance.ID); got != nil {
			t.Error("instance record not deleted")
		}
		if _, err := env.store.PathInfo(instance.Path, "md5"); err == nil {
			t.Error("instance bytes still present")
		}
	})

	t.Run("under-replicated instance is kept", func(t *testing.T) {
		env := newTaskEnv(t)
		_, instance := env.seedStoredFile(t, "data.h5")
		replicate(t, env, "data.h5", "site-b")

		task := tasks.NewRollingDeletion(env.svc, librarian.NewNopLogger(), env.clock, tasks.RollingDeletionOptions{
			Interval:     24 * time.Hour,
			StoreName:    "scratch",
			Age:          time.Hour,
			RemoteCopies: 2,
			Force:        true,
		})
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if got, _ := env.db.FindInstanceByID(instance.ID); got == nil {
			t.Error("under-replicated instance was deleted")
		}
	})

	t.Run("deletion policy is honored without force", func(t *testing.T) {
		env := newTaskEnv(t)
		_, instance := env.seedStoredFile(t, "data.h5")
		replicate(t, env, "data.h5", "site-b", "site-c")

		task := tasks.NewRollingDeletion(env.svc, librarian.NewNopLogger(), env.clock, tasks.RollingDeletionOptions{
			Interval:     24 * time.Hour,
			StoreName:    "scratch",
			Age:          time.Hour,
			RemoteCopies: 2,
		})
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if got, _ := env.db.FindInstanceByID(instance.ID); got == nil {
			t.Error("deletion-disallowed instance was deleted")
		}
	})

	t.Run("mark unavailable keeps the record", func(t *testing.T) {
		env := newTaskEnv(t)
		_, instance := env.seedStoredFile(t, "data.h5")
		replicate(t, env, "data.h5", "site-b", "site-c")

		task := tasks.NewRollingDeletion(env.svc, librarian.NewNopLogger(), env.clock, tasks.RollingDeletionOptions{
			Interval:        24 * time.Hour,
			StoreName:       "scratch",
			Age:             time.Hour,
			RemoteCopies:    2,
			MarkUnavailable: true,
			Force:           true,
		})
		if err := task.Run(context.Background(), time.Time{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		got, _ := env.db.FindInstanceByID(instance.ID)
		if got == nil {
			t.Fatal("instance record deleted despite mark-unavailable")
		}
		if got.Available {
			t.Error("instance still marked available")
		}
	})
}

func TestDuplicateCleanup(t *testing.T) {
	env := newTaskEnv(t)
	env.seedStoredFile(t, "data.h5")
	lib := env.seedLibrarian(t, "site-b")

	for i := 0; i < 3; i++ {
		if _, err := env.db.CreateRemoteInstance(&model.RemoteInstance{
			FileName: "data.h5", StoreID: 1, LibrarianID: lib.ID,
			CopyTime: env.clock.Now().Add(time.Duration(i) * time.Hour), Sender: "site-a",
		}); err != nil {
			t.Fatal(err)
		}
	}

	task := tasks.NewDuplicateCleanup(env.svc, librarian.NewNopLogger(), env.clock, 24*time.Hour)
	if err := task.Run(context.Background(), time.Time{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	remotes, err := env.db.FindRemoteInstances("data.h5", lib.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(remotes) != 1 {
		t.Errorf("remote instances = %d, want 1", len(remotes))
	}
}
