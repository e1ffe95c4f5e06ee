package database

import (
	"testing"
	"time"

	"librarian-go/internal/model"
)

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}

	if _, err := db.db.Exec(Schema); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func seedFile(t *testing.T, db *SQLiteDatabase, name string) *model.File {
	t.Helper()
	file := &model.File{
		Name:       name,
		CreateTime: time.Now().UTC(),
		Size:       1024,
		Checksum:   "md5:::abcdef",
		Uploader:   "tester",
		Source:     "site-a",
	}
	if err := db.CreateFile(file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	return file
}

func seedStore(t *testing.T, db *SQLiteDatabase, name string) *model.StoreMetadata {
	t.Helper()
	meta, err := db.EnsureStore(&model.StoreMetadata{
		Name:       name,
		StoreType:  "local",
		Ingestable: true,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("EnsureStore() error = %v", err)
	}
	return meta
}

func seedLibrarian(t *testing.T, db *SQLiteDatabase, name string) *model.Librarian {
	t.Helper()
	l, err := db.CreateLibrarian(&model.Librarian{
		Name:             name,
		URL:              "http://" + name + ".example.org",
		TransfersEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateLibrarian() error = %v", err)
	}
	return l
}

func TestSQLiteDatabase_FindFileByName(t *testing.T) {
	t.Run("returns nil when file not found", func(t *testing.T) {
		db := newTestDB(t)

		file, err := db.FindFileByName("no/such/file")
		if err != nil {
			t.Fatalf("FindFileByName() error = %v", err)
		}
		if file != nil {
			t.Errorf("FindFileByName() = %v, want nil", file)
		}
	})

	t.Run("finds existing file", func(t *testing.T) {
		db := newTestDB(t)
		created := seedFile(t, db, "obs/2458432/data.uvh5")

		found, err := db.FindFileByName("obs/2458432/data.uvh5")
		if err != nil {
			t.Fatalf("FindFileByName() error = %v", err)
		}
		if found == nil {
			t.Fatal("FindFileByName() returned nil, want file")
		}
		if found.Checksum != created.Checksum {
			t.Errorf("Checksum = %q, want %q", found.Checksum, created.Checksum)
		}
		if found.Uploader != "tester" {
			t.Errorf("Uploader = %q, want tester", found.Uploader)
		}
	})

	t.Run("fails on duplicate name", func(t *testing.T) {
		db := newTestDB(t)
		seedFile(t, db, "obs/dup.dat")

		err := db.CreateFile(&model.File{Name: "obs/dup.dat", CreateTime: time.Now()})
		if err == nil {
			t.Error("CreateFile() expected error for duplicate name")
		}
	})
}

func TestSQLiteDatabase_DeleteFileCascades(t *testing.T) {
	db := newTestDB(t)
	file := seedFile(t, db, "obs/x.dat")
	store := seedStore(t, db, "primary")
	peer := seedLibrarian(t, db, "site-b")

	if _, err := db.CreateInstance(&model.Instance{
		Path: file.Name, FileName: file.Name, StoreID: store.ID,
		CreatedTime: time.Now(), Available: true,
	}); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if _, err := db.CreateRemoteInstance(&model.RemoteInstance{
		FileName: file.Name, StoreID: 1, LibrarianID: peer.ID, CopyTime: time.Now(),
	}); err != nil {
		t.Fatalf("CreateRemoteInstance() error = %v", err)
	}

	if err := db.DeleteFile(file.Name); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}

	instances, err := db.FindInstancesByFileName(file.Name)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 0 {
		t.Errorf("instances after delete = %d, want 0", len(instances))
	}
	remotes, err := db.FindRemoteInstancesByFile(file.Name)
	if err != nil {
		t.Fatal(err)
	}
	if len(remotes) != 0 {
		t.Errorf("remote instances after delete = %d, want 0", len(remotes))
	}
}

func TestSQLiteDatabase_FindInstancesForIntegrityCheck(t *testing.T) {
	db := newTestDB(t)
	file := seedFile(t, db, "obs/a.dat")
	store := seedStore(t, db, "primary")

	now := time.Now().UTC()

	// Never checked: should be returned first.
	never, err := db.CreateInstance(&model.Instance{
		Path: "a", FileName: file.Name, StoreID: store.ID,
		CreatedTime: now, Available: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Checked long ago: eligible.
	stale, err := db.CreateInstance(&model.Instance{
		Path: "b", FileName: file.Name, StoreID: store.ID,
		CreatedTime: now, Available: true, ChecksumTime: now.Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Checked recently: not eligible.
	if _, err := db.CreateInstance(&model.Instance{
		Path: "c", FileName: file.Name, StoreID: store.ID,
		CreatedTime: now, Available: true, ChecksumTime: now,
	}); err != nil {
		t.Fatal(err)
	}

	// Unavailable: never eligible.
	if _, err := db.CreateInstance(&model.Instance{
		Path: "d", FileName: file.Name, StoreID: store.ID,
		CreatedTime: now, Available: false,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := db.FindInstancesForIntegrityCheck(store.ID, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("FindInstancesForIntegrityCheck() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(instances) = %d, want 2", len(got))
	}
	if got[0].ID != never.ID {
		t.Errorf("first instance = %d, want never-checked %d", got[0].ID, never.ID)
	}
	if got[1].ID != stale.ID {
		t.Errorf("second instance = %d, want stale %d", got[1].ID, stale.ID)
	}
}

func TestSQLiteDatabase_FindDuplicateRemoteInstances(t *testing.T) {
	db := newTestDB(t)
	file := seedFile(t, db, "obs/a.dat")
	peer := seedLibrarian(t, db, "site-b")
	other := seedLibrarian(t, db, "site-c")

	now := time.Now().UTC()
	first, err := db.CreateRemoteInstance(&model.RemoteInstance{FileName: file.Name, LibrarianID: peer.ID, CopyTime: now})
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.CreateRemoteInstance(&model.RemoteInstance{FileName: file.Name, LibrarianID: peer.ID, CopyTime: now})
	if err != nil {
		t.Fatal(err)
	}
	// Different peer: not a duplicate.
	if _, err := db.CreateRemoteInstance(&model.RemoteInstance{FileName: file.Name, LibrarianID: other.ID, CopyTime: now}); err != nil {
		t.Fatal(err)
	}

	dups, err := db.FindDuplicateRemoteInstances()
	if err != nil {
		t.Fatalf("FindDuplicateRemoteInstances() error = %v", err)
	}
	if len(dups) != 1 {
		t.Fatalf("len(duplicates) = %d, want 1", len(dups))
	}
	if dups[0].ID != second.ID {
		t.Errorf("duplicate = %d, want %d (first row %d must survive)", dups[0].ID, second.ID, first.ID)
	}
}

func TestSQLiteDatabase_EnsureStore(t *testing.T) {
	db := newTestDB(t)

	first, err := db.EnsureStore(&model.StoreMetadata{Name: "primary", StoreType: "local", Ingestable: true, Enabled: true})
	if err != nil {
		t.Fatalf("EnsureStore() error = %v", err)
	}

	// Same name with changed flags updates in place.
	second, err := db.EnsureStore(&model.StoreMetadata{Name: "primary", StoreType: "local", Ingestable: false, Enabled: true})
	if err != nil {
		t.Fatalf("second EnsureStore() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("ID changed on upsert: %d -> %d", first.ID, second.ID)
	}
	if second.Ingestable {
		t.Error("Ingestable = true, want false after update")
	}
}

func TestSQLiteDatabase_FindActiveIncomingTransfer(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	created, err := db.CreateIncomingTransfer(&model.IncomingTransfer{
		Status: model.TransferInitiated, UploadName: "obs/a.dat", Source: "site-b",
		TransferSize: 10, TransferChecksum: "md5:::aa", StartTime: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("matches live transfer", func(t *testing.T) {
		found, err := db.FindActiveIncomingTransfer("obs/a.dat", "site-b")
		if err != nil {
			t.Fatal(err)
		}
		if found == nil || found.ID != created.ID {
			t.Errorf("found = %v, want id %d", found, created.ID)
		}
	})

	t.Run("ignores other source", func(t *testing.T) {
		found, err := db.FindActiveIncomingTransfer("obs/a.dat", "site-c")
		if err != nil {
			t.Fatal(err)
		}
		if found != nil {
			t.Errorf("found = %v, want nil", found)
		}
	})

	t.Run("ignores terminal transfer", func(t *testing.T) {
		created.Status = model.TransferFailed
		if err := db.UpdateIncomingTransfer(created); err != nil {
			t.Fatal(err)
		}
		found, err := db.FindActiveIncomingTransfer("obs/a.dat", "site-b")
		if err != nil {
			t.Fatal(err)
		}
		if found != nil {
			t.Errorf("found = %v, want nil", found)
		}
	})
}

func TestSQLiteDatabase_FindStaleIncomingTransfers(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	old, err := db.CreateIncomingTransfer(&model.IncomingTransfer{
		Status: model.TransferOngoing, UploadName: "a", Source: "site-b",
		TransferSize: 1, TransferChecksum: "x", StartTime: now.Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateIncomingTransfer(&model.IncomingTransfer{
		Status: model.TransferOngoing, UploadName: "b", Source: "site-b",
		TransferSize: 1, TransferChecksum: "x", StartTime: now,
	}); err != nil {
		t.Fatal(err)
	}
	// Terminal transfers are never stale.
	if _, err := db.CreateIncomingTransfer(&model.IncomingTransfer{
		Status: model.TransferCompleted, UploadName: "c", Source: "site-b",
		TransferSize: 1, TransferChecksum: "x", StartTime: now.Add(-48 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	stale, err := db.FindStaleIncomingTransfers(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("FindStaleIncomingTransfers() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("stale = %v, want only id %d", stale, old.ID)
	}
}

func TestSQLiteDatabase_ClaimUnconsumedSendQueue(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	entry, err := db.CreateSendQueueEntry(&model.SendQueue{
		CreatedTime: now, Destination: "site-b", TransferManager: "local",
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("claims unconsumed entry", func(t *testing.T) {
		claimed, err := db.ClaimUnconsumedSendQueue(now, time.Hour, 10)
		if err != nil {
			t.Fatalf("ClaimUnconsumedSendQueue() error = %v", err)
		}
		if len(claimed) != 1 || claimed[0].ID != entry.ID {
			t.Fatalf("claimed = %v, want id %d", claimed, entry.ID)
		}
	})

	t.Run("claimed entry is invisible until lease expires", func(t *testing.T) {
		claimed, err := db.ClaimUnconsumedSendQueue(now.Add(time.Minute), time.Hour, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(claimed) != 0 {
			t.Errorf("claimed = %v, want none while lease is held", claimed)
		}
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		claimed, err := db.ClaimUnconsumedSendQueue(now.Add(2*time.Hour), time.Hour, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(claimed) != 1 {
			t.Errorf("claimed = %v, want the entry back after lease expiry", claimed)
		}
	})

	t.Run("consumed entry is never claimed", func(t *testing.T) {
		entry.Consumed = true
		entry.ConsumedTime = now
		if err := db.UpdateSendQueueEntry(entry); err != nil {
			t.Fatal(err)
		}
		claimed, err := db.ClaimUnconsumedSendQueue(now.Add(4*time.Hour), time.Hour, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(claimed) != 0 {
			t.Errorf("claimed = %v, want none", claimed)
		}
	})
}

func TestSQLiteDatabase_CreateOrIncrementCorruptFile(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	first, err := db.CreateOrIncrementCorruptFile(&model.CorruptFile{
		FileName: "obs/a.dat", InstanceID: 7, CorruptCount: 1, CreatedTime: now,
	})
	if err != nil {
		t.Fatalf("CreateOrIncrementCorruptFile() error = %v", err)
	}
	if first.CorruptCount != 1 {
		t.Errorf("CorruptCount = %d, want 1", first.CorruptCount)
	}

	// Same file and instance: increments rather than duplicating.
	second, err := db.CreateOrIncrementCorruptFile(&model.CorruptFile{
		FileName: "obs/a.dat", InstanceID: 7, CorruptCount: 1, CreatedTime: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("ID = %d, want existing %d", second.ID, first.ID)
	}
	if second.CorruptCount != 2 {
		t.Errorf("CorruptCount = %d, want 2", second.CorruptCount)
	}

	// Different instance of the same file is a separate ticket.
	other, err := db.CreateOrIncrementCorruptFile(&model.CorruptFile{
		FileName: "obs/a.dat", InstanceID: 8, CorruptCount: 1, CreatedTime: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("expected a new ticket for a different instance")
	}
}

func TestSQLiteDatabase_ClaimCorruptFiles(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	ticket, err := db.CreateOrIncrementCorruptFile(&model.CorruptFile{
		FileName: "obs/a.dat", InstanceID: 1, CorruptCount: 1, CreatedTime: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := db.ClaimCorruptFiles(now, time.Hour, 10)
	if err != nil {
		t.Fatalf("ClaimCorruptFiles() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != ticket.ID {
		t.Fatalf("claimed = %v, want id %d", claimed, ticket.ID)
	}

	// Held lease hides the ticket.
	claimed, err = db.ClaimCorruptFiles(now.Add(time.Minute), time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed = %v, want none while lease is held", claimed)
	}

	// Once a replacement is requested the ticket leaves the claim pool.
	ticket.ReplacementRequested = true
	if err := db.UpdateCorruptFile(ticket); err != nil {
		t.Fatal(err)
	}
	claimed, err = db.ClaimCorruptFiles(now.Add(2*time.Hour), time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed = %v, want none after replacement requested", claimed)
	}

	awaiting, err := db.FindCorruptFilesAwaitingReplacement()
	if err != nil {
		t.Fatal(err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != ticket.ID {
		t.Errorf("awaiting = %v, want id %d", awaiting, ticket.ID)
	}
}

func TestSQLiteDatabase_IngestStagedFile(t *testing.T) {
	db := newTestDB(t)
	store := seedStore(t, db, "primary")
	now := time.Now().UTC()

	transfer, err := db.CreateIncomingTransfer(&model.IncomingTransfer{
		Status: model.TransferStaged, UploadName: "obs/a.dat", Source: "site-b",
		TransferSize: 10, TransferChecksum: "md5:::aa", StartTime: now,
		StoreID: store.ID, StagingToken: "tok", StagingPath: "/staging/tok/a.dat",
	})
	if err != nil {
		t.Fatal(err)
	}

	file := &model.File{Name: "obs/a.dat", CreateTime: now, Size: 10, Checksum: "md5:::aa", Source: "site-b"}
	instance := &model.Instance{
		Path: "obs/a.dat", FileName: file.Name, StoreID: store.ID,
		CreatedTime: now, Available: true,
	}
	transfer.Status = model.TransferCompleted
	transfer.EndTime = now
	transfer.StorePath = "obs/a.dat"

	if err := db.IngestStagedFile(file, instance, transfer); err != nil {
		t.Fatalf("IngestStagedFile() error = %v", err)
	}

	if instance.ID == 0 {
		t.Error("instance ID not assigned")
	}

	gotFile, err := db.FindFileByName("obs/a.dat")
	if err != nil {
		t.Fatal(err)
	}
	if gotFile == nil {
		t.Fatal("file not created")
	}

	gotTransfer, err := db.FindIncomingTransferByID(transfer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotTransfer.Status != model.TransferCompleted {
		t.Errorf("transfer status = %v, want COMPLETED", gotTransfer.Status)
	}
	if gotTransfer.StagingToken != "" {
		t.Errorf("staging token = %q, want cleared", gotTransfer.StagingToken)
	}

	// Ingesting a second instance of the same file must not fail on the
	// existing file row.
	second := &model.Instance{
		Path: "obs/a.dat.2", FileName: file.Name, StoreID: store.ID,
		CreatedTime: now, Available: true,
	}
	transfer2, err := db.CreateIncomingTransfer(&model.IncomingTransfer{
		Status: model.TransferStaged, UploadName: "obs/a.dat", Source: "site-c",
		TransferSize: 10, TransferChecksum: "md5:::aa", StartTime: now, StoreID: store.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	transfer2.Status = model.TransferCompleted
	transfer2.EndTime = now
	if err := db.IngestStagedFile(file, second, transfer2); err != nil {
		t.Fatalf("second IngestStagedFile() error = %v", err)
	}
}

func TestSQLiteDatabase_ErrorLog(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	rec := &model.ErrorRecord{
		Severity: model.SeverityError, Category: model.CategoryDataIntegrity,
		Message: "checksum mismatch on obs/a.dat", RaisedTime: now,
	}
	if err := db.CreateErrorRecord(rec); err != nil {
		t.Fatalf("CreateErrorRecord() error = %v", err)
	}

	active, err := db.ListErrorRecords(false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}

	if err := db.ClearErrorRecord(rec.ID, now); err != nil {
		t.Fatalf("ClearErrorRecord() error = %v", err)
	}

	active, err = db.ListErrorRecords(false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("len(active) = %d, want 0 after clearing", len(active))
	}

	all, err := db.ListErrorRecords(true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("len(all) = %d, want 1", len(all))
	}
}

func TestSQLiteDatabase_Users(t *testing.T) {
	db := newTestDB(t)

	user := &model.User{Username: "site-b", AuthLevel: model.AuthCallback, PasswordHash: "hash1"}
	if err := db.CreateUser(user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	found, err := db.FindUserByName("site-b")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.AuthLevel != model.AuthCallback {
		t.Errorf("found = %+v, want callback-level user", found)
	}

	if err := db.SetUserPassword("site-b", "hash2"); err != nil {
		t.Fatalf("SetUserPassword() error = %v", err)
	}
	found, err = db.FindUserByName("site-b")
	if err != nil {
		t.Fatal(err)
	}
	if found.PasswordHash != "hash2" {
		t.Errorf("PasswordHash = %q, want hash2", found.PasswordHash)
	}

	if err := db.SetUserPassword("nobody", "x"); err == nil {
		t.Error("SetUserPassword() expected error for unknown user")
	}
}
