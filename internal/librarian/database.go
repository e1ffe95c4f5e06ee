package librarian

import (
	"time"

	"librarian-go/internal/model"
)

// Database provides an interface for metadata storage operations.
// All methods should be implemented with appropriate transaction handling.
// Find methods return nil without error when no row matches.
type Database interface {
	// File operations

	// CreateFile records a new file. File names are globally unique.
	CreateFile(file *model.File) error

	// FindFileByName returns a file by its unique name.
	FindFileByName(name string) (*model.File, error)

	// DeleteFile removes a file along with its instances and remote
	// instances.
	DeleteFile(name string) error

	// FindFilesWithoutRemoteInstance returns files created before the
	// cutoff that have an available local instance but no remote instance
	// on the given peer, oldest first. These are the replication
	// candidates for that peer.
	FindFilesWithoutRemoteInstance(librarianID int64, cutoff time.Time, limit int) ([]*model.File, error)

	// Instance operations

	// CreateInstance records a local copy of a file and assigns its ID.
	CreateInstance(instance *model.Instance) (*model.Instance, error)

	// FindInstanceByID returns an instance by ID.
	FindInstanceByID(id int64) (*model.Instance, error)

	// FindInstancesByFileName returns all local instances of a file.
	FindInstancesByFileName(fileName string) ([]*model.Instance, error)

	// FindInstancesForIntegrityCheck returns available instances on a
	// store whose checksum has not been recalculated since the cutoff,
	// oldest first.
	FindInstancesForIntegrityCheck(storeID int64, cutoff time.Time, limit int) ([]*model.Instance, error)

	// FindInstancesOlderThan returns available instances on a store
	// created before the cutoff, oldest first. These are the candidates
	// for rolling deletion.
	FindInstancesOlderThan(storeID int64, cutoff time.Time, limit int) ([]*model.Instance, error)

	// UpdateInstanceChecksum records a freshly calculated checksum and
	// size for an instance.
	UpdateInstanceChecksum(id int64, checksum string, size int64, at time.Time) error

	// SetInstanceAvailable marks an instance available or unavailable.
	SetInstanceAvailable(id int64, available bool) error

	// DeleteInstance removes an instance record.
	DeleteInstance(id int64) error

	// RemoteInstance operations

	// CreateRemoteInstance records a copy of a file held by a peer.
	CreateRemoteInstance(ri *model.RemoteInstance) (*model.RemoteInstance, error)

	// FindRemoteInstances returns the remote instance records for a file
	// on a specific peer.
	FindRemoteInstances(fileName string, librarianID int64) ([]*model.RemoteInstance, error)

	// FindRemoteInstancesByFile returns all remote instance records for a
	// file across all peers.
	FindRemoteInstancesByFile(fileName string) ([]*model.RemoteInstance, error)

	// FindDuplicateRemoteInstances returns redundant remote instance rows:
	// for every (file, librarian) pair with more than one record, all
	// records except the oldest.
	FindDuplicateRemoteInstances() ([]*model.RemoteInstance, error)

	// DeleteRemoteInstance removes a remote instance record.
	DeleteRemoteInstance(id int64) error

	// Librarian operations

	// CreateLibrarian registers a known peer.
	CreateLibrarian(l *model.Librarian) (*model.Librarian, error)

	// FindLibrarianByName returns a peer by name.
	FindLibrarianByName(name string) (*model.Librarian, error)

	// FindLibrarianByID returns a peer by ID.
	FindLibrarianByID(id int64) (*model.Librarian, error)

	// ListLibrarians returns all known peers.
	ListLibrarians() ([]*model.Librarian, error)

	// SetLibrarianTransfersEnabled flips the circuit breaker for a peer.
	SetLibrarianTransfersEnabled(id int64, enabled bool) error

	// Store operations

	// EnsureStore upserts store metadata by name and returns the stored
	// row. Configured stores are synced into the database at startup so
	// instances can reference them by ID.
	EnsureStore(meta *model.StoreMetadata) (*model.StoreMetadata, error)

	// FindStoreByName returns store metadata by name.
	FindStoreByName(name string) (*model.StoreMetadata, error)

	// FindStoreByID returns store metadata by ID.
	FindStoreByID(id int64) (*model.StoreMetadata, error)

	// IncomingTransfer operations

	// CreateIncomingTransfer records a new inbound transfer and assigns
	// its ID.
	CreateIncomingTransfer(t *model.IncomingTransfer) (*model.IncomingTransfer, error)

	// FindIncomingTransferByID returns an inbound transfer by ID.
	FindIncomingTransferByID(id int64) (*model.IncomingTransfer, error)

	// FindIncomingTransfersByStatus returns inbound transfers in any of
	// the given states, oldest first.
	FindIncomingTransfersByStatus(statuses ...model.TransferStatus) ([]*model.IncomingTransfer, error)

	// FindActiveIncomingTransfer returns a live (non-terminal) inbound
	// transfer for the given upload name and source, if one exists.
	FindActiveIncomingTransfer(uploadName, source string) (*model.IncomingTransfer, error)

	// FindStaleIncomingTransfers returns live inbound transfers that
	// started before the cutoff.
	FindStaleIncomingTransfers(cutoff time.Time) ([]*model.IncomingTransfer, error)

	// UpdateIncomingTransfer persists changes to an inbound transfer.
	UpdateIncomingTransfer(t *model.IncomingTransfer) error

	// OutgoingTransfer operations

	// CreateOutgoingTransfer records a new outbound transfer and assigns
	// its ID.
	CreateOutgoingTransfer(t *model.OutgoingTransfer) (*model.OutgoingTransfer, error)

	// FindOutgoingTransferByID returns an outbound transfer by ID.
	FindOutgoingTransferByID(id int64) (*model.OutgoingTransfer, error)

	// FindOutgoingTransfersByStatus returns outbound transfers in any of
	// the given states, oldest first.
	FindOutgoingTransfersByStatus(statuses ...model.TransferStatus) ([]*model.OutgoingTransfer, error)

	// FindOutgoingTransfersBySendQueue returns the outbound transfers
	// batched under a send queue entry.
	FindOutgoingTransfersBySendQueue(queueID int64) ([]*model.OutgoingTransfer, error)

	// FindStaleOutgoingTransfers returns live outbound transfers that
	// started before the cutoff.
	FindStaleOutgoingTransfers(cutoff time.Time) ([]*model.OutgoingTransfer, error)

	// UpdateOutgoingTransfer persists changes to an outbound transfer.
	UpdateOutgoingTransfer(t *model.OutgoingTransfer) error

	// SendQueue operations

	// CreateSendQueueEntry records a new batch of outbound transfers and
	// assigns its ID.
	CreateSendQueueEntry(q *model.SendQueue) (*model.SendQueue, error)

	// ClaimUnconsumedSendQueue leases up to limit unconsumed queue
	// entries to the caller until now+lease. Entries already leased by
	// another worker are skipped.
	ClaimUnconsumedSendQueue(now time.Time, lease time.Duration, limit int) ([]*model.SendQueue, error)

	// FindConsumedSendQueue returns queue entries whose transfer has been
	// handed to a transfer manager but has not yet completed or failed.
	FindConsumedSendQueue() ([]*model.SendQueue, error)

	// FindSendQueueEntryByID returns a queue entry by ID.
	FindSendQueueEntryByID(id int64) (*model.SendQueue, error)

	// UpdateSendQueueEntry persists changes to a queue entry.
	UpdateSendQueueEntry(q *model.SendQueue) error

	// CompletedTransfer operations

	// CreateCompletedTransfer records the final metrics for a send queue
	// entry.
	CreateCompletedTransfer(ct *model.CompletedTransfer) error

	// FindCompletedTransferByQueueID returns the metrics row for a queue
	// entry.
	FindCompletedTransferByQueueID(queueID int64) (*model.CompletedTransfer, error)

	// CorruptFile operations

	// CreateOrIncrementCorruptFile records a corruption detection. If an
	// unresolved record for the same instance already exists its failure
	// count is incremented instead.
	CreateOrIncrementCorruptFile(cf *model.CorruptFile) (*model.CorruptFile, error)

	// ClaimCorruptFiles leases up to limit corrupt file records with no
	// outstanding replacement request to the caller until now+lease.
	ClaimCorruptFiles(now time.Time, lease time.Duration, limit int) ([]*model.CorruptFile, error)

	// FindCorruptFilesAwaitingReplacement returns corrupt file records
	// whose replacement has been requested from the source librarian.
	FindCorruptFilesAwaitingReplacement() ([]*model.CorruptFile, error)

	// FindCorruptFileByID returns a corrupt file record by ID.
	FindCorruptFileByID(id int64) (*model.CorruptFile, error)

	// UpdateCorruptFile persists changes to a corrupt file record.
	UpdateCorruptFile(cf *model.CorruptFile) error

	// DeleteCorruptFile removes a corrupt file record.
	DeleteCorruptFile(id int64) error

	// Error log operations

	// CreateErrorRecord appends to the persistent error log.
	CreateErrorRecord(e *model.ErrorRecord) error

	// ListErrorRecords returns error log entries, newest first. Cleared
	// entries are included only when includeCleared is set.
	ListErrorRecords(includeCleared bool, limit int) ([]*model.ErrorRecord, error)

	// ClearErrorRecord marks an error log entry as handled.
	ClearErrorRecord(id int64, at time.Time) error

	// User operations

	// CreateUser registers an account for API authentication.
	CreateUser(u *model.User) error

	// FindUserByName returns an account by username.
	FindUserByName(username string) (*model.User, error)

	// SetUserPassword replaces the stored password hash for an account.
	SetUserPassword(username string, passwordHash string) error

	// Compound operations

	// IngestStagedFile atomically creates the file and instance records
	// for a completed inbound transfer and marks the transfer completed.
	IngestStagedFile(file *model.File, instance *model.Instance, transfer *model.IncomingTransfer) error

	// CheckMigrations verifies the schema is up to date.
	CheckMigrations() error

	// Close closes the database connection.
	Close() error
}
