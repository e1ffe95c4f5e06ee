package model

import "time"

// TransferStatus tracks a transfer record through its lifecycle.
// INITIATED, STAGED and ONGOING are live states; COMPLETED, FAILED and
// CANCELLED are terminal.
type TransferStatus int

const (
	TransferInitiated TransferStatus = iota
	TransferOngoing
	TransferStaged
	TransferCompleted
	TransferFailed
	TransferCancelled
)

func (s TransferStatus) String() string {
	switch s {
	case TransferInitiated:
		return "INITIATED"
	case TransferOngoing:
		return "ONGOING"
	case TransferStaged:
		return "STAGED"
	case TransferCompleted:
		return "COMPLETED"
	case TransferFailed:
		return "FAILED"
	case TransferCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseTransferStatus maps a wire string back to its enum value.
func ParseTransferStatus(s string) (TransferStatus, bool) {
	switch s {
	case "INITIATED":
		return TransferInitiated, true
	case "ONGOING":
		return TransferOngoing, true
	case "STAGED":
		return TransferStaged, true
	case "COMPLETED":
		return TransferCompleted, true
	case "FAILED":
		return TransferFailed, true
	case "CANCELLED":
		return TransferCancelled, true
	}
	return TransferInitiated, false
}

// Terminal reports whether no further transitions are allowed from s.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferCancelled
}

// CanTransition reports whether a status mutation from s to next is legal.
// Forward progress runs INITIATED → ONGOING → STAGED → COMPLETED; the
// hypervisor may also correct ONGOING back to STAGED when the peer's record
// is ahead of ours. FAILED and CANCELLED are reachable from any live state.
func (s TransferStatus) CanTransition(next TransferStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TransferFailed || next == TransferCancelled {
		return true
	}
	switch s {
	case TransferInitiated:
		return next == TransferOngoing || next == TransferStaged
	case TransferOngoing:
		return next == TransferStaged || next == TransferCompleted
	case TransferStaged:
		return next == TransferOngoing || next == TransferCompleted
	}
	return false
}

// DeletionPolicy controls whether an instance's bytes may be removed by
// routine maintenance. A forced delete (corruption repair, admin action)
// ignores it.
type DeletionPolicy int

const (
	DeletionDisallowed DeletionPolicy = iota
	DeletionAllowed
)

func (p DeletionPolicy) String() string {
	if p == DeletionAllowed {
		return "ALLOWED"
	}
	return "DISALLOWED"
}

// File is a uniquely named logical object tracked by this node. The name is
// the primary key and doubles as the file's path-like identity.
type File struct {
	Name       string
	CreateTime time.Time
	Size       int64
	Checksum   string // self-describing, "algorithm:::hexdigest"
	Uploader   string
	Source     string // originating node or uploader
}

// Instance is one physical copy of a File on one of our stores.
type Instance struct {
	ID             int64
	Path           string
	FileName       string
	StoreID        int64
	DeletionPolicy DeletionPolicy
	CreatedTime    time.Time
	Available      bool // false: metadata retained but bytes are gone

	// Cached checksum triple; valid only while the configured cache
	// timeout has not elapsed since ChecksumTime.
	CalculatedChecksum string
	CalculatedSize     int64
	ChecksumTime       time.Time
}

// RemoteInstance records our belief that a peer librarian holds a copy of a
// File. The store id belongs to the peer's database and is opaque here.
type RemoteInstance struct {
	ID          int64
	FileName    string
	StoreID     int64
	LibrarianID int64
	CopyTime    time.Time
	Sender      string
}

// Librarian is a peer node we can exchange files with. TransfersEnabled is a
// circuit breaker: when false we refuse to originate new outbound transfers
// involving that peer.
type Librarian struct {
	ID               int64
	Name             string
	URL              string
	Authenticator    string // "user:password" credentials for outbound calls
	TransfersEnabled bool
}

// StoreMetadata is the database record for a configured store. The behavior
// object implementing the store contract is constructed from configuration
// and looked up by this record's id; the row itself only carries identity
// and flags.
type StoreMetadata struct {
	ID         int64
	Name       string
	StoreType  string
	Ingestable bool
	Enabled    bool
}

// IncomingTransfer is the receiving side's record of one replication.
type IncomingTransfer struct {
	ID               int64
	Status           TransferStatus
	UploadName       string
	Uploader         string
	Source           string // name of the sending librarian
	TransferSize     int64
	TransferChecksum string
	TransferManager  string
	StartTime        time.Time
	EndTime          time.Time
	StoreID          int64
	StagingToken     string
	StagingPath      string
	StorePath        string
	SourceTransferID int64 // the correlated OutgoingTransfer id on the source node
}

// OutgoingTransfer is the sending side's record of one replication.
type OutgoingTransfer struct {
	ID               int64
	Status           TransferStatus
	Destination      string // name of the receiving librarian
	FileName         string
	InstanceID       int64
	TransferSize     int64
	TransferChecksum string
	TransferManager  string
	StartTime        time.Time
	EndTime          time.Time
	SourcePath       string // local instance path
	DestPath         string // staging path on the destination
	RemoteTransferID int64  // the correlated IncomingTransfer id on the destination
	SendQueueID      int64  // zero until the transfer is booked onto a queue item
}

// SendQueue is a sending-side work item binding a batch of OutgoingTransfers
// to one concrete transfer-manager invocation. TransferData carries the
// manager's serialized state (task id, timings) between scheduler ticks.
type SendQueue struct {
	ID              int64
	CreatedTime     time.Time
	Destination     string
	TransferManager string
	TransferData    []byte // JSON-encoded manager state
	Retries         int64
	Consumed        bool
	ConsumedTime    time.Time
	Completed       bool
	CompletedTime   time.Time
	Failed          bool
}

// CompletedTransfer is the performance record written once a transfer
// manager confirms a SendQueue item succeeded. 1:1 with its queue item.
type CompletedTransfer struct {
	SendQueueID           int64
	TaskID                string
	SourceEndpointID      string
	DestinationEndpointID string
	StartTime             time.Time
	EndTime               time.Time
	DurationSeconds       float64
	BytesTransferred      int64
	EffectiveBandwidthBPS float64
}

// CorruptFile is a detected-corruption ticket driving the repair workflow.
// File and instance are referenced by value, not foreign key: repair deletes
// the file row before the replacement arrives.
type CorruptFile struct {
	ID                   int64
	FileName             string
	FileSource           string
	InstanceID           int64
	InstancePath         string
	CorruptSize          int64
	CorruptChecksum      string
	CorruptCount         int64
	ReplacementRequested bool
	IncomingTransferID   int64 // set once a replacement has been requested
	CreatedTime          time.Time
}

// ErrorSeverity classifies durable error-log rows.
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ErrorCategory groups durable error-log rows by subsystem.
type ErrorCategory int

const (
	CategoryDataIntegrity ErrorCategory = iota
	CategoryDataAvailability
	CategoryConfiguration
	CategoryTransfer
	CategoryProgramming
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryDataIntegrity:
		return "DATA_INTEGRITY"
	case CategoryDataAvailability:
		return "DATA_AVAILABILITY"
	case CategoryConfiguration:
		return "CONFIGURATION"
	case CategoryTransfer:
		return "TRANSFER"
	case CategoryProgramming:
		return "PROGRAMMING"
	default:
		return "UNKNOWN"
	}
}

// ErrorRecord is an append-only operational log row for failures that are
// recoverable but notable.
type ErrorRecord struct {
	ID          int64
	Severity    ErrorSeverity
	Category    ErrorCategory
	Message     string
	Caller      string
	RaisedTime  time.Time
	Cleared     bool
	ClearedTime time.Time
}

// AuthLevel is the permission tier of an API user.
type AuthLevel int

const (
	AuthReadonly AuthLevel = iota
	AuthCallback // a peer librarian calling our peer-facing endpoints
	AuthAdmin
)

// User is an API account. Peer librarians authenticate as users at the
// CALLBACK level whose username matches their librarian name.
type User struct {
	ID           int64
	Username     string
	AuthLevel    AuthLevel
	PasswordHash string
}
