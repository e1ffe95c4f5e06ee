// Package api defines the JSON request and response bodies exchanged
// between librarians and by administrative clients. Field names form the
// wire format; both sides of a federation must agree on them.
package api

import "time"

// ErrorResponse is the body returned with any non-2xx status.
type ErrorResponse struct {
	Reason          string `json:"reason"`
	SuggestedRemedy string `json:"suggested_remedy,omitempty"`
}

// PingRequest asks a librarian to identify itself.
type PingRequest struct{}

// PingResponse identifies the responding librarian.
type PingResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CloneStageRequest asks the destination librarian to prepare staging
// space for an inbound copy of a file.
type CloneStageRequest struct {
	UploadName     string `json:"upload_name"`
	UploadSize     int64  `json:"upload_size"`
	UploadChecksum string `json:"upload_checksum"`
	Uploader       string `json:"uploader"`
	Source         string `json:"source"`
	// SourceTransferID is the outgoing transfer ID on the sending side,
	// echoed back in every callback so the two sides stay correlated.
	SourceTransferID int64 `json:"source_transfer_id"`
}

// CloneStageResponse tells the sender where to put the bytes.
type CloneStageResponse struct {
	DestinationTransferID int64    `json:"destination_transfer_id"`
	StoreName             string   `json:"store_name"`
	StagingPath           string   `json:"staging_location"`
	TransferProviders     []string `json:"transfer_providers"`
	AvailableBytes        int64    `json:"available_bytes_on_store"`
}

// CloneOngoingRequest notifies the destination that bytes are in flight.
type CloneOngoingRequest struct {
	SourceTransferID      int64  `json:"source_transfer_id"`
	DestinationTransferID int64  `json:"destination_transfer_id"`
	TransferManager       string `json:"transfer_manager"`
}

// CloneStagedRequest notifies the destination that all bytes have landed
// in its staging area and the transfer is ready for ingest.
type CloneStagedRequest struct {
	SourceTransferID      int64 `json:"source_transfer_id"`
	DestinationTransferID int64 `json:"destination_transfer_id"`
}

// CloneCompleteRequest notifies the sender that the destination has
// verified and committed the file.
type CloneCompleteRequest struct {
	SourceTransferID      int64  `json:"source_transfer_id"`
	DestinationTransferID int64  `json:"destination_transfer_id"`
	StoreName             string `json:"store_name"`
}

// CloneFailRequest notifies the other side that a transfer has been
// abandoned so it can release its half of the state.
type CloneFailRequest struct {
	SourceTransferID      int64  `json:"source_transfer_id"`
	DestinationTransferID int64  `json:"destination_transfer_id"`
	Reason                string `json:"reason"`
}

// CorruptPrepareRequest asks the librarian that holds a good copy of a
// file whether it can service a repair.
type CorruptPrepareRequest struct {
	FileName      string `json:"file_name"`
	LibrarianName string `json:"librarian_name"`
}

// CorruptPrepareResponse reports whether the responding librarian holds
// a verified copy it can resend.
type CorruptPrepareResponse struct {
	Ready bool `json:"ready"`
}

// CorruptResendRequest asks the holder of a good copy to ship it back to
// the requesting librarian.
type CorruptResendRequest struct {
	FileName      string `json:"file_name"`
	LibrarianName string `json:"librarian_name"`
}

// CorruptResendResponse confirms the repair transfer has been enqueued.
type CorruptResendResponse struct {
	Success                bool    `json:"success"`
	DestinationTransferIDs []int64 `json:"destination_transfer_ids"`
}

// ValidateFileRequest asks for fresh checksum evidence for every copy of
// a file reachable from the responding librarian.
type ValidateFileRequest struct {
	FileName string `json:"file_name"`
}

// ChecksumInfo is one copy's checksum evidence.
type ChecksumInfo struct {
	Librarian        string    `json:"librarian"`
	Store            string    `json:"store"`
	InstanceID       int64     `json:"instance_id"`
	OriginalChecksum string    `json:"original_checksum"`
	CurrentChecksum  string    `json:"current_checksum"`
	ChecksumsMatch   bool      `json:"computed_same_checksum"`
	Size             int64     `json:"size"`
	ChecksumTime     time.Time `json:"checksum_time"`
}

// ValidateFileResponse lists the checksum evidence gathered locally and
// from downstream librarians.
type ValidateFileResponse struct {
	Checksums []ChecksumInfo `json:"checksums"`
}

// TransfersStatusRequest is a peer's check-in asking whether we still
// accept transfers involving it. Peers may only ask about themselves.
type TransfersStatusRequest struct {
	LibrarianName string `json:"librarian_name"`
}

// TransfersStatusResponse reports the circuit-breaker state for the
// named librarian.
type TransfersStatusResponse struct {
	LibrarianName    string `json:"librarian_name"`
	TransfersEnabled bool   `json:"transfers_enabled"`
}

// TransfersUpdateRequest flips the circuit breaker for the named
// librarian. Peers may only update their own record; administrators may
// update any.
type TransfersUpdateRequest struct {
	LibrarianName    string `json:"librarian_name"`
	TransfersEnabled bool   `json:"transfers_enabled"`
}

// TransfersUpdateResponse confirms a circuit-breaker update.
type TransfersUpdateResponse struct {
	Success bool `json:"success"`
}

// TransferRecordStatusRequest asks a peer for the current status of one
// of its transfer records. The hypervisor tasks use this to reconcile
// drifted state against the correlated record on the other side.
type TransferRecordStatusRequest struct {
	// Direction selects which table the ID refers to on the peer:
	// "incoming" or "outgoing".
	Direction  string `json:"direction"`
	TransferID int64  `json:"transfer_id"`
}

// TransferRecordStatusResponse reports the status of a transfer record.
type TransferRecordStatusResponse struct {
	TransferID int64  `json:"transfer_id"`
	Status     string `json:"status"`
}

// AdminAddFileRequest registers a file that already exists on a store,
// bypassing the transfer machinery. Operator recovery tool.
type AdminAddFileRequest struct {
	Name       string    `json:"name"`
	CreateTime time.Time `json:"create_time"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	Uploader   string    `json:"uploader"`
	Source     string    `json:"source"`
	Path       string    `json:"path"`
	StoreName  string    `json:"store_name"`
}

// AdminAddFileResponse confirms registration.
type AdminAddFileResponse struct {
	Success    bool  `json:"success"`
	FileExists bool  `json:"already_exists"`
	InstanceID int64 `json:"instance_id,omitempty"`
}

// AdminVerifyFileRequest asks for an immediate recheck of every local
// instance of a file.
type AdminVerifyFileRequest struct {
	Name string `json:"name"`
}

// AdminVerifyFileResponse reports the recheck results.
type AdminVerifyFileResponse struct {
	Verified  bool           `json:"verified"`
	Checksums []ChecksumInfo `json:"checksums"`
}

// ErrorRecordInfo is one row of the persistent error log.
type ErrorRecordInfo struct {
	ID         int64     `json:"id"`
	Severity   string    `json:"severity"`
	Category   string    `json:"category"`
	Message    string    `json:"message"`
	RaisedTime time.Time `json:"raised_time"`
	Cleared    bool      `json:"cleared"`
}

// ErrorListResponse lists error log rows, newest first.
type ErrorListResponse struct {
	Errors []ErrorRecordInfo `json:"errors"`
}

// ErrorClearRequest marks an error log row as handled.
type ErrorClearRequest struct {
	ID int64 `json:"id"`
}

// ErrorClearResponse confirms an error log row was cleared.
type ErrorClearResponse struct {
	Success bool `json:"success"`
}
