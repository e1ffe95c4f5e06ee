package librarian

import (
	"context"

	"librarian-go/internal/api"
)

// PeerClient talks to one remote librarian. Implementations authenticate
// every request with this node's account on the peer.
type PeerClient interface {
	// Ping verifies the peer is reachable and our credentials work.
	Ping(ctx context.Context) (*api.PingResponse, error)

	// StageClone asks the peer to reserve staging space for a file copy.
	StageClone(ctx context.Context, req *api.CloneStageRequest) (*api.CloneStageResponse, error)

	// CloneOngoing tells the peer bytes are in flight for a transfer.
	CloneOngoing(ctx context.Context, req *api.CloneOngoingRequest) error

	// CloneStaged tells the peer all bytes have landed in its staging
	// area.
	CloneStaged(ctx context.Context, req *api.CloneStagedRequest) error

	// CloneComplete tells the sending peer its file has been committed
	// here.
	CloneComplete(ctx context.Context, req *api.CloneCompleteRequest) error

	// CloneFail tells the peer a transfer has been abandoned.
	CloneFail(ctx context.Context, req *api.CloneFailRequest) error

	// CorruptPrepare asks the peer whether it can service a repair of
	// the named file.
	CorruptPrepare(ctx context.Context, req *api.CorruptPrepareRequest) (*api.CorruptPrepareResponse, error)

	// CorruptResend asks the peer to ship its good copy of the named
	// file back to us.
	CorruptResend(ctx context.Context, req *api.CorruptResendRequest) (*api.CorruptResendResponse, error)

	// ValidateFile asks the peer for checksum evidence for every copy of
	// a file it can reach.
	ValidateFile(ctx context.Context, fileName string) ([]api.ChecksumInfo, error)

	// TransfersStatus checks in with the peer and asks whether it still
	// accepts transfers involving us.
	TransfersStatus(ctx context.Context, req *api.TransfersStatusRequest) (*api.TransfersStatusResponse, error)

	// TransfersUpdate asks the peer to flip its circuit breaker for the
	// named librarian.
	TransfersUpdate(ctx context.Context, req *api.TransfersUpdateRequest) (*api.TransfersUpdateResponse, error)

	// TransferRecordStatus asks the peer for the status of one of its
	// transfer records, identified by direction and ID.
	TransferRecordStatus(ctx context.Context, req *api.TransferRecordStatusRequest) (*api.TransferRecordStatusResponse, error)
}

// PeerClientFactory builds a PeerClient for a known peer by name. It
// returns nil when the peer is not configured.
type PeerClientFactory interface {
	ClientFor(name string) PeerClient
}
