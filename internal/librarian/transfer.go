package librarian

import (
	"time"

	"librarian-go/internal/model"
)

// TransferPair names one source path to copy to one destination path.
type TransferPair struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Size        int64  `json:"size"`
}

// TransferManager moves file bytes between librarians. A manager instance
// is bound to one batch of transfers: BatchTransfer starts the batch,
// TransferStatus polls it, and exactly one of CompleteTransfer or
// FailTransfer finishes it. Manager state is serialized into the send
// queue between polls, so implementations must round-trip through JSON.
type TransferManager interface {
	// Name returns the manager type, e.g. "local" or "rsync".
	Name() string

	// Valid reports whether the manager can run in this process, e.g.
	// whether its destination is reachable.
	Valid() bool

	// BatchTransfer starts copying all pairs.
	BatchTransfer(pairs []TransferPair) error

	// TransferStatus reports the state of the running batch.
	TransferStatus() (model.TransferStatus, error)

	// CompleteTransfer finalizes a successful batch and returns its
	// metrics for the given send queue entry.
	CompleteTransfer(queueID int64, now time.Time) (*model.CompletedTransfer, error)

	// FailTransfer aborts the batch and releases any remote resources.
	FailTransfer() error
}

// ManagerRegistry creates transfer managers by type name. Create returns
// a fresh instance for a new batch; Restore rebuilds one from serialized
// batch state.
type ManagerRegistry interface {
	Names() []string
	Has(name string) bool
	Create(name string) (TransferManager, error)
	Restore(name string, state []byte) (TransferManager, error)
}
