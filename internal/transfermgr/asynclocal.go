package transfermgr

import (
	"fmt"
	"os"
	"time"

	"librarian-go/internal/checksum"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// AsyncLocal copies bytes across a filesystem shared between two
// librarians, e.g. a cluster scratch mount. It only runs on hosts
// named in its configuration, since both sides must see the same
// paths.
type AsyncLocal struct {
	hostnames []string

	Attempted bool      `json:"transfer_attempted"`
	Complete  bool      `json:"transfer_complete"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Bytes     int64     `json:"bytes_transferred"`
}

func NewAsyncLocal(hostnames []string) *AsyncLocal {
	return &AsyncLocal{hostnames: hostnames}
}

func (m *AsyncLocal) Name() string { return "asynclocal" }

func (m *AsyncLocal) Valid() bool {
	host, err := os.Hostname()
	if err != nil {
		return false
	}
	for _, h := range m.hostnames {
		if h == host {
			return true
		}
	}
	return false
}

func (m *AsyncLocal) BatchTransfer(pairs []librarian.TransferPair) error {
	m.StartTime = time.Now().UTC()

	var total int64
	for _, pair := range pairs {
		size, err := checksum.SizeOf(pair.Source)
		if err != nil {
			return fmt.Errorf("sizing %s: %w", pair.Source, err)
		}
		total += size
	}
	m.Bytes = total

	success := true
	for _, pair := range pairs {
		if err := copyWithPermissions(pair.Source, pair.Destination); err != nil {
			success = false
		}
	}

	m.Attempted = true
	m.Complete = success
	m.EndTime = time.Now().UTC()

	if !success {
		return fmt.Errorf("asynclocal batch of %d pairs did not fully copy", len(pairs))
	}
	return nil
}

func (m *AsyncLocal) TransferStatus() (model.TransferStatus, error) {
	if m.Complete {
		return model.TransferCompleted, nil
	}
	if m.Attempted {
		return model.TransferFailed, nil
	}
	return model.TransferInitiated, nil
}

func (m *AsyncLocal) CompleteTransfer(queueID int64, now time.Time) (*model.CompletedTransfer, error) {
	return completionRecord(m.Name(), queueID, m.StartTime, m.EndTime, now, m.Bytes)
}

func (m *AsyncLocal) FailTransfer() error { return nil }

var _ librarian.TransferManager = (*AsyncLocal)(nil)
