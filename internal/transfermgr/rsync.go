package transfermgr

import (
	"fmt"
	"os/exec"
	"time"

	"librarian-go/internal/checksum"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// Rsync ships bytes to a remote host over rsync. The destination host
// must accept passwordless ssh from the account running this process.
type Rsync struct {
	host string

	Attempted bool      `json:"transfer_attempted"`
	Complete  bool      `json:"transfer_complete"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Bytes     int64     `json:"bytes_transferred"`
}

func NewRsync(host string) *Rsync {
	return &Rsync{host: host}
}

func (m *Rsync) Name() string { return "rsync" }

func (m *Rsync) Valid() bool {
	if m.host == "" {
		return false
	}
	_, err := exec.LookPath("rsync")
	return err == nil
}

func (m *Rsync) BatchTransfer(pairs []librarian.TransferPair) error {
	m.StartTime = time.Now().UTC()
	m.Attempted = true

	var total int64
	for _, pair := range pairs {
		size, err := checksum.SizeOf(pair.Source)
		if err != nil {
			return fmt.Errorf("sizing %s: %w", pair.Source, err)
		}
		total += size
	}
	m.Bytes = total

	for _, pair := range pairs {
		// --mkpath creates missing destination parents, matching the
		// copy-based managers.
		cmd := exec.Command("rsync", "-a", "--mkpath",
			pair.Source, fmt.Sprintf("%s:%s", m.host, pair.Destination))
		if out, err := cmd.CombinedOutput(); err != nil {
			m.EndTime = time.Now().UTC()
			return fmt.Errorf("rsync %s to %s:%s: %w: %s",
				pair.Source, m.host, pair.Destination, err, out)
		}
	}

	m.Complete = true
	m.EndTime = time.Now().UTC()
	return nil
}

func (m *Rsync) TransferStatus() (model.TransferStatus, error) {
	if m.Complete {
		return model.TransferCompleted, nil
	}
	if m.Attempted {
		return model.TransferFailed, nil
	}
	return model.TransferInitiated, nil
}

func (m *Rsync) CompleteTransfer(queueID int64, now time.Time) (*model.CompletedTransfer, error) {
	record, err := completionRecord(m.Name(), queueID, m.StartTime, m.EndTime, now, m.Bytes)
	if err != nil {
		return nil, err
	}
	record.DestinationEndpointID = m.host
	return record, nil
}

func (m *Rsync) FailTransfer() error { return nil }

var _ librarian.TransferManager = (*Rsync)(nil)
