package transfermgr

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"librarian-go/internal/checksum"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// Local copies bytes between two paths on the same filesystem,
// synchronously inside BatchTransfer.
type Local struct {
	Attempted bool      `json:"transfer_attempted"`
	Complete  bool      `json:"transfer_complete"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Bytes     int64     `json:"bytes_transferred"`
}

func NewLocal() *Local { return &Local{} }

func (m *Local) Name() string { return "local" }
func (m *Local) Valid() bool  { return true }

func (m *Local) BatchTransfer(pairs []librarian.TransferPair) error {
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
		if err := copyWithPermissions(pair.Source, pair.Destination); err != nil {
			m.EndTime = time.Now().UTC()
			return fmt.Errorf("copying %s to %s: %w", pair.Source, pair.Destination, err)
		}
	}

	m.Complete = true
	m.EndTime = time.Now().UTC()
	return nil
}

func (m *Local) TransferStatus() (model.TransferStatus, error) {
	if m.Complete {
		return model.TransferCompleted, nil
	}
	if m.Attempted {
		return model.TransferFailed, nil
	}
	return model.TransferInitiated, nil
}

func (m *Local) CompleteTransfer(queueID int64, now time.Time) (*model.CompletedTransfer, error) {
	return completionRecord(m.Name(), queueID, m.StartTime, m.EndTime, now, m.Bytes)
}

func (m *Local) FailTransfer() error { return nil }

// completionRecord builds the performance snapshot shared by the
// copy-based managers.
func completionRecord(name string, queueID int64, start, end, now time.Time, bytes int64) (*model.CompletedTransfer, error) {
	if start.IsZero() {
		return nil, fmt.Errorf("%s transfer metrics were not recorded", name)
	}
	if end.IsZero() {
		end = now
	}
	duration := end.Sub(start).Seconds()

	bandwidth := -1.0
	if duration > 0 {
		bandwidth = float64(bytes) / duration
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return &model.CompletedTransfer{
		SendQueueID:           queueID,
		TaskID:                fmt.Sprintf("%s_%d", name, end.Unix()),
		SourceEndpointID:      host,
		DestinationEndpointID: host,
		StartTime:             start,
		EndTime:               end,
		DurationSeconds:       duration,
		BytesTransferred:      bytes,
		EffectiveBandwidthBPS: bandwidth,
	}, nil
}

// copyWithPermissions copies a file or tree, creating missing parent
// directories. Copied files get group-writable modes so either side of
// a shared filesystem can clean up.
func copyWithPermissions(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o775); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		if err := copyRegular(src, dest); err != nil {
			return err
		}
		return os.Chmod(dest, 0o664)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o775); err != nil {
				return err
			}
			return os.Chmod(target, 0o775)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyRegular(path, target); err != nil {
			return err
		}
		return os.Chmod(target, 0o664)
	})
}

func copyRegular(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var _ librarian.TransferManager = (*Local)(nil)
