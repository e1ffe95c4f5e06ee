package testutil

import (
	"fmt"
	"time"

	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// FakeTransferManager pretends to move bytes. Its reported status is
// controlled by the test; BatchTransfer records the pairs it was given.
type FakeTransferManager struct {
	ManagerName string
	IsValid     bool
	Status      model.TransferStatus
	BatchErr    error
	StatusErr   error
	CompleteErr error

	Batches [][]librarian.TransferPair
	Failed  bool
}

func NewFakeTransferManager() *FakeTransferManager {
	return &FakeTransferManager{
		ManagerName: "fake",
		IsValid:     true,
		Status:      model.TransferInitiated,
	}
}

func (m *FakeTransferManager) Name() string { return m.ManagerName }
func (m *FakeTransferManager) Valid() bool  { return m.IsValid }

func (m *FakeTransferManager) BatchTransfer(pairs []librarian.TransferPair) error {
	m.Batches = append(m.Batches, pairs)
	if m.BatchErr != nil {
		return m.BatchErr
	}
	m.Status = model.TransferCompleted
	return nil
}

func (m *FakeTransferManager) TransferStatus() (model.TransferStatus, error) {
	return m.Status, m.StatusErr
}

func (m *FakeTransferManager) CompleteTransfer(queueID int64, now time.Time) (*model.CompletedTransfer, error) {
	if m.CompleteErr != nil {
		return nil, m.CompleteErr
	}
	return &model.CompletedTransfer{
		SendQueueID:      queueID,
		TaskID:           fmt.Sprintf("fake_%d", queueID),
		StartTime:        now.Add(-time.Minute),
		EndTime:          now,
		DurationSeconds:  60,
		BytesTransferred: 1,
	}, nil
}

func (m *FakeTransferManager) FailTransfer() error {
	m.Failed = true
	return nil
}

// FakeManagerRegistry hands out a single shared FakeTransferManager
// under whatever names it is configured with.
type FakeManagerRegistry struct {
	Manager      *FakeTransferManager
	RegisteredAs []string
}

func NewFakeManagerRegistry(names ...string) *FakeManagerRegistry {
	if len(names) == 0 {
		names = []string{"local"}
	}
	return &FakeManagerRegistry{
		Manager:      NewFakeTransferManager(),
		RegisteredAs: names,
	}
}

func (r *FakeManagerRegistry) Names() []string { return r.RegisteredAs }

func (r *FakeManagerRegistry) Has(name string) bool {
	for _, n := range r.RegisteredAs {
		if n == name {
			return true
		}
	}
	return false
}

func (r *FakeManagerRegistry) Create(name string) (librarian.TransferManager, error) {
	if !r.Has(name) {
		return nil, fmt.Errorf("transfer manager %s is not configured", name)
	}
	return r.Manager, nil
}

func (r *FakeManagerRegistry) Restore(name string, state []byte) (librarian.TransferManager, error) {
	return r.Create(name)
}

var (
	_ librarian.TransferManager = (*FakeTransferManager)(nil)
	_ librarian.ManagerRegistry = (*FakeManagerRegistry)(nil)
)
