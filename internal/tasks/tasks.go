// Package tasks holds the background tasks driven by the scheduler. Each
// task is idempotent: a crash between items, or a run cut short by its
// soft deadline, leaves state the next run picks up cleanly.
package tasks

import (
	"time"

	"librarian-go/internal/librarian"
)

// claimBatch bounds how many work items one run leases from the database.
const claimBatch = 50

func expired(clock librarian.Clock, deadline time.Time) bool {
	return !deadline.IsZero() && clock.Now().After(deadline)
}
