package transfermgr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"librarian-go/internal/config"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// fakeGlobus stands in for both the auth and transfer APIs.
type fakeGlobus struct {
	taskStatus string
	taskFaults int
	events     []map[string]any
	cancelled  bool
}

func (f *fakeGlobus) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	})
	mux.HandleFunc("/submission_id", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"value": "sub-1"})
	})
	mux.HandleFunc("/transfer", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
	})
	mux.HandleFunc("/task/task-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"task_id":                    "task-1",
			"status":                     f.taskStatus,
			"faults":                     f.taskFaults,
			"source_endpoint_id":         "ep-src",
			"destination_endpoint_id":    "ep-dst",
			"request_time":               time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			"completion_time":            time.Date(2026, 3, 1, 12, 0, 20, 0, time.UTC),
			"bytes_transferred":          2000,
			"effective_bytes_per_second": 100.0,
		})
	})
	mux.HandleFunc("/task/task-1/event_list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"DATA": f.events})
	})
	mux.HandleFunc("/task/task-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.cancelled = true
		json.NewEncoder(w).Encode(map[string]string{"code": "Canceled"})
	})
	return mux
}

func newFakeGlobusManager(t *testing.T, f *fakeGlobus) *Globus {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	m := NewGlobus(config.ManagerConfig{
		Type:                 "globus",
		GlobusClientID:       "client",
		GlobusClientSecret:   "secret",
		GlobusLocalEndpoint:  "ep-src",
		GlobusRemoteEndpoint: "ep-dst",
	})
	m.authURL = srv.URL + "/token"
	m.transferURL = srv.URL
	return m
}

func TestGlobus_TransferStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		faults int
		events []map[string]any
		want   model.TransferStatus
	}{
		{
			name:   "succeeded",
			status: "SUCCEEDED",
			want:   model.TransferCompleted,
		},
		{
			name:   "failed",
			status: "FAILED",
			want:   model.TransferFailed,
		},
		{
			name:   "active without faults stays in flight",
			status: "ACTIVE",
			want:   model.TransferInitiated,
		},
		{
			name:   "active with fatal fault fails early",
			status: "ACTIVE",
			faults: 1,
			events: []map[string]any{{"code": "PERMISSION_DENIED", "is_error": true}},
			want:   model.TransferFailed,
		},
		{
			name:   "active with transient fault still fails",
			status: "ACTIVE",
			faults: 1,
			events: []map[string]any{{"code": "CONNECTION_RESET", "is_error": true}},
			want:   model.TransferFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeGlobus{taskStatus: tt.status, taskFaults: tt.faults, events: tt.events}
			m := newFakeGlobusManager(t, f)
			m.Attempted = true
			m.TaskID = "task-1"

			got, err := m.TransferStatus()
			if err != nil {
				t.Fatalf("TransferStatus() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("TransferStatus() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("attempted without task id is failed", func(t *testing.T) {
		m := newFakeGlobusManager(t, &fakeGlobus{})
		m.Attempted = true

		got, err := m.TransferStatus()
		if err != nil {
			t.Fatalf("TransferStatus() error = %v", err)
		}
		if got != model.TransferFailed {
			t.Errorf("TransferStatus() = %v, want FAILED", got)
		}
	})
}

func TestGlobus_BatchTransfer(t *testing.T) {
	f := &fakeGlobus{taskStatus: "ACTIVE"}
	m := newFakeGlobusManager(t, f)

	err := m.BatchTransfer([]librarian.TransferPair{{Source: "src.h5", Destination: "dest.h5"}})
	if err != nil {
		t.Fatalf("BatchTransfer() error = %v", err)
	}
	if m.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want %q", m.TaskID, "task-1")
	}
	if !m.Attempted {
		t.Error("expected Attempted to be set")
	}
}

func TestGlobus_CompleteTransfer(t *testing.T) {
	f := &fakeGlobus{taskStatus: "SUCCEEDED"}
	m := newFakeGlobusManager(t, f)
	m.TaskID = "task-1"

	record, err := m.CompleteTransfer(9, time.Now().UTC())
	if err != nil {
		t.Fatalf("CompleteTransfer() error = %v", err)
	}
	if record.SendQueueID != 9 {
		t.Errorf("SendQueueID = %d, want 9", record.SendQueueID)
	}
	if record.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want %q", record.TaskID, "task-1")
	}
	if record.BytesTransferred != 2000 {
		t.Errorf("BytesTransferred = %d, want 2000", record.BytesTransferred)
	}
	if record.DurationSeconds != 20 {
		t.Errorf("DurationSeconds = %v, want 20", record.DurationSeconds)
	}
}

func TestGlobus_FailTransfer(t *testing.T) {
	f := &fakeGlobus{taskStatus: "ACTIVE"}
	m := newFakeGlobusManager(t, f)
	m.TaskID = "task-1"

	if err := m.FailTransfer(); err != nil {
		t.Fatalf("FailTransfer() error = %v", err)
	}
	if !f.cancelled {
		t.Error("expected cancel to reach the service")
	}

	// Without a task there is nothing to cancel.
	m.TaskID = ""
	if err := m.FailTransfer(); err != nil {
		t.Errorf("FailTransfer() without task error = %v", err)
	}
}
