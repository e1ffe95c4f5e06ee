package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"librarian-go/internal/api"
	"librarian-go/internal/config"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

func TestHTTPPeerClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/ping" {
			t.Errorf("path = %q, want /api/v2/ping", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "site-a" || pass != "secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		json.NewEncoder(w).Encode(api.PingResponse{Name: "site-b"})
	}))
	defer srv.Close()

	c := New(srv.URL, "site-a", "secret")
	resp, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if resp.Name != "site-b" {
		t.Errorf("Name = %q, want %q", resp.Name, "site-b")
	}
}

func TestHTTPPeerClient_ErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(api.ErrorResponse{
			Reason:          "no such file",
			SuggestedRemedy: "check the file name",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "u", "p")
	_, err := c.StageClone(context.Background(), &api.CloneStageRequest{UploadName: "x"})
	if err == nil {
		t.Fatal("expected error")
	}

	var httpErr *librarian.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error type = %T, want *librarian.HTTPError", err)
	}
	if httpErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", httpErr.Status)
	}
	if httpErr.Reason != "no such file" {
		t.Errorf("Reason = %q", httpErr.Reason)
	}
	if httpErr.SuggestedRemedy != "check the file name" {
		t.Errorf("SuggestedRemedy = %q", httpErr.SuggestedRemedy)
	}
}

func TestHTTPPeerClient_ValidateFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.ValidateFileRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.FileName != "data.h5" {
			t.Errorf("FileName = %q, want data.h5", req.FileName)
		}
		json.NewEncoder(w).Encode(api.ValidateFileResponse{
			Checksums: []api.ChecksumInfo{
				{Librarian: "site-b", InstanceID: 3, ChecksumsMatch: true},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "u", "p")
	checksums, err := c.ValidateFile(context.Background(), "data.h5")
	if err != nil {
		t.Fatalf("ValidateFile() error = %v", err)
	}
	if len(checksums) != 1 || checksums[0].Librarian != "site-b" {
		t.Errorf("checksums = %+v", checksums)
	}
}

func TestNewForLibrarian(t *testing.T) {
	t.Run("splits authenticator", func(t *testing.T) {
		c, err := NewForLibrarian(&model.Librarian{
			Name:          "site-b",
			URL:           "http://site-b:21106",
			Authenticator: "site-a:secret",
		})
		if err != nil {
			t.Fatalf("NewForLibrarian() error = %v", err)
		}
		if c.username != "site-a" || c.password != "secret" {
			t.Errorf("credentials = %q/%q", c.username, c.password)
		}
	})

	t.Run("rejects malformed authenticator", func(t *testing.T) {
		_, err := NewForLibrarian(&model.Librarian{Name: "bad", Authenticator: "nocolon"})
		if err == nil {
			t.Error("expected error for malformed authenticator")
		}
	})
}

func TestFactory_ClientFor(t *testing.T) {
	f := NewFactory([]config.PeerConfig{
		{Name: "site-b", URL: "http://site-b:21106", Username: "u", Password: "p"},
	})

	if f.ClientFor("site-b") == nil {
		t.Error("expected client for configured peer")
	}
	if f.ClientFor("site-z") != nil {
		t.Error("expected nil for unknown peer")
	}
}
