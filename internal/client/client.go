// Package client implements the HTTP client side of the peer protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"librarian-go/internal/api"
	"librarian-go/internal/config"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

// HTTPPeerClient talks JSON over HTTP to one remote librarian, with
// basic auth on every request.
type HTTPPeerClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// New creates a client for the peer at baseURL.
func New(baseURL, username, password string) *HTTPPeerClient {
	return &HTTPPeerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// NewForLibrarian creates a client from a stored librarian record,
// whose Authenticator field carries "username:password".
func NewForLibrarian(l *model.Librarian) (*HTTPPeerClient, error) {
	username, password, ok := strings.Cut(l.Authenticator, ":")
	if !ok {
		return nil, fmt.Errorf("librarian %s has a malformed authenticator", l.Name)
	}
	return New(l.URL, username, password), nil
}

// post sends a request body and decodes the response into result. A
// non-2xx status decodes the error body into a librarian.HTTPError.
func (c *HTTPPeerClient) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &librarian.HTTPError{Status: resp.StatusCode}
		var errBody api.ErrorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &errBody) == nil {
			httpErr.Reason = errBody.Reason
			httpErr.SuggestedRemedy = errBody.SuggestedRemedy
		}
		return httpErr
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding %s response: %w", endpoint, err)
		}
	}
	return nil
}

func (c *HTTPPeerClient) Ping(ctx context.Context) (*api.PingResponse, error) {
	var resp api.PingResponse
	if err := c.post(ctx, "/api/v2/ping", &api.PingRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) StageClone(ctx context.Context, req *api.CloneStageRequest) (*api.CloneStageResponse, error) {
	var resp api.CloneStageResponse
	if err := c.post(ctx, "/api/v2/clone/stage", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) CloneOngoing(ctx context.Context, req *api.CloneOngoingRequest) error {
	return c.post(ctx, "/api/v2/clone/ongoing", req, nil)
}

func (c *HTTPPeerClient) CloneStaged(ctx context.Context, req *api.CloneStagedRequest) error {
	return c.post(ctx, "/api/v2/clone/staged", req, nil)
}

func (c *HTTPPeerClient) CloneComplete(ctx context.Context, req *api.CloneCompleteRequest) error {
	return c.post(ctx, "/api/v2/clone/complete", req, nil)
}

func (c *HTTPPeerClient) CloneFail(ctx context.Context, req *api.CloneFailRequest) error {
	return c.post(ctx, "/api/v2/clone/fail", req, nil)
}

func (c *HTTPPeerClient) CorruptPrepare(ctx context.Context, req *api.CorruptPrepareRequest) (*api.CorruptPrepareResponse, error) {
	var resp api.CorruptPrepareResponse
	if err := c.post(ctx, "/api/v2/corrupt/prepare", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) CorruptResend(ctx context.Context, req *api.CorruptResendRequest) (*api.CorruptResendResponse, error) {
	var resp api.CorruptResendResponse
	if err := c.post(ctx, "/api/v2/corrupt/resend", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) ValidateFile(ctx context.Context, fileName string) ([]api.ChecksumInfo, error) {
	var resp api.ValidateFileResponse
	req := &api.ValidateFileRequest{FileName: fileName}
	if err := c.post(ctx, "/api/v2/validate/file", req, &resp); err != nil {
		return nil, err
	}
	return resp.Checksums, nil
}

func (c *HTTPPeerClient) TransfersStatus(ctx context.Context, req *api.TransfersStatusRequest) (*api.TransfersStatusResponse, error) {
	var resp api.TransfersStatusResponse
	if err := c.post(ctx, "/api/v2/transfers/status", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) TransfersUpdate(ctx context.Context, req *api.TransfersUpdateRequest) (*api.TransfersUpdateResponse, error) {
	var resp api.TransfersUpdateResponse
	if err := c.post(ctx, "/api/v2/transfers/update", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPPeerClient) TransferRecordStatus(ctx context.Context, req *api.TransferRecordStatusRequest) (*api.TransferRecordStatusResponse, error) {
	var resp api.TransferRecordStatusResponse
	if err := c.post(ctx, "/api/v2/transfers/record_status", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Factory builds clients for configured peers by name.
type Factory struct {
	peers map[string]config.PeerConfig
}

// NewFactory indexes the configured peers.
func NewFactory(peers []config.PeerConfig) *Factory {
	index := make(map[string]config.PeerConfig, len(peers))
	for _, p := range peers {
		index[p.Name] = p
	}
	return &Factory{peers: index}
}

// ClientFor returns a client for the named peer, or nil when the peer
// is not configured.
func (f *Factory) ClientFor(name string) librarian.PeerClient {
	p, ok := f.peers[name]
	if !ok {
		return nil
	}
	return New(p.URL, p.Username, p.Password)
}

var (
	_ librarian.PeerClient        = (*HTTPPeerClient)(nil)
	_ librarian.PeerClientFactory = (*Factory)(nil)
)
