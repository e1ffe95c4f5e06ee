package testutil

import (
	"context"
	"sync"

	"librarian-go/internal/api"
	"librarian-go/internal/librarian"
)

// FakePeerClient records every call and answers from canned responses.
// Set an Err field to make the corresponding call fail.
type FakePeerClient struct {
	mu sync.Mutex

	PingResponse     *api.PingResponse
	PingErr          error
	StageResponse    *api.CloneStageResponse
	StageErr         error
	OngoingErr       error
	StagedErr        error
	CompleteErr      error
	FailErr          error
	PrepareResponse  *api.CorruptPrepareResponse
	PrepareErr       error
	ResendResponse   *api.CorruptResendResponse
	ResendErr        error
	ValidateResponse []api.ChecksumInfo
	ValidateErr      error
	StatusResponse   *api.TransfersStatusResponse
	StatusErr        error
	UpdateResponse   *api.TransfersUpdateResponse
	UpdateErr        error
	RecordStatuses   map[int64]string // transfer ID -> status string
	RecordStatusErr  error

	StageRequests    []*api.CloneStageRequest
	OngoingRequests  []*api.CloneOngoingRequest
	StagedRequests   []*api.CloneStagedRequest
	CompleteRequests []*api.CloneCompleteRequest
	FailRequests     []*api.CloneFailRequest
	PrepareRequests  []*api.CorruptPrepareRequest
	ResendRequests   []*api.CorruptResendRequest
	ValidateRequests []string
	StatusRequests       []*api.TransfersStatusRequest
	UpdateRequests       []*api.TransfersUpdateRequest
	RecordStatusRequests []*api.TransferRecordStatusRequest
	PingCount            int
}

func NewFakePeerClient() *FakePeerClient {
	return &FakePeerClient{
		PingResponse:    &api.PingResponse{Name: "fake-peer"},
		PrepareResponse: &api.CorruptPrepareResponse{Ready: true},
		ResendResponse:  &api.CorruptResendResponse{Success: true},
	}
}

func (c *FakePeerClient) Ping(ctx context.Context) (*api.PingResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PingCount++
	return c.PingResponse, c.PingErr
}

func (c *FakePeerClient) StageClone(ctx context.Context, req *api.CloneStageRequest) (*api.CloneStageResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StageRequests = append(c.StageRequests, req)
	return c.StageResponse, c.StageErr
}

func (c *FakePeerClient) CloneOngoing(ctx context.Context, req *api.CloneOngoingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OngoingRequests = append(c.OngoingRequests, req)
	return c.OngoingErr
}

func (c *FakePeerClient) CloneStaged(ctx context.Context, req *api.CloneStagedRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StagedRequests = append(c.StagedRequests, req)
	return c.StagedErr
}

func (c *FakePeerClient) CloneComplete(ctx context.Context, req *api.CloneCompleteRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CompleteRequests = append(c.CompleteRequests, req)
	return c.CompleteErr
}

func (c *FakePeerClient) CloneFail(ctx context.Context, req *api.CloneFailRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailRequests = append(c.FailRequests, req)
	return c.FailErr
}

func (c *FakePeerClient) CorruptPrepare(ctx context.Context, req *api.CorruptPrepareRequest) (*api.CorruptPrepareResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PrepareRequests = append(c.PrepareRequests, req)
	return c.PrepareResponse, c.PrepareErr
}

func (c *FakePeerClient) CorruptResend(ctx context.Context, req *api.CorruptResendRequest) (*api.CorruptResendResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResendRequests = append(c.ResendRequests, req)
	return c.ResendResponse, c.ResendErr
}

func (c *FakePeerClient) ValidateFile(ctx context.Context, fileName string) ([]api.ChecksumInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ValidateRequests = append(c.ValidateRequests, fileName)
	return c.ValidateResponse, c.ValidateErr
}

func (c *FakePeerClient) TransfersStatus(ctx context.Context, req *api.TransfersStatusRequest) (*api.TransfersStatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StatusRequests = append(c.StatusRequests, req)
	return c.StatusResponse, c.StatusErr
}

func (c *FakePeerClient) TransfersUpdate(ctx context.Context, req *api.TransfersUpdateRequest) (*api.TransfersUpdateResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UpdateRequests = append(c.UpdateRequests, req)
	return c.UpdateResponse, c.UpdateErr
}

func (c *FakePeerClient) TransferRecordStatus(ctx context.Context, req *api.TransferRecordStatusRequest) (*api.TransferRecordStatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordStatusRequests = append(c.RecordStatusRequests, req)
	if c.RecordStatusErr != nil {
		return nil, c.RecordStatusErr
	}
	status, ok := c.RecordStatuses[req.TransferID]
	if !ok {
		return nil, &librarian.HTTPError{Status: 404, Reason: "no such transfer"}
	}
	return &api.TransferRecordStatusResponse{TransferID: req.TransferID, Status: status}, nil
}

// FakePeerFactory hands out fixed clients by peer name.
type FakePeerFactory struct {
	Clients map[string]*FakePeerClient
}

func NewFakePeerFactory() *FakePeerFactory {
	return &FakePeerFactory{Clients: make(map[string]*FakePeerClient)}
}

// Add registers a fake client for a peer name and returns it.
func (f *FakePeerFactory) Add(name string) *FakePeerClient {
	c := NewFakePeerClient()
	f.Clients[name] = c
	return c
}

func (f *FakePeerFactory) ClientFor(name string) librarian.PeerClient {
	c, ok := f.Clients[name]
	if !ok {
		return nil
	}
	return c
}

var (
	_ librarian.PeerClient        = (*FakePeerClient)(nil)
	_ librarian.PeerClientFactory = (*FakePeerFactory)(nil)
)
