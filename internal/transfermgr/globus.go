package transfermgr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"librarian-go/internal/config"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

const (
	globusAuthURL     = "https://auth.globus.org/v2/oauth2/token"
	globusTransferURL = "https://transfer.api.globus.org/v0.10"
)

// fatalErrorEvents are task event codes that will never resolve on
// their own; a faulted task showing one of these is failed immediately
// instead of waiting for Globus to give up.
var fatalErrorEvents = map[string]bool{
	"AMBIGUOUS_PATH":             true,
	"IS_A_DIRECTORY":             true,
	"EXPIRED":                    true,
	"FILE_NOT_FOUND":             true,
	"FILE_SIZE_CHANGED":          true,
	"INVALID_PATH_NAME":          true,
	"INVALID_SERVICE_CREDENTIAL": true,
	"INVALID_SYMLINK":            true,
	"LIMIT_EXCEEDED":             true,
	"NO_CREDENTIALS":             true,
	"NO_SPACE_LEFT":              true,
	"PERMISSION_DENIED":          true,
	"QUOTA_EXCEEDED":             true,
}

// Globus hands a batch to the Globus transfer service and polls the
// resulting task. Only the task id and attempt flag persist between
// polls; everything else is re-derived from configuration.
type Globus struct {
	clientID       string
	clientSecret   string
	localEndpoint  string
	remoteEndpoint string
	localRoot      string
	nativeApp      bool

	authURL     string
	transferURL string
	httpClient  *http.Client

	Attempted bool   `json:"transfer_attempted"`
	TaskID    string `json:"task_id"`
}

func NewGlobus(cfg config.ManagerConfig) *Globus {
	return &Globus{
		clientID:       cfg.GlobusClientID,
		clientSecret:   cfg.GlobusClientSecret,
		localEndpoint:  cfg.GlobusLocalEndpoint,
		remoteEndpoint: cfg.GlobusRemoteEndpoint,
		localRoot:      cfg.GlobusLocalRoot,
		nativeApp:      cfg.GlobusNative,
		authURL:        globusAuthURL,
		transferURL:    globusTransferURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (m *Globus) Name() string { return "globus" }

// Valid reports whether we can authenticate with Globus. It does not
// verify endpoint permissions; those failures surface per-task.
func (m *Globus) Valid() bool {
	_, err := m.accessToken()
	return err == nil
}

// accessToken exchanges our credentials for a transfer-scoped token.
// Native apps hold a long-lived refresh token; confidential apps use
// their client secret directly.
func (m *Globus) accessToken() (string, error) {
	form := url.Values{}
	if m.nativeApp {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", m.clientSecret)
		form.Set("client_id", m.clientID)
	} else {
		form.Set("grant_type", "client_credentials")
		form.Set("scope", "urn:globus:auth:scope:transfer.api.globus.org:all")
	}

	req, err := http.NewRequest(http.MethodPost, m.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if !m.nativeApp {
		req.SetBasicAuth(m.clientID, m.clientSecret)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting globus token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("requesting globus token: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding globus token: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("globus token response had no access_token")
	}
	return body.AccessToken, nil
}

func (m *Globus) api(method, path, token string, payload, result any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, m.transferURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("globus %s %s: status %d", method, path, resp.StatusCode)
	}
	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// relativeToRoot maps an absolute local path into the endpoint's
// collection namespace, which is generally not rooted at /.
func (m *Globus) relativeToRoot(path string) string {
	if m.localRoot == "" {
		return path
	}
	rel, err := filepath.Rel(m.localRoot, path)
	if err != nil {
		return path
	}
	return rel
}

type globusTransferItem struct {
	DataType        string `json:"DATA_TYPE"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
	Recursive       bool   `json:"recursive"`
}

type globusTransferDoc struct {
	DataType            string               `json:"DATA_TYPE"`
	SubmissionID        string               `json:"submission_id"`
	SourceEndpoint      string               `json:"source_endpoint"`
	DestinationEndpoint string               `json:"destination_endpoint"`
	Label               string               `json:"label"`
	SyncLevel           string               `json:"sync_level"`
	VerifyChecksum      bool                 `json:"verify_checksum"`
	PreserveTimestamp   bool                 `json:"preserve_timestamp"`
	NotifyOnSucceeded   bool                 `json:"notify_on_succeeded"`
	SkipSourceErrors    bool                 `json:"skip_source_errors"`
	FailOnQuotaErrors   bool                 `json:"fail_on_quota_errors"`
	Data                []globusTransferItem `json:"DATA"`
}

func (m *Globus) BatchTransfer(pairs []librarian.TransferPair) error {
	m.Attempted = true

	token, err := m.accessToken()
	if err != nil {
		return err
	}

	var submission struct {
		Value string `json:"value"`
	}
	if err := m.api(http.MethodGet, "/submission_id", token, nil, &submission); err != nil {
		return fmt.Errorf("requesting submission id: %w", err)
	}

	doc := globusTransferDoc{
		DataType:            "transfer",
		SubmissionID:        submission.Value,
		SourceEndpoint:      m.localEndpoint,
		DestinationEndpoint: m.remoteEndpoint,
		Label:               "batch with " + filepath.Base(pairs[0].Source),
		SyncLevel:           "exists",
		VerifyChecksum:      true,
		PreserveTimestamp:   true,
		NotifyOnSucceeded:   false,
		SkipSourceErrors:    false,
		FailOnQuotaErrors:   true,
	}
	for _, pair := range pairs {
		doc.Data = append(doc.Data, globusTransferItem{
			DataType:        "transfer_item",
			SourcePath:      m.relativeToRoot(pair.Source),
			DestinationPath: pair.Destination,
			// Directory sources need recursive transfers; Globus will
			// not infer this.
			Recursive: isDir(pair.Source),
		})
	}

	var task struct {
		TaskID string `json:"task_id"`
	}
	if err := m.api(http.MethodPost, "/transfer", token, doc, &task); err != nil {
		return fmt.Errorf("submitting globus transfer: %w", err)
	}

	m.TaskID = task.TaskID
	return nil
}

// TransferStatus maps the Globus task lifecycle onto ours. A faulted
// but still-active task is failed early when any fault is one of the
// fatal event codes; Globus would otherwise retry it for days.
func (m *Globus) TransferStatus() (model.TransferStatus, error) {
	token, err := m.accessToken()
	if err != nil {
		// Can't reach Globus, so we can't learn the task's fate.
		return model.TransferFailed, err
	}

	if m.TaskID == "" {
		if m.Attempted {
			return model.TransferFailed, nil
		}
		return model.TransferInitiated, nil
	}

	var task struct {
		Status string `json:"status"`
		Faults int    `json:"faults"`
	}
	if err := m.api(http.MethodGet, "/task/"+m.TaskID, token, nil, &task); err != nil {
		return model.TransferFailed, fmt.Errorf("querying globus task: %w", err)
	}

	switch {
	case task.Status == "SUCCEEDED":
		return model.TransferCompleted, nil
	case task.Status == "FAILED":
		return model.TransferFailed, nil
	case task.Faults > 0:
		var events struct {
			Data []struct {
				Code    string `json:"code"`
				IsError bool   `json:"is_error"`
			} `json:"DATA"`
		}
		if err := m.api(http.MethodGet, "/task/"+m.TaskID+"/event_list", token, nil, &events); err != nil {
			return model.TransferFailed, fmt.Errorf("querying globus task events: %w", err)
		}
		for _, event := range events.Data {
			if event.IsError && fatalErrorEvents[event.Code] {
				return model.TransferFailed, nil
			}
		}
		return model.TransferFailed, nil
	default: // ACTIVE
		return model.TransferInitiated, nil
	}
}

func (m *Globus) CompleteTransfer(queueID int64, now time.Time) (*model.CompletedTransfer, error) {
	token, err := m.accessToken()
	if err != nil {
		return nil, err
	}

	var task struct {
		TaskID                  string    `json:"task_id"`
		SourceEndpointID        string    `json:"source_endpoint_id"`
		DestinationEndpointID   string    `json:"destination_endpoint_id"`
		RequestTime             time.Time `json:"request_time"`
		CompletionTime          time.Time `json:"completion_time"`
		BytesTransferred        int64     `json:"bytes_transferred"`
		EffectiveBytesPerSecond float64   `json:"effective_bytes_per_second"`
	}
	if err := m.api(http.MethodGet, "/task/"+m.TaskID, token, nil, &task); err != nil {
		return nil, fmt.Errorf("querying globus task: %w", err)
	}

	end := task.CompletionTime
	if end.IsZero() {
		end = now
	}

	return &model.CompletedTransfer{
		SendQueueID:           queueID,
		TaskID:                task.TaskID,
		SourceEndpointID:      task.SourceEndpointID,
		DestinationEndpointID: task.DestinationEndpointID,
		StartTime:             task.RequestTime,
		EndTime:               end,
		DurationSeconds:       end.Sub(task.RequestTime).Seconds(),
		BytesTransferred:      task.BytesTransferred,
		EffectiveBandwidthBPS: task.EffectiveBytesPerSecond,
	}, nil
}

// FailTransfer cancels the remote task. Best effort: the caller marks
// the queue item failed either way.
func (m *Globus) FailTransfer() error {
	if m.TaskID == "" {
		return nil
	}
	token, err := m.accessToken()
	if err != nil {
		return err
	}
	if err := m.api(http.MethodPost, "/task/"+m.TaskID+"/cancel", token, nil, nil); err != nil {
		return fmt.Errorf("cancelling globus task: %w", err)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

var _ librarian.TransferManager = (*Globus)(nil)
