package librarian

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"librarian-go/internal/api"
	"librarian-go/internal/checksum"
	"librarian-go/internal/model"
)

// Service is the orchestration layer shared by the HTTP handlers and the
// background tasks. It coordinates the database, the physical stores,
// the transfer managers, and the peer clients.
type Service struct {
	db       Database
	stores   map[string]Store
	managers ManagerRegistry
	peers    PeerClientFactory
	logger   Logger
	clock    Clock

	name             string
	algorithm        string
	checksumThreads  int
	checksumCacheAge time.Duration

	// sendTasksEnabled mirrors the scheduler configuration. A repair
	// prepare request is refused when the queue tasks that would carry
	// the resend are disabled.
	sendTasksEnabled bool
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Name             string
	Algorithm        string
	ChecksumThreads  int
	ChecksumCacheAge time.Duration
	SendTasksEnabled bool
}

// NewService creates a Service with the provided dependencies.
func NewService(db Database, stores map[string]Store, managers ManagerRegistry,
	peers PeerClientFactory, logger Logger, clock Clock, opts ServiceOptions) *Service {
	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = checksum.DefaultAlgorithm
	}
	return &Service{
		db:               db,
		stores:           stores,
		managers:         managers,
		peers:            peers,
		logger:           logger,
		clock:            clock,
		name:             opts.Name,
		algorithm:        algorithm,
		checksumThreads:  opts.ChecksumThreads,
		checksumCacheAge: opts.ChecksumCacheAge,
		sendTasksEnabled: opts.SendTasksEnabled,
	}
}

// Name returns this node's librarian name.
func (s *Service) Name() string { return s.name }

// Database exposes the underlying database to HTTP handlers.
func (s *Service) Database() Database { return s.db }

// Managers exposes the transfer-manager registry to the queue tasks.
func (s *Service) Managers() ManagerRegistry { return s.managers }

// PeerFor returns a client for the named peer, or nil when the peer is
// not configured.
func (s *Service) PeerFor(name string) PeerClient {
	return s.peers.ClientFor(name)
}

// StoreByName returns the behavior object for a configured store.
func (s *Service) StoreByName(name string) (Store, error) {
	store, ok := s.stores[name]
	if !ok {
		return nil, fmt.Errorf("store %s is not configured", name)
	}
	return store, nil
}

// StoreForID resolves a database store ID to its behavior object.
func (s *Service) StoreForID(id int64) (Store, error) {
	meta, err := s.db.FindStoreByID(id)
	if err != nil {
		return nil, fmt.Errorf("finding store %d: %w", id, err)
	}
	if meta == nil {
		return nil, fmt.Errorf("store %d does not exist", id)
	}
	return s.StoreByName(meta.Name)
}

// IngestableStore picks the ingestable store with the most free space.
func (s *Service) IngestableStore(minimumBytes int64) (Store, error) {
	var best Store
	var bestFree int64 = -1
	for _, store := range s.stores {
		if !store.Ingestable() {
			continue
		}
		available, err := store.Available()
		if err != nil || !available {
			continue
		}
		free, err := store.FreeSpace()
		if err != nil {
			continue
		}
		if free > bestFree {
			best, bestFree = store, free
		}
	}
	if best == nil {
		return nil, ErrStoreUnavailable
	}
	if bestFree < minimumBytes {
		return nil, fmt.Errorf("largest ingestable store has %d free bytes, need %d: %w",
			bestFree, minimumBytes, ErrStoreFull)
	}
	return best, nil
}

// SyncStores upserts the configured stores into the database so that
// instances can reference them by ID. Called once at startup.
func (s *Service) SyncStores(storeTypes map[string]string) error {
	for name, store := range s.stores {
		meta := &model.StoreMetadata{
			Name:       name,
			StoreType:  storeTypes[name],
			Ingestable: store.Ingestable(),
			Enabled:    true,
		}
		if _, err := s.db.EnsureStore(meta); err != nil {
			return fmt.Errorf("syncing store %s: %w", name, err)
		}
	}
	return nil
}

// InstanceChecksum returns an instance's current checksum and size,
// recomputing from disk only when the cached value has aged out.
func (s *Service) InstanceChecksum(instance *model.Instance) (string, int64, error) {
	now := s.clock.Now()
	if instance.CalculatedChecksum != "" &&
		now.Sub(instance.ChecksumTime) < s.checksumCacheAge {
		return instance.CalculatedChecksum, instance.CalculatedSize, nil
	}

	store, err := s.StoreForID(instance.StoreID)
	if err != nil {
		return "", 0, err
	}

	file, err := s.db.FindFileByName(instance.FileName)
	if err != nil {
		return "", 0, fmt.Errorf("finding file %s: %w", instance.FileName, err)
	}
	algorithm := s.algorithm
	if file != nil {
		// Recompute with the algorithm the recorded checksum used, so
		// the two are comparable.
		algorithm = checksum.AlgorithmOf(file.Checksum)
	}

	info, err := store.PathInfo(instance.Path, algorithm)
	if err != nil {
		return "", 0, err
	}

	if err := s.db.UpdateInstanceChecksum(instance.ID, info.Checksum, info.Size, now); err != nil {
		return "", 0, fmt.Errorf("caching checksum for instance %d: %w", instance.ID, err)
	}
	instance.CalculatedChecksum = info.Checksum
	instance.CalculatedSize = info.Size
	instance.ChecksumTime = now
	return info.Checksum, info.Size, nil
}

// ValidateFileLocal recomputes checksum evidence for every available
// local instance of a file. Mismatches are recorded in the error log;
// judgment is left to the caller.
func (s *Service) ValidateFileLocal(file *model.File) ([]api.ChecksumInfo, error) {
	instances, err := s.db.FindInstancesByFileName(file.Name)
	if err != nil {
		return nil, fmt.Errorf("finding instances of %s: %w", file.Name, err)
	}

	var info []api.ChecksumInfo
	for _, instance := range instances {
		if !instance.Available {
			continue
		}

		meta, err := s.db.FindStoreByID(instance.StoreID)
		if err != nil || meta == nil {
			continue
		}

		current, size, err := s.InstanceChecksum(instance)
		if err != nil {
			s.logger.Error("checksum calculation failed",
				"file", file.Name, "instance", instance.ID, "error", err)
			continue
		}

		match, err := checksum.Compare(file.Checksum, current)
		if err != nil {
			return nil, fmt.Errorf("comparing checksums for %s: %w", file.Name, err)
		}
		if !match {
			s.LogError(model.SeverityCritical, model.CategoryDataIntegrity,
				fmt.Sprintf("checksum mismatch for file %s instance %d on store %s",
					file.Name, instance.ID, meta.Name))
		}

		info = append(info, api.ChecksumInfo{
			Librarian:        s.name,
			Store:            meta.Name,
			InstanceID:       instance.ID,
			OriginalChecksum: file.Checksum,
			CurrentChecksum:  current,
			ChecksumsMatch:   match,
			Size:             size,
			ChecksumTime:     s.clock.Now(),
		})
	}
	return info, nil
}

// LogError appends to the durable error log. Failures to log are
// themselves only logged; observability must not break the caller.
func (s *Service) LogError(severity model.ErrorSeverity, category model.ErrorCategory, message string) {
	record := &model.ErrorRecord{
		Severity:   severity,
		Category:   category,
		Message:    message,
		Caller:     s.name,
		RaisedTime: s.clock.Now(),
	}
	if err := s.db.CreateErrorRecord(record); err != nil {
		s.logger.Error("writing to error log failed", "error", err, "message", message)
	}
}

// SendFileBatch books a batch of files for replication to a peer: one
// outgoing transfer per file, a stage call to the destination for each,
// and a single send queue entry binding them to a manager invocation.
// The queue consumer moves the bytes later.
func (s *Service) SendFileBatch(ctx context.Context, files []*model.File, lib *model.Librarian) (*model.SendQueue, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to send")
	}
	if !lib.TransfersEnabled {
		return nil, fmt.Errorf("transfers to librarian %s are disabled", lib.Name)
	}

	peer := s.peers.ClientFor(lib.Name)
	if peer == nil {
		return nil, fmt.Errorf("no client configured for librarian %s", lib.Name)
	}

	managerName, err := s.pickManager()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var transfers []*model.OutgoingTransfer

	abort := func(reason string) {
		for _, t := range transfers {
			t.Status = model.TransferFailed
			t.EndTime = s.clock.Now()
			if err := s.db.UpdateOutgoingTransfer(t); err != nil {
				s.logger.Error("failing outgoing transfer", "transfer", t.ID, "error", err)
			}
			if t.RemoteTransferID != 0 {
				req := &api.CloneFailRequest{
					SourceTransferID:      t.ID,
					DestinationTransferID: t.RemoteTransferID,
					Reason:                reason,
				}
				if err := peer.CloneFail(ctx, req); err != nil {
					s.logger.Warn("clone fail callback failed",
						"librarian", lib.Name, "transfer", t.ID, "error", err)
				}
			}
		}
	}

	for _, file := range files {
		instance, err := s.bestAvailableInstance(file.Name)
		if err != nil {
			abort("batch aborted")
			return nil, err
		}
		store, err := s.StoreForID(instance.StoreID)
		if err != nil {
			abort("batch aborted")
			return nil, err
		}
		sourcePath, err := store.Resolve(instance.Path)
		if err != nil {
			abort("batch aborted")
			return nil, err
		}

		transfer := &model.OutgoingTransfer{
			Status:           model.TransferInitiated,
			Destination:      lib.Name,
			FileName:         file.Name,
			InstanceID:       instance.ID,
			TransferSize:     file.Size,
			TransferChecksum: file.Checksum,
			TransferManager:  managerName,
			StartTime:        now,
			SourcePath:       sourcePath,
		}
		transfer, err = s.db.CreateOutgoingTransfer(transfer)
		if err != nil {
			abort("batch aborted")
			return nil, fmt.Errorf("creating outgoing transfer for %s: %w", file.Name, err)
		}
		transfers = append(transfers, transfer)

		resp, err := peer.StageClone(ctx, &api.CloneStageRequest{
			UploadName:       file.Name,
			UploadSize:       file.Size,
			UploadChecksum:   file.Checksum,
			Uploader:         file.Uploader,
			Source:           s.name,
			SourceTransferID: transfer.ID,
		})
		if err != nil {
			abort("stage request failed")
			return nil, fmt.Errorf("staging %s on %s: %w", file.Name, lib.Name, err)
		}
		if !contains(resp.TransferProviders, managerName) {
			abort("no shared transfer manager")
			return nil, fmt.Errorf("librarian %s does not accept transfer manager %s", lib.Name, managerName)
		}

		transfer.DestPath = resp.StagingPath
		transfer.RemoteTransferID = resp.DestinationTransferID
		if err := s.db.UpdateOutgoingTransfer(transfer); err != nil {
			abort("batch aborted")
			return nil, fmt.Errorf("updating outgoing transfer %d: %w", transfer.ID, err)
		}
	}

	queue := &model.SendQueue{
		CreatedTime:     now,
		Destination:     lib.Name,
		TransferManager: managerName,
	}
	queue, err = s.db.CreateSendQueueEntry(queue)
	if err != nil {
		abort("queue creation failed")
		return nil, fmt.Errorf("creating send queue entry: %w", err)
	}

	for _, transfer := range transfers {
		transfer.SendQueueID = queue.ID
		if err := s.db.UpdateOutgoingTransfer(transfer); err != nil {
			return nil, fmt.Errorf("booking transfer %d onto queue %d: %w", transfer.ID, queue.ID, err)
		}
	}

	s.logger.Info("booked send queue entry",
		"queue", queue.ID, "librarian", lib.Name, "files", len(files), "manager", managerName)
	return queue, nil
}

// pickManager returns the first configured manager that is valid on
// this host. Order preference: local managers before networked ones.
func (s *Service) pickManager() (string, error) {
	for _, name := range []string{"asynclocal", "local", "rsync", "globus"} {
		if !s.managers.Has(name) {
			continue
		}
		m, err := s.managers.Create(name)
		if err != nil {
			continue
		}
		if m.Valid() {
			return name, nil
		}
	}
	return "", fmt.Errorf("no valid transfer manager available")
}

func (s *Service) bestAvailableInstance(fileName string) (*model.Instance, error) {
	instances, err := s.db.FindInstancesByFileName(fileName)
	if err != nil {
		return nil, fmt.Errorf("finding instances of %s: %w", fileName, err)
	}
	for _, instance := range instances {
		if instance.Available {
			return instance, nil
		}
	}
	return nil, fmt.Errorf("file %s has no available instance", fileName)
}

// IngestStagedTransfer verifies a staged inbound transfer and, on a
// match, commits the bytes, records the file and instance, marks the
// transfer completed, and calls back to the source. A mismatch leaves
// the transfer untouched for the next tick; the copy may still be
// landing. Returns whether the transfer was ingested.
func (s *Service) IngestStagedTransfer(ctx context.Context, transfer *model.IncomingTransfer) (bool, error) {
	store, err := s.StoreForID(transfer.StoreID)
	if err != nil {
		return false, err
	}

	algorithm := checksum.AlgorithmOf(transfer.TransferChecksum)
	staged, err := checksum.FromPath(transfer.StagingPath, algorithm,
		checksum.Options{Threads: s.checksumThreads})
	if err != nil {
		return false, fmt.Errorf("checksumming staged transfer %d: %w", transfer.ID, err)
	}
	size, err := checksum.SizeOf(transfer.StagingPath)
	if err != nil {
		return false, fmt.Errorf("sizing staged transfer %d: %w", transfer.ID, err)
	}

	match, err := checksum.Compare(transfer.TransferChecksum, staged)
	if err != nil {
		return false, fmt.Errorf("comparing staged checksum for transfer %d: %w", transfer.ID, err)
	}
	if !match || size != transfer.TransferSize {
		s.logger.Debug("staged transfer not yet complete",
			"transfer", transfer.ID, "match", match, "size", size, "want_size", transfer.TransferSize)
		return false, nil
	}

	if err := store.Commit(transfer.StagingPath, transfer.StorePath); err != nil {
		return false, fmt.Errorf("committing transfer %d: %w", transfer.ID, err)
	}

	file := &model.File{
		Name:       transfer.UploadName,
		CreateTime: s.clock.Now(),
		Size:       transfer.TransferSize,
		Checksum:   transfer.TransferChecksum,
		Uploader:   transfer.Uploader,
		Source:     transfer.Source,
	}
	instance := &model.Instance{
		Path:           transfer.StorePath,
		FileName:       transfer.UploadName,
		StoreID:        transfer.StoreID,
		DeletionPolicy: model.DeletionDisallowed,
		CreatedTime:    s.clock.Now(),
		Available:      true,
	}

	stagingToken := transfer.StagingToken

	transfer.Status = model.TransferCompleted
	transfer.EndTime = s.clock.Now()
	if err := s.db.IngestStagedFile(file, instance, transfer); err != nil {
		return false, fmt.Errorf("recording ingested transfer %d: %w", transfer.ID, err)
	}

	// State is durable from here; the callback and cleanup are best
	// effort and recoverable by the hypervisors.
	if peer := s.peers.ClientFor(transfer.Source); peer != nil {
		meta, metaErr := s.db.FindStoreByID(transfer.StoreID)
		storeName := ""
		if metaErr == nil && meta != nil {
			storeName = meta.Name
		}
		req := &api.CloneCompleteRequest{
			SourceTransferID:      transfer.SourceTransferID,
			DestinationTransferID: transfer.ID,
			StoreName:             storeName,
		}
		if err := peer.CloneComplete(ctx, req); err != nil {
			s.logger.Error("clone complete callback failed",
				"librarian", transfer.Source, "transfer", transfer.ID, "error", err)
		}
	} else {
		s.logger.Error("no client for source librarian, cannot call back",
			"librarian", transfer.Source, "transfer", transfer.ID)
	}

	if stagingToken != "" {
		if err := store.Unstage(stagingToken); err != nil {
			s.logger.Warn("unstaging ingested transfer failed",
				"transfer", transfer.ID, "error", err)
		}
	}

	s.logger.Info("ingested staged transfer",
		"transfer", transfer.ID, "file", transfer.UploadName, "instance", instance.ID)
	return true, nil
}

// RepairValidation is the authorization and readiness gate shared by the
// corrupt prepare and resend endpoints. The caller must be the peer it
// claims to be, must hold a remote instance of the file from us, and we
// must have a verified copy and a working send path. Failures carry the
// HTTP status the endpoint should return.
func (s *Service) RepairValidation(ctx context.Context, username, librarianName, fileName string) (*model.Librarian, *model.File, *model.Instance, []*model.RemoteInstance, error) {
	if username != librarianName {
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusUnauthorized,
			Reason:          "cannot request a repair on behalf of another librarian",
			SuggestedRemedy: "authenticate as the librarian named in the request",
		}
	}

	lib, err := s.db.FindLibrarianByName(librarianName)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("finding librarian %s: %w", librarianName, err)
	}
	if lib == nil {
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusUnauthorized,
			Reason:          fmt.Sprintf("librarian %s is not known here", librarianName),
			SuggestedRemedy: "register this librarian before requesting repairs",
		}
	}

	remotes, err := s.db.FindRemoteInstances(fileName, lib.ID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("finding remote instances of %s: %w", fileName, err)
	}
	if len(remotes) == 0 {
		// The requester never received this file from us. Refusing here
		// keeps the repair channel from leaking arbitrary files.
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusUnauthorized,
			Reason:          fmt.Sprintf("no record of %s being sent to %s", fileName, librarianName),
			SuggestedRemedy: "repairs can only be requested for files received from this librarian",
		}
	}

	file, err := s.db.FindFileByName(fileName)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("finding file %s: %w", fileName, err)
	}
	if file == nil {
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusConflict,
			Reason:          fmt.Sprintf("file %s no longer exists here", fileName),
			SuggestedRemedy: "try a librarian above this one in the chain",
		}
	}

	instance, err := s.bestAvailableInstance(fileName)
	if err != nil {
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusConflict,
			Reason:          fmt.Sprintf("file %s has no available instance here", fileName),
			SuggestedRemedy: "try a librarian above this one in the chain",
		}
	}

	current, _, err := s.InstanceChecksum(instance)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("verifying our copy of %s: %w", fileName, err)
	}
	match, err := checksum.Compare(file.Checksum, current)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("comparing our copy of %s: %w", fileName, err)
	}
	if !match {
		// Our copy is bad too. Ticket it and refuse.
		if _, cfErr := s.db.CreateOrIncrementCorruptFile(&model.CorruptFile{
			FileName:        file.Name,
			FileSource:      file.Source,
			InstanceID:      instance.ID,
			InstancePath:    instance.Path,
			CorruptChecksum: current,
			CorruptCount:    1,
			CreatedTime:     s.clock.Now(),
		}); cfErr != nil {
			s.logger.Error("recording corrupt source copy", "file", file.Name, "error", cfErr)
		}
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusConflict,
			Reason:          fmt.Sprintf("our copy of %s is also corrupt", fileName),
			SuggestedRemedy: "try a librarian above this one in the chain",
		}
	}

	if !s.sendTasksEnabled || !lib.TransfersEnabled {
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusConflict,
			Reason:          "the send path to this librarian is not currently active",
			SuggestedRemedy: "enable transfers and the queue tasks, then retry",
		}
	}

	peer := s.peers.ClientFor(lib.Name)
	if peer == nil {
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusConflict,
			Reason:          fmt.Sprintf("no client credentials for librarian %s", lib.Name),
			SuggestedRemedy: "configure peer credentials for this librarian",
		}
	}
	if _, err := peer.Ping(ctx); err != nil {
		return nil, nil, nil, nil, &HTTPError{
			Status:          http.StatusConflict,
			Reason:          fmt.Sprintf("librarian %s is unreachable", lib.Name),
			SuggestedRemedy: "retry once the librarian is back online",
		}
	}

	return lib, file, instance, remotes, nil
}

// Resend re-sends our verified copy of a file to the named peer and
// drops its remote instance rows; they are re-established when the
// delivery completes. Returns the new destination transfer IDs.
func (s *Service) Resend(ctx context.Context, username, librarianName, fileName string) ([]int64, error) {
	lib, file, _, remotes, err := s.RepairValidation(ctx, username, librarianName, fileName)
	if err != nil {
		return nil, err
	}

	queue, err := s.SendFileBatch(ctx, []*model.File{file}, lib)
	if err != nil {
		return nil, &HTTPError{
			Status:          http.StatusConflict,
			Reason:          fmt.Sprintf("could not enqueue a new copy of %s: %v", fileName, err),
			SuggestedRemedy: "retry later",
		}
	}

	transfers, err := s.db.FindOutgoingTransfersBySendQueue(queue.ID)
	if err != nil {
		return nil, fmt.Errorf("finding transfers for queue %d: %w", queue.ID, err)
	}
	ids := make([]int64, 0, len(transfers))
	for _, t := range transfers {
		ids = append(ids, t.RemoteTransferID)
	}

	for _, ri := range remotes {
		if err := s.db.DeleteRemoteInstance(ri.ID); err != nil {
			s.logger.Error("deleting remote instance", "id", ri.ID, "error", err)
		}
	}

	return ids, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// IsHTTPStatus reports whether err is an HTTPError with the given
// status.
func IsHTTPStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == status
}
