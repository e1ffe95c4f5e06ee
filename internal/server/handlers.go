package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"librarian-go/internal/api"
	"librarian-go/internal/checksum"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.PingResponse{
		Name:        s.svc.Name(),
		Description: s.description,
	})
}

func (s *Server) handleCloneStage(w http.ResponseWriter, r *http.Request) {
	var req api.CloneStageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UploadName == "" || req.UploadSize <= 0 || req.UploadChecksum == "" {
		s.writeError(w, &librarian.HTTPError{
			Status:          http.StatusBadRequest,
			Reason:          "upload name, size and checksum are all required",
			SuggestedRemedy: "fill in every staging field",
		})
		return
	}

	// The sender's identity is its authenticated account, not a body
	// field it could forge.
	source := authenticatedUser(r.Context()).Username
	db := s.svc.Database()

	if file, err := db.FindFileByName(req.UploadName); err != nil {
		s.writeError(w, err)
		return
	} else if file != nil {
		s.writeError(w, &librarian.HTTPError{
			Status:          http.StatusConflict,
			Reason:          fmt.Sprintf("file %s already exists here", req.UploadName),
			SuggestedRemedy: "delete the existing file before re-sending it",
		})
		return
	}

	// A crashed earlier attempt may have left a live transfer for the
	// same upload. Supersede it so the retry can proceed.
	existing, err := db.FindActiveIncomingTransfer(req.UploadName, source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if existing != nil {
		existing.Status = model.TransferCancelled
		existing.EndTime = s.clock.Now()
		if err := db.UpdateIncomingTransfer(existing); err != nil {
			s.writeError(w, err)
			return
		}
		s.releaseStaging(existing)
		s.logger.Info("superseded stale inbound transfer", "transfer", existing.ID, "file", req.UploadName)
	}

	store, err := s.svc.IngestableStore(req.UploadSize)
	if err != nil {
		if errors.Is(err, librarian.ErrStoreFull) || errors.Is(err, librarian.ErrStoreUnavailable) {
			s.writeError(w, &librarian.HTTPError{
				Status:          http.StatusRequestEntityTooLarge,
				Reason:          "no ingestable store can hold this upload",
				SuggestedRemedy: "free space on the destination or try a smaller batch",
			})
			return
		}
		s.writeError(w, err)
		return
	}
	meta, err := db.FindStoreByName(store.Name())
	if err != nil || meta == nil {
		s.writeError(w, fmt.Errorf("store %s has no metadata row", store.Name()))
		return
	}

	token, stagingPath, err := store.Stage(req.UploadSize, req.UploadName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	storePath, err := store.ReservePath(req.UploadName)
	if err != nil {
		s.writeError(w, err)
		return
	}

	transfer, err := db.CreateIncomingTransfer(&model.IncomingTransfer{
		Status:           model.TransferInitiated,
		UploadName:       req.UploadName,
		Uploader:         req.Uploader,
		Source:           source,
		TransferSize:     req.UploadSize,
		TransferChecksum: req.UploadChecksum,
		StartTime:        s.clock.Now(),
		StoreID:          meta.ID,
		StagingToken:     token,
		StagingPath:      stagingPath,
		StorePath:        storePath,
		SourceTransferID: req.SourceTransferID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	free, _ := store.FreeSpace()
	s.writeJSON(w, http.StatusOK, api.CloneStageResponse{
		DestinationTransferID: transfer.ID,
		StoreName:             store.Name(),
		StagingPath:           stagingPath,
		TransferProviders:     s.svc.Managers().Names(),
		AvailableBytes:        free,
	})
}

func (s *Server) handleCloneOngoing(w http.ResponseWriter, r *http.Request) {
	var req api.CloneOngoingRequest
	if !s.decode(w, r, &req) {
		return
	}
	transfer, ok := s.incomingForCallback(w, r, req.DestinationTransferID, req.SourceTransferID)
	if !ok {
		return
	}
	if transfer.Status == model.TransferOngoing {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if !transfer.Status.CanTransition(model.TransferOngoing) {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("transfer %d is %s, cannot move to ONGOING", transfer.ID, transfer.Status),
		})
		return
	}
	transfer.Status = model.TransferOngoing
	transfer.TransferManager = req.TransferManager
	if err := s.svc.Database().UpdateIncomingTransfer(transfer); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleCloneStaged(w http.ResponseWriter, r *http.Request) {
	var req api.CloneStagedRequest
	if !s.decode(w, r, &req) {
		return
	}
	transfer, ok := s.incomingForCallback(w, r, req.DestinationTransferID, req.SourceTransferID)
	if !ok {
		return
	}
	if transfer.Status == model.TransferStaged {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if !transfer.Status.CanTransition(model.TransferStaged) {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("transfer %d is %s, cannot move to STAGED", transfer.ID, transfer.Status),
		})
		return
	}
	transfer.Status = model.TransferStaged
	if err := s.svc.Database().UpdateIncomingTransfer(transfer); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

// incomingForCallback resolves and authorizes the inbound transfer a peer
// callback refers to. Only the peer that originated a transfer may drive
// it.
func (s *Server) incomingForCallback(w http.ResponseWriter, r *http.Request, id, sourceID int64) (*model.IncomingTransfer, bool) {
	transfer, err := s.svc.Database().FindIncomingTransferByID(id)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if transfer == nil {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusNotFound,
			Reason: fmt.Sprintf("no inbound transfer %d", id),
		})
		return nil, false
	}
	caller := authenticatedUser(r.Context())
	if transfer.Source != caller.Username && caller.AuthLevel < model.AuthAdmin {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusForbidden,
			Reason: "transfer belongs to a different librarian",
		})
		return nil, false
	}
	if transfer.SourceTransferID != sourceID {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusBadRequest,
			Reason: "source transfer id does not match our record",
		})
		return nil, false
	}
	return transfer, true
}

func (s *Server) handleCloneComplete(w http.ResponseWriter, r *http.Request) {
	var req api.CloneCompleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	db := s.svc.Database()

	transfer, err := db.FindOutgoingTransferByID(req.SourceTransferID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if transfer == nil {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusNotFound,
			Reason: fmt.Sprintf("no outbound transfer %d", req.SourceTransferID),
		})
		return
	}
	caller := authenticatedUser(r.Context())
	if transfer.Destination != caller.Username && caller.AuthLevel < model.AuthAdmin {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusForbidden,
			Reason: "transfer belongs to a different librarian",
		})
		return
	}
	if transfer.Status == model.TransferCompleted {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if !transfer.Status.CanTransition(model.TransferCompleted) {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("transfer %d is %s, cannot move to COMPLETED", transfer.ID, transfer.Status),
		})
		return
	}

	transfer.Status = model.TransferCompleted
	transfer.EndTime = s.clock.Now()
	if err := db.UpdateOutgoingTransfer(transfer); err != nil {
		s.writeError(w, err)
		return
	}

	// The destination now holds a copy. Record it so replication and
	// rolling deletion can count it.
	if lib, err := db.FindLibrarianByName(transfer.Destination); err == nil && lib != nil {
		_, err := db.CreateRemoteInstance(&model.RemoteInstance{
			FileName:    transfer.FileName,
			LibrarianID: lib.ID,
			CopyTime:    s.clock.Now(),
			Sender:      s.svc.Name(),
		})
		if err != nil {
			s.logger.Error("recording remote instance", "file", transfer.FileName, "librarian", transfer.Destination, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleCloneFail(w http.ResponseWriter, r *http.Request) {
	var req api.CloneFailRequest
	if !s.decode(w, r, &req) {
		return
	}
	db := s.svc.Database()
	caller := authenticatedUser(r.Context())

	// The caller may be either side of the transfer: resolve whichever
	// record the IDs name here.
	if req.DestinationTransferID != 0 {
		transfer, err := db.FindIncomingTransferByID(req.DestinationTransferID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if transfer != nil && (transfer.Source == caller.Username || caller.AuthLevel >= model.AuthAdmin) {
			if transfer.Status.CanTransition(model.TransferFailed) {
				transfer.Status = model.TransferFailed
				transfer.EndTime = s.clock.Now()
				if err := db.UpdateIncomingTransfer(transfer); err != nil {
					s.writeError(w, err)
					return
				}
				s.releaseStaging(transfer)
				s.logger.Info("inbound transfer failed by peer", "transfer", transfer.ID, "reason", req.Reason)
			}
			s.writeJSON(w, http.StatusOK, struct{}{})
			return
		}
	}

	if req.SourceTransferID != 0 {
		transfer, err := db.FindOutgoingTransferByID(req.SourceTransferID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if transfer != nil && (transfer.Destination == caller.Username || caller.AuthLevel >= model.AuthAdmin) {
			if transfer.Status.CanTransition(model.TransferFailed) {
				transfer.Status = model.TransferFailed
				transfer.EndTime = s.clock.Now()
				if err := db.UpdateOutgoingTransfer(transfer); err != nil {
					s.writeError(w, err)
					return
				}
				s.logger.Info("outbound transfer failed by peer", "transfer", transfer.ID, "reason", req.Reason)
			}
			s.writeJSON(w, http.StatusOK, struct{}{})
			return
		}
	}

	s.writeError(w, &librarian.HTTPError{
		Status: http.StatusNotFound,
		Reason: "no matching transfer record",
	})
}

func (s *Server) releaseStaging(transfer *model.IncomingTransfer) {
	if transfer.StagingToken == "" {
		return
	}
	store, err := s.svc.StoreForID(transfer.StoreID)
	if err != nil {
		return
	}
	if err := store.Unstage(transfer.StagingToken); err != nil {
		s.logger.Warn("releasing staging area", "transfer", transfer.ID, "error", err)
	}
}

func (s *Server) handleCorruptPrepare(w http.ResponseWriter, r *http.Request) {
	var req api.CorruptPrepareRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller := authenticatedUser(r.Context())
	_, _, _, _, err := s.svc.RepairValidation(r.Context(), caller.Username, req.LibrarianName, req.FileName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CorruptPrepareResponse{Ready: true})
}

func (s *Server) handleCorruptResend(w http.ResponseWriter, r *http.Request) {
	var req api.CorruptResendRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller := authenticatedUser(r.Context())
	ids, err := s.svc.Resend(r.Context(), caller.Username, req.LibrarianName, req.FileName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CorruptResendResponse{
		Success:                true,
		DestinationTransferIDs: ids,
	})
}

func (s *Server) handleValidateFile(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	db := s.svc.Database()

	// Always 200: an empty list is evidence too.
	file, err := db.FindFileByName(req.FileName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if file == nil {
		s.writeJSON(w, http.StatusOK, api.ValidateFileResponse{Checksums: []api.ChecksumInfo{}})
		return
	}

	checksums, err := s.svc.ValidateFileLocal(file)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Fan out to every peer we believe holds a copy and join the
	// evidence. Unreachable peers contribute nothing.
	remotes, err := db.FindRemoteInstancesByFile(req.FileName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, ri := range remotes {
		if seen[ri.LibrarianID] {
			continue
		}
		seen[ri.LibrarianID] = true

		lib, err := db.FindLibrarianByID(ri.LibrarianID)
		if err != nil || lib == nil {
			continue
		}
		peer := s.svc.PeerFor(lib.Name)
		if peer == nil {
			continue
		}
		wg.Add(1)
		go func(name string, peer librarian.PeerClient) {
			defer wg.Done()
			infos, err := peer.ValidateFile(r.Context(), req.FileName)
			if err != nil {
				s.logger.Warn("downstream validation failed", "librarian", name, "file", req.FileName, "error", err)
				return
			}
			mu.Lock()
			checksums = append(checksums, infos...)
			mu.Unlock()
		}(lib.Name, peer)
	}
	wg.Wait()

	s.writeJSON(w, http.StatusOK, api.ValidateFileResponse{Checksums: checksums})
}

// librarianForCircuitBreaker resolves and authorizes the librarian a
// transfers status or update request names.
func (s *Server) librarianForCircuitBreaker(w http.ResponseWriter, r *http.Request, name string) (*model.Librarian, bool) {
	lib, err := s.svc.Database().FindLibrarianByName(name)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if lib == nil {
		s.writeError(w, &librarian.HTTPError{
			Status:          http.StatusBadRequest,
			Reason:          fmt.Sprintf("%s is not a known librarian", name),
			SuggestedRemedy: "register the librarian before asking about it",
		})
		return nil, false
	}
	caller := authenticatedUser(r.Context())
	if caller.Username != name && caller.AuthLevel < model.AuthAdmin {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusForbidden,
			Reason: "peers may only ask about themselves",
		})
		return nil, false
	}
	return lib, true
}

func (s *Server) handleTransfersStatus(w http.ResponseWriter, r *http.Request) {
	var req api.TransfersStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	lib, ok := s.librarianForCircuitBreaker(w, r, req.LibrarianName)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, api.TransfersStatusResponse{
		LibrarianName:    lib.Name,
		TransfersEnabled: lib.TransfersEnabled,
	})
}

func (s *Server) handleTransfersUpdate(w http.ResponseWriter, r *http.Request) {
	var req api.TransfersUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	lib, ok := s.librarianForCircuitBreaker(w, r, req.LibrarianName)
	if !ok {
		return
	}
	if err := s.svc.Database().SetLibrarianTransfersEnabled(lib.ID, req.TransfersEnabled); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("transfers circuit breaker updated", "librarian", lib.Name, "enabled", req.TransfersEnabled)
	s.writeJSON(w, http.StatusOK, api.TransfersUpdateResponse{Success: true})
}

func (s *Server) handleTransferRecordStatus(w http.ResponseWriter, r *http.Request) {
	var req api.TransferRecordStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller := authenticatedUser(r.Context())
	db := s.svc.Database()

	var status model.TransferStatus
	var owner string
	switch req.Direction {
	case "incoming":
		transfer, err := db.FindIncomingTransferByID(req.TransferID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if transfer == nil {
			s.writeError(w, &librarian.HTTPError{Status: http.StatusNotFound, Reason: "no such transfer"})
			return
		}
		status, owner = transfer.Status, transfer.Source
	case "outgoing":
		transfer, err := db.FindOutgoingTransferByID(req.TransferID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if transfer == nil {
			s.writeError(w, &librarian.HTTPError{Status: http.StatusNotFound, Reason: "no such transfer"})
			return
		}
		status, owner = transfer.Status, transfer.Destination
	default:
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusBadRequest,
			Reason: "direction must be incoming or outgoing",
		})
		return
	}

	if owner != caller.Username && caller.AuthLevel < model.AuthAdmin {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusForbidden,
			Reason: "transfer belongs to a different librarian",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, api.TransferRecordStatusResponse{
		TransferID: req.TransferID,
		Status:     status.String(),
	})
}

func (s *Server) handleAdminAddFile(w http.ResponseWriter, r *http.Request) {
	var req api.AdminAddFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	db := s.svc.Database()

	store, err := s.svc.StoreByName(req.StoreName)
	if err != nil {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("store %s is not configured", req.StoreName),
		})
		return
	}
	meta, err := db.FindStoreByName(req.StoreName)
	if err != nil || meta == nil {
		s.writeError(w, fmt.Errorf("store %s has no metadata row", req.StoreName))
		return
	}

	// The bytes must already be in place and match the claimed checksum.
	info, err := store.PathInfo(req.Path, checksum.AlgorithmOf(req.Checksum))
	if err != nil {
		s.writeError(w, &librarian.HTTPError{
			Status:          http.StatusBadRequest,
			Reason:          fmt.Sprintf("cannot read %s on store %s", req.Path, req.StoreName),
			SuggestedRemedy: "place the bytes on the store before registering them",
		})
		return
	}
	match, err := checksum.Compare(req.Checksum, info.Checksum)
	if err != nil || !match || info.Size != req.Size {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusBadRequest,
			Reason: "bytes on disk do not match the claimed checksum and size",
		})
		return
	}

	existing, err := db.FindFileByName(req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if existing == nil {
		err := db.CreateFile(&model.File{
			Name:       req.Name,
			CreateTime: req.CreateTime,
			Size:       req.Size,
			Checksum:   req.Checksum,
			Uploader:   req.Uploader,
			Source:     req.Source,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	instance, err := db.CreateInstance(&model.Instance{
		Path:        req.Path,
		FileName:    req.Name,
		StoreID:     meta.ID,
		CreatedTime: s.clock.Now(),
		Available:   true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, api.AdminAddFileResponse{
		Success:    true,
		FileExists: existing != nil,
		InstanceID: instance.ID,
	})
}

func (s *Server) handleAdminVerifyFile(w http.ResponseWriter, r *http.Request) {
	var req api.AdminVerifyFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	file, err := s.svc.Database().FindFileByName(req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if file == nil {
		s.writeError(w, &librarian.HTTPError{
			Status: http.StatusNotFound,
			Reason: fmt.Sprintf("no file named %s", req.Name),
		})
		return
	}

	checksums, err := s.svc.ValidateFileLocal(file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	verified := len(checksums) > 0
	for _, info := range checksums {
		if !info.ChecksumsMatch {
			verified = false
		}
	}
	s.writeJSON(w, http.StatusOK, api.AdminVerifyFileResponse{
		Verified:  verified,
		Checksums: checksums,
	})
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	includeCleared := r.URL.Query().Get("include_cleared") == "true"
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.svc.Database().ListErrorRecords(includeCleared, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	infos := make([]api.ErrorRecordInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, api.ErrorRecordInfo{
			ID:         rec.ID,
			Severity:   rec.Severity.String(),
			Category:   rec.Category.String(),
			Message:    rec.Message,
			RaisedTime: rec.RaisedTime,
			Cleared:    rec.Cleared,
		})
	}
	s.writeJSON(w, http.StatusOK, api.ErrorListResponse{Errors: infos})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	var req api.ErrorClearRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Database().ClearErrorRecord(req.ID, s.clock.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ErrorClearResponse{Success: true})
}
