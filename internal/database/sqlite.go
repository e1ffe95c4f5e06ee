package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"librarian-go/internal/database/migrations"
	"librarian-go/internal/librarian"
	"librarian-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:   db,
		path: path,
	}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{
		db:   db,
		path: "",
	}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Scheduler workers and the HTTP server share this connection pool.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// nullTime converts a zero time to NULL on the way into the database.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timeOf(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// File operations

const fileColumns = "name, create_time, size, checksum, uploader, source"

func scanFile(s scanner) (*model.File, error) {
	var f model.File
	err := s.Scan(&f.Name, &f.CreateTime, &f.Size, &f.Checksum, &f.Uploader, &f.Source)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteDatabase) CreateFile(file *model.File) error {
	_, err := s.db.Exec(
		"INSERT INTO files ("+fileColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		file.Name, file.CreateTime, file.Size, file.Checksum, file.Uploader, file.Source,
	)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindFileByName(name string) (*model.File, error) {
	row := s.db.QueryRow("SELECT "+fileColumns+" FROM files WHERE name = ?", name)
	file, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding file by name: %w", err)
	}
	return file, nil
}

func (s *SQLiteDatabase) DeleteFile(name string) error {
	// Instances and remote instances cascade via foreign keys.
	if _, err := s.db.Exec("DELETE FROM files WHERE name = ?", name); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindFilesWithoutRemoteInstance(librarianID int64, cutoff time.Time, limit int) ([]*model.File, error) {
	rows, err := s.db.Query(
		`SELECT `+fileColumns+` FROM files f
		 WHERE f.create_time < ?
		   AND EXISTS (SELECT 1 FROM instances i WHERE i.file_name = f.name AND i.available = 1)
		   AND NOT EXISTS (SELECT 1 FROM remote_instances ri
		                   WHERE ri.file_name = f.name AND ri.librarian_id = ?)
		 ORDER BY f.create_time ASC
		 LIMIT ?`,
		cutoff, librarianID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("finding files without remote instance: %w", err)
	}
	defer rows.Close()

	var result []*model.File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("finding files without remote instance: %w", err)
		}
		result = append(result, file)
	}
	return result, rows.Err()
}

// Instance operations

const instanceColumns = "id, path, file_name, store_id, deletion_policy, created_time, available, calculated_checksum, calculated_size, checksum_time"

func scanInstance(s scanner) (*model.Instance, error) {
	var i model.Instance
	var checksumTime sql.NullTime
	err := s.Scan(&i.ID, &i.Path, &i.FileName, &i.StoreID, &i.DeletionPolicy,
		&i.CreatedTime, &i.Available, &i.CalculatedChecksum, &i.CalculatedSize, &checksumTime)
	if err != nil {
		return nil, err
	}
	i.ChecksumTime = timeOf(checksumTime)
	return &i, nil
}

func (s *SQLiteDatabase) CreateInstance(instance *model.Instance) (*model.Instance, error) {
	res, err := s.db.Exec(
		`INSERT INTO instances (path, file_name, store_id, deletion_policy, created_time, available, calculated_checksum, calculated_size, checksum_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.Path, instance.FileName, instance.StoreID, instance.DeletionPolicy,
		instance.CreatedTime, instance.Available, instance.CalculatedChecksum,
		instance.CalculatedSize, nullTime(instance.ChecksumTime),
	)
	if err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}
	instance.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}
	return instance, nil
}

func (s *SQLiteDatabase) FindInstanceByID(id int64) (*model.Instance, error) {
	row := s.db.QueryRow("SELECT "+instanceColumns+" FROM instances WHERE id = ?", id)
	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding instance by id: %w", err)
	}
	return instance, nil
}

func (s *SQLiteDatabase) FindInstancesByFileName(fileName string) ([]*model.Instance, error) {
	rows, err := s.db.Query("SELECT "+instanceColumns+" FROM instances WHERE file_name = ? ORDER BY id", fileName)
	if err != nil {
		return nil, fmt.Errorf("finding instances by file name: %w", err)
	}
	defer rows.Close()

	var result []*model.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("finding instances by file name: %w", err)
		}
		result = append(result, instance)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) FindInstancesForIntegrityCheck(storeID int64, cutoff time.Time, limit int) ([]*model.Instance, error) {
	// Never-checked instances (NULL checksum_time) come first.
	rows, err := s.db.Query(
		`SELECT `+instanceColumns+` FROM instances
		 WHERE store_id = ? AND available = 1 AND (checksum_time IS NULL OR checksum_time < ?)
		 ORDER BY checksum_time IS NOT NULL, checksum_time ASC
		 LIMIT ?`,
		storeID, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("finding instances for integrity check: %w", err)
	}
	defer rows.Close()

	var result []*model.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("finding instances for integrity check: %w", err)
		}
		result = append(result, instance)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) FindInstancesOlderThan(storeID int64, cutoff time.Time, limit int) ([]*model.Instance, error) {
	rows, err := s.db.Query(
		`SELECT `+instanceColumns+` FROM instances
		 WHERE store_id = ? AND available = 1 AND created_time < ?
		 ORDER BY created_time ASC
		 LIMIT ?`,
		storeID, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("finding instances older than cutoff: %w", err)
	}
	defer rows.Close()

	var result []*model.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("finding instances older than cutoff: %w", err)
		}
		result = append(result, instance)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) UpdateInstanceChecksum(id int64, checksum string, size int64, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE instances SET calculated_checksum = ?, calculated_size = ?, checksum_time = ? WHERE id = ?",
		checksum, size, at, id,
	)
	if err != nil {
		return fmt.Errorf("updating instance checksum: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) SetInstanceAvailable(id int64, available bool) error {
	if _, err := s.db.Exec("UPDATE instances SET available = ? WHERE id = ?", available, id); err != nil {
		return fmt.Errorf("setting instance availability: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteInstance(id int64) error {
	if _, err := s.db.Exec("DELETE FROM instances WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}
	return nil
}

// RemoteInstance operations

const remoteInstanceColumns = "id, file_name, store_id, librarian_id, copy_time, sender"

func scanRemoteInstance(s scanner) (*model.RemoteInstance, error) {
	var r model.RemoteInstance
	err := s.Scan(&r.ID, &r.FileName, &r.StoreID, &r.LibrarianID, &r.CopyTime, &r.Sender)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteDatabase) CreateRemoteInstance(ri *model.RemoteInstance) (*model.RemoteInstance, error) {
	res, err := s.db.Exec(
		"INSERT INTO remote_instances (file_name, store_id, librarian_id, copy_time, sender) VALUES (?, ?, ?, ?, ?)",
		ri.FileName, ri.StoreID, ri.LibrarianID, ri.CopyTime, ri.Sender,
	)
	if err != nil {
		return nil, fmt.Errorf("creating remote instance: %w", err)
	}
	ri.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating remote instance: %w", err)
	}
	return ri, nil
}

func (s *SQLiteDatabase) FindRemoteInstances(fileName string, librarianID int64) ([]*model.RemoteInstance, error) {
	rows, err := s.db.Query(
		"SELECT "+remoteInstanceColumns+" FROM remote_instances WHERE file_name = ? AND librarian_id = ? ORDER BY id",
		fileName, librarianID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding remote instances: %w", err)
	}
	defer rows.Close()
	return collectRemoteInstances(rows)
}

func (s *SQLiteDatabase) FindRemoteInstancesByFile(fileName string) ([]*model.RemoteInstance, error) {
	rows, err := s.db.Query(
		"SELECT "+remoteInstanceColumns+" FROM remote_instances WHERE file_name = ? ORDER BY id",
		fileName,
	)
	if err != nil {
		return nil, fmt.Errorf("finding remote instances by file: %w", err)
	}
	defer rows.Close()
	return collectRemoteInstances(rows)
}

func (s *SQLiteDatabase) FindDuplicateRemoteInstances() ([]*model.RemoteInstance, error) {
	// Keep the oldest row per (file, librarian) pair; everything else is
	// redundant.
	rows, err := s.db.Query(
		`SELECT ` + remoteInstanceColumns + ` FROM remote_instances
		 WHERE id NOT IN (
		     SELECT MIN(id) FROM remote_instances GROUP BY file_name, librarian_id
		 )
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("finding duplicate remote instances: %w", err)
	}
	defer rows.Close()
	return collectRemoteInstances(rows)
}

func collectRemoteInstances(rows *sql.Rows) ([]*model.RemoteInstance, error) {
	var result []*model.RemoteInstance
	for rows.Next() {
		ri, err := scanRemoteInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning remote instance: %w", err)
		}
		result = append(result, ri)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) DeleteRemoteInstance(id int64) error {
	if _, err := s.db.Exec("DELETE FROM remote_instances WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting remote instance: %w", err)
	}
	return nil
}

// Librarian operations

const librarianColumns = "id, name, url, authenticator, transfers_enabled"

func scanLibrarian(s scanner) (*model.Librarian, error) {
	var l model.Librarian
	err := s.Scan(&l.ID, &l.Name, &l.URL, &l.Authenticator, &l.TransfersEnabled)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLiteDatabase) CreateLibrarian(l *model.Librarian) (*model.Librarian, error) {
	res, err := s.db.Exec(
		"INSERT INTO librarians (name, url, authenticator, transfers_enabled) VALUES (?, ?, ?, ?)",
		l.Name, l.URL, l.Authenticator, l.TransfersEnabled,
	)
	if err != nil {
		return nil, fmt.Errorf("creating librarian: %w", err)
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating librarian: %w", err)
	}
	return l, nil
}

func (s *SQLiteDatabase) FindLibrarianByName(name string) (*model.Librarian, error) {
	row := s.db.QueryRow("SELECT "+librarianColumns+" FROM librarians WHERE name = ?", name)
	l, err := scanLibrarian(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding librarian by name: %w", err)
	}
	return l, nil
}

func (s *SQLiteDatabase) SetLibrarianTransfersEnabled(id int64, enabled bool) error {
	if _, err := s.db.Exec("UPDATE librarians SET transfers_enabled = ? WHERE id = ?", enabled, id); err != nil {
		return fmt.Errorf("updating librarian transfers flag: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindLibrarianByID(id int64) (*model.Librarian, error) {
	row := s.db.QueryRow("SELECT "+librarianColumns+" FROM librarians WHERE id = ?", id)
	l, err := scanLibrarian(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding librarian by id: %w", err)
	}
	return l, nil
}

func (s *SQLiteDatabase) ListLibrarians() ([]*model.Librarian, error) {
	rows, err := s.db.Query("SELECT " + librarianColumns + " FROM librarians ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing librarians: %w", err)
	}
	defer rows.Close()

	var result []*model.Librarian
	for rows.Next() {
		l, err := scanLibrarian(rows)
		if err != nil {
			return nil, fmt.Errorf("listing librarians: %w", err)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// Store operations

const storeColumns = "id, name, store_type, ingestable, enabled"

func scanStore(s scanner) (*model.StoreMetadata, error) {
	var m model.StoreMetadata
	err := s.Scan(&m.ID, &m.Name, &m.StoreType, &m.Ingestable, &m.Enabled)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteDatabase) EnsureStore(meta *model.StoreMetadata) (*model.StoreMetadata, error) {
	_, err := s.db.Exec(
		`INSERT INTO stores (name, store_type, ingestable, enabled) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		     store_type = excluded.store_type,
		     ingestable = excluded.ingestable,
		     enabled = excluded.enabled`,
		meta.Name, meta.StoreType, meta.Ingestable, meta.Enabled,
	)
	if err != nil {
		return nil, fmt.Errorf("ensuring store: %w", err)
	}
	return s.FindStoreByName(meta.Name)
}

func (s *SQLiteDatabase) FindStoreByName(name string) (*model.StoreMetadata, error) {
	row := s.db.QueryRow("SELECT "+storeColumns+" FROM stores WHERE name = ?", name)
	meta, err := scanStore(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding store by name: %w", err)
	}
	return meta, nil
}

func (s *SQLiteDatabase) FindStoreByID(id int64) (*model.StoreMetadata, error) {
	row := s.db.QueryRow("SELECT "+storeColumns+" FROM stores WHERE id = ?", id)
	meta, err := scanStore(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding store by id: %w", err)
	}
	return meta, nil
}

// IncomingTransfer operations

const incomingColumns = "id, status, upload_name, uploader, source, transfer_size, transfer_checksum, transfer_manager, start_time, end_time, store_id, staging_token, staging_path, store_path, source_transfer_id"

func scanIncoming(s scanner) (*model.IncomingTransfer, error) {
	var t model.IncomingTransfer
	var endTime sql.NullTime
	err := s.Scan(&t.ID, &t.Status, &t.UploadName, &t.Uploader, &t.Source,
		&t.TransferSize, &t.TransferChecksum, &t.TransferManager,
		&t.StartTime, &endTime, &t.StoreID, &t.StagingToken, &t.StagingPath,
		&t.StorePath, &t.SourceTransferID)
	if err != nil {
		return nil, err
	}
	t.EndTime = timeOf(endTime)
	return &t, nil
}

func (s *SQLiteDatabase) CreateIncomingTransfer(t *model.IncomingTransfer) (*model.IncomingTransfer, error) {
	res, err := s.db.Exec(
		`INSERT INTO incoming_transfers (status, upload_name, uploader, source, transfer_size, transfer_checksum, transfer_manager, start_time, end_time, store_id, staging_token, staging_path, store_path, source_transfer_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Status, t.UploadName, t.Uploader, t.Source, t.TransferSize,
		t.TransferChecksum, t.TransferManager, t.StartTime, nullTime(t.EndTime),
		t.StoreID, t.StagingToken, t.StagingPath, t.StorePath, t.SourceTransferID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating incoming transfer: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating incoming transfer: %w", err)
	}
	return t, nil
}

func (s *SQLiteDatabase) FindIncomingTransferByID(id int64) (*model.IncomingTransfer, error) {
	row := s.db.QueryRow("SELECT "+incomingColumns+" FROM incoming_transfers WHERE id = ?", id)
	t, err := scanIncoming(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding incoming transfer by id: %w", err)
	}
	return t, nil
}

// statusPlaceholders builds an "IN (?, ?, ...)" argument list.
func statusPlaceholders(statuses []model.TransferStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		marks[i] = "?"
		args[i] = int(status)
	}
	return strings.Join(marks, ", "), args
}

func (s *SQLiteDatabase) FindIncomingTransfersByStatus(statuses ...model.TransferStatus) ([]*model.IncomingTransfer, error) {
	marks, args := statusPlaceholders(statuses)
	rows, err := s.db.Query(
		"SELECT "+incomingColumns+" FROM incoming_transfers WHERE status IN ("+marks+") ORDER BY start_time",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("finding incoming transfers by status: %w", err)
	}
	defer rows.Close()
	return collectIncoming(rows)
}

func (s *SQLiteDatabase) FindActiveIncomingTransfer(uploadName, source string) (*model.IncomingTransfer, error) {
	row := s.db.QueryRow(
		`SELECT `+incomingColumns+` FROM incoming_transfers
		 WHERE upload_name = ? AND source = ? AND status IN (?, ?, ?)
		 ORDER BY start_time DESC LIMIT 1`,
		uploadName, source,
		int(model.TransferInitiated), int(model.TransferOngoing), int(model.TransferStaged),
	)
	t, err := scanIncoming(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding active incoming transfer: %w", err)
	}
	return t, nil
}

func (s *SQLiteDatabase) FindStaleIncomingTransfers(cutoff time.Time) ([]*model.IncomingTransfer, error) {
	rows, err := s.db.Query(
		`SELECT `+incomingColumns+` FROM incoming_transfers
		 WHERE status IN (?, ?, ?) AND start_time < ?
		 ORDER BY start_time`,
		int(model.TransferInitiated), int(model.TransferOngoing), int(model.TransferStaged),
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("finding stale incoming transfers: %w", err)
	}
	defer rows.Close()
	return collectIncoming(rows)
}

func collectIncoming(rows *sql.Rows) ([]*model.IncomingTransfer, error) {
	var result []*model.IncomingTransfer
	for rows.Next() {
		t, err := scanIncoming(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning incoming transfer: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) UpdateIncomingTransfer(t *model.IncomingTransfer) error {
	_, err := s.db.Exec(
		`UPDATE incoming_transfers SET status = ?, upload_name = ?, uploader = ?, source = ?, transfer_size = ?, transfer_checksum = ?, transfer_manager = ?, start_time = ?, end_time = ?, store_id = ?, staging_token = ?, staging_path = ?, store_path = ?, source_transfer_id = ?
		 WHERE id = ?`,
		t.Status, t.UploadName, t.Uploader, t.Source, t.TransferSize,
		t.TransferChecksum, t.TransferManager, t.StartTime, nullTime(t.EndTime),
		t.StoreID, t.StagingToken, t.StagingPath, t.StorePath, t.SourceTransferID,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating incoming transfer: %w", err)
	}
	return nil
}

// OutgoingTransfer operations

const outgoingColumns = "id, status, destination, file_name, instance_id, transfer_size, transfer_checksum, transfer_manager, start_time, end_time, source_path, dest_path, remote_transfer_id, send_queue_id"

func scanOutgoing(s scanner) (*model.OutgoingTransfer, error) {
	var t model.OutgoingTransfer
	var endTime sql.NullTime
	err := s.Scan(&t.ID, &t.Status, &t.Destination, &t.FileName, &t.InstanceID,
		&t.TransferSize, &t.TransferChecksum, &t.TransferManager,
		&t.StartTime, &endTime, &t.SourcePath, &t.DestPath,
		&t.RemoteTransferID, &t.SendQueueID)
	if err != nil {
		return nil, err
	}
	t.EndTime = timeOf(endTime)
	return &t, nil
}

func (s *SQLiteDatabase) CreateOutgoingTransfer(t *model.OutgoingTransfer) (*model.OutgoingTransfer, error) {
	res, err := s.db.Exec(
		`INSERT INTO outgoing_transfers (status, destination, file_name, instance_id, transfer_size, transfer_checksum, transfer_manager, start_time, end_time, source_path, dest_path, remote_transfer_id, send_queue_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Status, t.Destination, t.FileName, t.InstanceID, t.TransferSize,
		t.TransferChecksum, t.TransferManager, t.StartTime, nullTime(t.EndTime),
		t.SourcePath, t.DestPath, t.RemoteTransferID, t.SendQueueID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating outgoing transfer: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating outgoing transfer: %w", err)
	}
	return t, nil
}

func (s *SQLiteDatabase) FindOutgoingTransferByID(id int64) (*model.OutgoingTransfer, error) {
	row := s.db.QueryRow("SELECT "+outgoingColumns+" FROM outgoing_transfers WHERE id = ?", id)
	t, err := scanOutgoing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding outgoing transfer by id: %w", err)
	}
	return t, nil
}

func (s *SQLiteDatabase) FindOutgoingTransfersByStatus(statuses ...model.TransferStatus) ([]*model.OutgoingTransfer, error) {
	marks, args := statusPlaceholders(statuses)
	rows, err := s.db.Query(
		"SELECT "+outgoingColumns+" FROM outgoing_transfers WHERE status IN ("+marks+") ORDER BY start_time",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("finding outgoing transfers by status: %w", err)
	}
	defer rows.Close()
	return collectOutgoing(rows)
}

func (s *SQLiteDatabase) FindOutgoingTransfersBySendQueue(queueID int64) ([]*model.OutgoingTransfer, error) {
	rows, err := s.db.Query(
		"SELECT "+outgoingColumns+" FROM outgoing_transfers WHERE send_queue_id = ? ORDER BY id",
		queueID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding outgoing transfers by send queue: %w", err)
	}
	defer rows.Close()
	return collectOutgoing(rows)
}

func (s *SQLiteDatabase) FindStaleOutgoingTransfers(cutoff time.Time) ([]*model.OutgoingTransfer, error) {
	rows, err := s.db.Query(
		`SELECT `+outgoingColumns+` FROM outgoing_transfers
		 WHERE status IN (?, ?, ?) AND start_time < ?
		 ORDER BY start_time`,
		int(model.TransferInitiated), int(model.TransferOngoing), int(model.TransferStaged),
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("finding stale outgoing transfers: %w", err)
	}
	defer rows.Close()
	return collectOutgoing(rows)
}

func collectOutgoing(rows *sql.Rows) ([]*model.OutgoingTransfer, error) {
	var result []*model.OutgoingTransfer
	for rows.Next() {
		t, err := scanOutgoing(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outgoing transfer: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) UpdateOutgoingTransfer(t *model.OutgoingTransfer) error {
	_, err := s.db.Exec(
		`UPDATE outgoing_transfers SET status = ?, destination = ?, file_name = ?, instance_id = ?, transfer_size = ?, transfer_checksum = ?, transfer_manager = ?, start_time = ?, end_time = ?, source_path = ?, dest_path = ?, remote_transfer_id = ?, send_queue_id = ?
		 WHERE id = ?`,
		t.Status, t.Destination, t.FileName, t.InstanceID, t.TransferSize,
		t.TransferChecksum, t.TransferManager, t.StartTime, nullTime(t.EndTime),
		t.SourcePath, t.DestPath, t.RemoteTransferID, t.SendQueueID,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating outgoing transfer: %w", err)
	}
	return nil
}

// SendQueue operations

const sendQueueColumns = "id, created_time, destination, transfer_manager, transfer_data, retries, consumed, consumed_time, completed, completed_time, failed"

func scanSendQueue(s scanner) (*model.SendQueue, error) {
	var q model.SendQueue
	var consumedTime, completedTime sql.NullTime
	err := s.Scan(&q.ID, &q.CreatedTime, &q.Destination, &q.TransferManager,
		&q.TransferData, &q.Retries, &q.Consumed, &consumedTime,
		&q.Completed, &completedTime, &q.Failed)
	if err != nil {
		return nil, err
	}
	q.ConsumedTime = timeOf(consumedTime)
	q.CompletedTime = timeOf(completedTime)
	return &q, nil
}

func (s *SQLiteDatabase) CreateSendQueueEntry(q *model.SendQueue) (*model.SendQueue, error) {
	res, err := s.db.Exec(
		`INSERT INTO send_queue (created_time, destination, transfer_manager, transfer_data, retries, consumed, consumed_time, completed, completed_time, failed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.CreatedTime, q.Destination, q.TransferManager, q.TransferData,
		q.Retries, q.Consumed, nullTime(q.ConsumedTime),
		q.Completed, nullTime(q.CompletedTime), q.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("creating send queue entry: %w", err)
	}
	q.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating send queue entry: %w", err)
	}
	return q, nil
}

// ClaimUnconsumedSendQueue leases queue entries with a claim column rather
// than row locks. Entries whose lease expired are treated as unclaimed, so
// work is never stranded by a crashed worker.
func (s *SQLiteDatabase) ClaimUnconsumedSendQueue(now time.Time, lease time.Duration, limit int) ([]*model.SendQueue, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+sendQueueColumns+` FROM send_queue
		 WHERE consumed = 0 AND failed = 0 AND (claimed_until IS NULL OR claimed_until < ?)
		 ORDER BY created_time
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming send queue entries: %w", err)
	}

	var claimed []*model.SendQueue
	for rows.Next() {
		q, err := scanSendQueue(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("claiming send queue entries: %w", err)
		}
		claimed = append(claimed, q)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claiming send queue entries: %w", err)
	}
	rows.Close()

	until := now.Add(lease)
	for _, q := range claimed {
		if _, err := tx.Exec("UPDATE send_queue SET claimed_until = ? WHERE id = ?", until, q.ID); err != nil {
			return nil, fmt.Errorf("leasing send queue entry %d: %w", q.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteDatabase) FindConsumedSendQueue() ([]*model.SendQueue, error) {
	rows, err := s.db.Query(
		`SELECT ` + sendQueueColumns + ` FROM send_queue
		 WHERE consumed = 1 AND completed = 0 AND failed = 0
		 ORDER BY created_time`,
	)
	if err != nil {
		return nil, fmt.Errorf("finding consumed send queue entries: %w", err)
	}
	defer rows.Close()

	var result []*model.SendQueue
	for rows.Next() {
		q, err := scanSendQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("finding consumed send queue entries: %w", err)
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) FindSendQueueEntryByID(id int64) (*model.SendQueue, error) {
	row := s.db.QueryRow("SELECT "+sendQueueColumns+" FROM send_queue WHERE id = ?", id)
	q, err := scanSendQueue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding send queue entry by id: %w", err)
	}
	return q, nil
}

func (s *SQLiteDatabase) UpdateSendQueueEntry(q *model.SendQueue) error {
	_, err := s.db.Exec(
		`UPDATE send_queue SET destination = ?, transfer_manager = ?, transfer_data = ?, retries = ?, consumed = ?, consumed_time = ?, completed = ?, completed_time = ?, failed = ?
		 WHERE id = ?`,
		q.Destination, q.TransferManager, q.TransferData, q.Retries,
		q.Consumed, nullTime(q.ConsumedTime),
		q.Completed, nullTime(q.CompletedTime), q.Failed,
		q.ID,
	)
	if err != nil {
		return fmt.Errorf("updating send queue entry: %w", err)
	}
	return nil
}

// CompletedTransfer operations

func (s *SQLiteDatabase) CreateCompletedTransfer(ct *model.CompletedTransfer) error {
	_, err := s.db.Exec(
		`INSERT INTO completed_transfers (send_queue_id, task_id, source_endpoint_id, destination_endpoint_id, start_time, end_time, duration_seconds, bytes_transferred, effective_bandwidth_bps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.SendQueueID, ct.TaskID, ct.SourceEndpointID, ct.DestinationEndpointID,
		ct.StartTime, ct.EndTime, ct.DurationSeconds, ct.BytesTransferred,
		ct.EffectiveBandwidthBPS,
	)
	if err != nil {
		return fmt.Errorf("creating completed transfer: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindCompletedTransferByQueueID(queueID int64) (*model.CompletedTransfer, error) {
	row := s.db.QueryRow(
		`SELECT send_queue_id, task_id, source_endpoint_id, destination_endpoint_id, start_time, end_time, duration_seconds, bytes_transferred, effective_bandwidth_bps
		 FROM completed_transfers WHERE send_queue_id = ?`,
		queueID,
	)
	var ct model.CompletedTransfer
	err := row.Scan(&ct.SendQueueID, &ct.TaskID, &ct.SourceEndpointID,
		&ct.DestinationEndpointID, &ct.StartTime, &ct.EndTime,
		&ct.DurationSeconds, &ct.BytesTransferred, &ct.EffectiveBandwidthBPS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding completed transfer: %w", err)
	}
	return &ct, nil
}

// CorruptFile operations

const corruptColumns = "id, file_name, file_source, instance_id, instance_path, corrupt_size, corrupt_checksum, corrupt_count, replacement_requested, incoming_transfer_id, created_time"

func scanCorrupt(s scanner) (*model.CorruptFile, error) {
	var c model.CorruptFile
	err := s.Scan(&c.ID, &c.FileName, &c.FileSource, &c.InstanceID, &c.InstancePath,
		&c.CorruptSize, &c.CorruptChecksum, &c.CorruptCount,
		&c.ReplacementRequested, &c.IncomingTransferID, &c.CreatedTime)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteDatabase) CreateOrIncrementCorruptFile(cf *model.CorruptFile) (*model.CorruptFile, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		"SELECT "+corruptColumns+" FROM corrupt_files WHERE file_name = ? AND instance_id = ?",
		cf.FileName, cf.InstanceID,
	)
	existing, err := scanCorrupt(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checking for existing corrupt file: %w", err)
	}

	if existing != nil {
		if _, err := tx.Exec("UPDATE corrupt_files SET corrupt_count = corrupt_count + 1 WHERE id = ?", existing.ID); err != nil {
			return nil, fmt.Errorf("incrementing corrupt count: %w", err)
		}
		existing.CorruptCount++
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing transaction: %w", err)
		}
		return existing, nil
	}

	res, err := tx.Exec(
		`INSERT INTO corrupt_files (file_name, file_source, instance_id, instance_path, corrupt_size, corrupt_checksum, corrupt_count, replacement_requested, incoming_transfer_id, created_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cf.FileName, cf.FileSource, cf.InstanceID, cf.InstancePath,
		cf.CorruptSize, cf.CorruptChecksum, cf.CorruptCount,
		cf.ReplacementRequested, cf.IncomingTransferID, cf.CreatedTime,
	)
	if err != nil {
		return nil, fmt.Errorf("creating corrupt file: %w", err)
	}
	cf.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating corrupt file: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return cf, nil
}

func (s *SQLiteDatabase) ClaimCorruptFiles(now time.Time, lease time.Duration, limit int) ([]*model.CorruptFile, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+corruptColumns+` FROM corrupt_files
		 WHERE replacement_requested = 0 AND (claimed_until IS NULL OR claimed_until < ?)
		 ORDER BY created_time
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming corrupt files: %w", err)
	}

	var claimed []*model.CorruptFile
	for rows.Next() {
		c, err := scanCorrupt(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("claiming corrupt files: %w", err)
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claiming corrupt files: %w", err)
	}
	rows.Close()

	until := now.Add(lease)
	for _, c := range claimed {
		if _, err := tx.Exec("UPDATE corrupt_files SET claimed_until = ? WHERE id = ?", until, c.ID); err != nil {
			return nil, fmt.Errorf("leasing corrupt file %d: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteDatabase) FindCorruptFilesAwaitingReplacement() ([]*model.CorruptFile, error) {
	rows, err := s.db.Query(
		"SELECT " + corruptColumns + " FROM corrupt_files WHERE replacement_requested = 1 ORDER BY created_time",
	)
	if err != nil {
		return nil, fmt.Errorf("finding corrupt files awaiting replacement: %w", err)
	}
	defer rows.Close()

	var result []*model.CorruptFile
	for rows.Next() {
		c, err := scanCorrupt(rows)
		if err != nil {
			return nil, fmt.Errorf("finding corrupt files awaiting replacement: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) FindCorruptFileByID(id int64) (*model.CorruptFile, error) {
	row := s.db.QueryRow("SELECT "+corruptColumns+" FROM corrupt_files WHERE id = ?", id)
	c, err := scanCorrupt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding corrupt file by id: %w", err)
	}
	return c, nil
}

func (s *SQLiteDatabase) UpdateCorruptFile(cf *model.CorruptFile) error {
	_, err := s.db.Exec(
		`UPDATE corrupt_files SET file_name = ?, file_source = ?, instance_id = ?, instance_path = ?, corrupt_size = ?, corrupt_checksum = ?, corrupt_count = ?, replacement_requested = ?, incoming_transfer_id = ?
		 WHERE id = ?`,
		cf.FileName, cf.FileSource, cf.InstanceID, cf.InstancePath,
		cf.CorruptSize, cf.CorruptChecksum, cf.CorruptCount,
		cf.ReplacementRequested, cf.IncomingTransferID,
		cf.ID,
	)
	if err != nil {
		return fmt.Errorf("updating corrupt file: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteCorruptFile(id int64) error {
	if _, err := s.db.Exec("DELETE FROM corrupt_files WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting corrupt file: %w", err)
	}
	return nil
}

// Error log operations

func (s *SQLiteDatabase) CreateErrorRecord(e *model.ErrorRecord) error {
	res, err := s.db.Exec(
		`INSERT INTO error_log (severity, category, message, caller, raised_time, cleared, cleared_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Severity, e.Category, e.Message, e.Caller, e.RaisedTime,
		e.Cleared, nullTime(e.ClearedTime),
	)
	if err != nil {
		return fmt.Errorf("creating error record: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("creating error record: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListErrorRecords(includeCleared bool, limit int) ([]*model.ErrorRecord, error) {
	query := `SELECT id, severity, category, message, caller, raised_time, cleared, cleared_time
	          FROM error_log`
	if !includeCleared {
		query += " WHERE cleared = 0"
	}
	query += " ORDER BY raised_time DESC LIMIT ?"

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing error records: %w", err)
	}
	defer rows.Close()

	var result []*model.ErrorRecord
	for rows.Next() {
		var e model.ErrorRecord
		var clearedTime sql.NullTime
		err := rows.Scan(&e.ID, &e.Severity, &e.Category, &e.Message, &e.Caller,
			&e.RaisedTime, &e.Cleared, &clearedTime)
		if err != nil {
			return nil, fmt.Errorf("listing error records: %w", err)
		}
		e.ClearedTime = timeOf(clearedTime)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) ClearErrorRecord(id int64, at time.Time) error {
	_, err := s.db.Exec("UPDATE error_log SET cleared = 1, cleared_time = ? WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("clearing error record: %w", err)
	}
	return nil
}

// User operations

func (s *SQLiteDatabase) CreateUser(u *model.User) error {
	res, err := s.db.Exec(
		"INSERT INTO users (username, auth_level, password_hash) VALUES (?, ?, ?)",
		u.Username, u.AuthLevel, u.PasswordHash,
	)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindUserByName(username string) (*model.User, error) {
	row := s.db.QueryRow("SELECT id, username, auth_level, password_hash FROM users WHERE username = ?", username)
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.AuthLevel, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding user by name: %w", err)
	}
	return &u, nil
}

func (s *SQLiteDatabase) SetUserPassword(username string, passwordHash string) error {
	res, err := s.db.Exec("UPDATE users SET password_hash = ? WHERE username = ?", passwordHash, username)
	if err != nil {
		return fmt.Errorf("setting user password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting user password: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no user named %q", username)
	}
	return nil
}

// Compound operations

// IngestStagedFile commits a verified inbound transfer atomically: the file
// record is created unless it already exists, the instance is recorded, and
// the transfer row is finalized. A crash between these steps must never
// leave an instance without its file or a completed transfer without its
// instance.
func (s *SQLiteDatabase) IngestStagedFile(file *model.File, instance *model.Instance, transfer *model.IncomingTransfer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow("SELECT "+fileColumns+" FROM files WHERE name = ?", file.Name)
	_, err = scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.Exec(
			"INSERT INTO files ("+fileColumns+") VALUES (?, ?, ?, ?, ?, ?)",
			file.Name, file.CreateTime, file.Size, file.Checksum, file.Uploader, file.Source,
		)
		if err != nil {
			return fmt.Errorf("creating file: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("checking for existing file: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO instances (path, file_name, store_id, deletion_policy, created_time, available, calculated_checksum, calculated_size, checksum_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.Path, instance.FileName, instance.StoreID, instance.DeletionPolicy,
		instance.CreatedTime, instance.Available, instance.CalculatedChecksum,
		instance.CalculatedSize, nullTime(instance.ChecksumTime),
	)
	if err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}
	instance.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE incoming_transfers SET status = ?, end_time = ?, store_path = ?, staging_token = '', staging_path = ''
		 WHERE id = ?`,
		transfer.Status, nullTime(transfer.EndTime), transfer.StorePath, transfer.ID,
	)
	if err != nil {
		return fmt.Errorf("finalizing incoming transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrateUp brings the database schema to the latest version.
func (s *SQLiteDatabase) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements librarian.Database interface
var _ librarian.Database = (*SQLiteDatabase)(nil)
