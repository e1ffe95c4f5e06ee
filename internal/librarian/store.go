package librarian

// PathInfo describes a committed path inside a store.
type PathInfo struct {
	// Path is the store-relative path that was inspected.
	Path string
	// Size is the byte count of the file, or the total of all regular
	// files for a directory.
	Size int64
	// Checksum is the tagged digest of the path contents.
	Checksum string
}

// Store provides physical file placement for one storage area. A store
// separates a staging area, where inbound bytes land while a transfer is
// live, from the permanent store area that instances point into. All
// store-relative paths are validated against the store root before use.
type Store interface {
	// Name returns the configured store name.
	Name() string

	// Ingestable reports whether new uploads may target this store.
	Ingestable() bool

	// Available reports whether the backing storage can be reached.
	Available() (bool, error)

	// FreeSpace returns the usable bytes remaining, or -1 when the store
	// is unavailable.
	FreeSpace() (int64, error)

	// Stage reserves a staging area for an inbound transfer of the given
	// size. It returns an opaque token identifying the area and the
	// absolute path the sender should write into. Returns ErrStoreFull
	// when the transfer would exhaust the store.
	Stage(size int64, name string) (token string, absPath string, err error)

	// Unstage releases a staging area and everything in it. Unstaging a
	// token that no longer exists is not an error.
	Unstage(token string) error

	// Commit moves staged bytes into the permanent store area. The
	// destination must not already exist.
	Commit(stagingPath, storePath string) error

	// ReservePath maps a file name to the store-relative path it would
	// occupy, without creating anything.
	ReservePath(name string) (string, error)

	// Delete removes a committed path from the store area. Read-only
	// permissions on the target are cleared before removal and empty
	// parent directories are pruned afterwards.
	Delete(storePath string) error

	// PathInfo stats and checksums a committed path.
	PathInfo(storePath string, algorithm string) (*PathInfo, error)

	// Resolve converts a store-relative path to an absolute one, or
	// ErrPathEscapesRoot if it leaves the store.
	Resolve(storePath string) (string, error)
}
