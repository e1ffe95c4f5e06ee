// Package store implements physical file placement backends. A store keeps
// two areas on disk: a staging area that inbound transfers write into, and
// the store area proper that instances reference. Bytes only move from
// staging to store through Commit, after verification.
package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"librarian-go/internal/checksum"
	"librarian-go/internal/librarian"
)

// LocalStore is a POSIX filesystem implementation of the Store interface.
type LocalStore struct {
	name       string
	ingestable bool
	stagingDir string
	storeDir   string

	// minFreeFraction rejects staged uploads that would drop the volume's
	// free space below this fraction of its size.
	minFreeFraction float64
	groupWrite      bool
	otherRead       bool

	checksumThreads int
	idgen           librarian.IDGenerator
}

// LocalStoreOptions configures a LocalStore.
type LocalStoreOptions struct {
	Name            string
	Ingestable      bool
	StagingDir      string
	StoreDir        string
	MinFreeFraction float64
	GroupWrite      bool
	OtherRead       bool
	ChecksumThreads int
	IDGenerator     librarian.IDGenerator
}

// NewLocalStore creates a store rooted at the given staging and store
// directories, creating them if needed.
func NewLocalStore(opts LocalStoreOptions) (*LocalStore, error) {
	if opts.StagingDir == "" || opts.StoreDir == "" {
		return nil, fmt.Errorf("local store requires staging_dir and store_dir")
	}

	stagingDir, err := filepath.Abs(opts.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("resolving staging dir: %w", err)
	}
	storeDir, err := filepath.Abs(opts.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("resolving store dir: %w", err)
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	idgen := opts.IDGenerator
	if idgen == nil {
		idgen = librarian.UUIDGenerator{}
	}

	return &LocalStore{
		name:            opts.Name,
		ingestable:      opts.Ingestable,
		stagingDir:      stagingDir,
		storeDir:        storeDir,
		minFreeFraction: opts.MinFreeFraction,
		groupWrite:      opts.GroupWrite,
		otherRead:       opts.OtherRead,
		checksumThreads: opts.ChecksumThreads,
		idgen:           idgen,
	}, nil
}

func (s *LocalStore) Name() string     { return s.name }
func (s *LocalStore) Ingestable() bool { return s.ingestable }

func (s *LocalStore) Available() (bool, error) {
	info, err := os.Stat(s.storeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// FreeSpace returns the usable bytes remaining, or -1 when the store is
// unavailable.
func (s *LocalStore) FreeSpace() (int64, error) {
	available, err := s.Available()
	if err != nil {
		return -1, err
	}
	if !available {
		return -1, librarian.ErrStoreUnavailable
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(s.storeDir, &stat); err != nil {
		return -1, fmt.Errorf("statfs %s: %w", s.storeDir, err)
	}
	return int64(stat.Bavail) * stat.Bsize, nil
}

// Stage reserves an isolated staging directory for an inbound transfer.
// Each transfer gets its own token directory so concurrent transfers of
// identically named files never collide.
func (s *LocalStore) Stage(size int64, name string) (string, string, error) {
	free, err := s.FreeSpace()
	if err != nil {
		return "", "", err
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(s.storeDir, &stat); err != nil {
		return "", "", fmt.Errorf("statfs %s: %w", s.storeDir, err)
	}
	total := int64(stat.Blocks) * stat.Bsize
	reserved := int64(float64(total) * s.minFreeFraction)
	if free-size < reserved {
		return "", "", fmt.Errorf("staging %d bytes on %s: %w", size, s.name, librarian.ErrStoreFull)
	}

	if !validRelativePath(name) {
		return "", "", fmt.Errorf("staging %q: %w", name, librarian.ErrPathEscapesRoot)
	}

	token := s.idgen.New()
	dest := filepath.Join(s.stagingDir, token, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", "", fmt.Errorf("creating staging area: %w", err)
	}
	return token, dest, nil
}

// Unstage releases a staging area. A missing area is not an error: failed
// transfers may be unstaged more than once.
func (s *LocalStore) Unstage(token string) error {
	if token == "" || strings.ContainsAny(token, "/\\") || token == ".." {
		return fmt.Errorf("unstaging %q: %w", token, librarian.ErrPathEscapesRoot)
	}
	path := filepath.Join(s.stagingDir, token)
	if err := clearReadOnly(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unstaging %s: %w", token, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("unstaging %s: %w", token, err)
	}
	return nil
}

// Commit moves staged bytes into the store area. Rename is tried first; a
// cross-device copy with verification is the fallback. The destination must
// not already exist.
func (s *LocalStore) Commit(stagingPath, storePath string) error {
	src, err := s.resolveStaging(stagingPath)
	if err != nil {
		return err
	}
	dest, err := s.Resolve(storePath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("committing to %s: destination already exists", storePath)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("committing to %s: %w", storePath, err)
	}

	if err := os.Rename(src, dest); err != nil {
		// Rename fails across filesystems; fall back to copy-and-verify.
		if err := s.copyVerified(src, dest); err != nil {
			os.RemoveAll(dest)
			return fmt.Errorf("committing to %s: %w", storePath, err)
		}
	}

	if err := s.setPermissions(dest); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", storePath, err)
	}
	return nil
}

// copyVerified copies a file or tree and confirms the destination's
// bytes match the source by checksum, retrying twice on mismatch. The
// source is removed only after the destination verifies.
func (s *LocalStore) copyVerified(src, dest string) error {
	opts := checksum.Options{Threads: s.checksumThreads}
	srcDigest, err := checksum.FromPath(src, checksum.DefaultAlgorithm, opts)
	if err != nil {
		return fmt.Errorf("checksumming %s: %w", src, err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := copyTree(src, dest); err != nil {
			lastErr = err
			os.RemoveAll(dest)
			continue
		}
		if err := verifyDigest(dest, srcDigest, opts); err != nil {
			lastErr = err
			os.RemoveAll(dest)
			continue
		}
		return os.RemoveAll(src)
	}
	return lastErr
}

// verifyDigest recomputes path's checksum and compares it to want.
func verifyDigest(path, want string, opts checksum.Options) error {
	got, err := checksum.FromPath(path, checksum.AlgorithmOf(want), opts)
	if err != nil {
		return err
	}
	match, err := checksum.Compare(want, got)
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("copy checksum mismatch: %s != %s", got, want)
	}
	return nil
}

func copyTree(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dest)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// fileMode and dirMode are the permissions committed content carries,
// derived from the store's group_write and other_read settings.
func (s *LocalStore) fileMode() os.FileMode {
	mode := os.FileMode(0o440)
	if s.groupWrite {
		mode |= 0o020
	}
	if s.otherRead {
		mode |= 0o004
	}
	return mode
}

func (s *LocalStore) dirMode() os.FileMode {
	mode := os.FileMode(0o750)
	if s.groupWrite {
		mode |= 0o020
	}
	if s.otherRead {
		mode |= 0o005
	}
	return mode
}

// setPermissions marks committed files read-only. Stored bytes are only
// ever removed through Delete, which lifts the protection first.
func (s *LocalStore) setPermissions(path string) error {
	fileMode := s.fileMode()
	dirMode := s.dirMode()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.Chmod(path, fileMode)
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(p, dirMode)
		}
		return os.Chmod(p, fileMode)
	})
}

// ReservePath maps a file name to its store-relative path.
func (s *LocalStore) ReservePath(name string) (string, error) {
	if !validRelativePath(name) {
		return "", fmt.Errorf("reserving %q: %w", name, librarian.ErrPathEscapesRoot)
	}
	return filepath.Clean(name), nil
}

// Delete removes a committed path. Read-only bits are cleared first, and
// empty parent directories are pruned back up to the store root.
func (s *LocalStore) Delete(storePath string) error {
	abs, err := s.Resolve(storePath)
	if err != nil {
		return err
	}
	if abs == s.storeDir {
		return fmt.Errorf("deleting %q: %w", storePath, librarian.ErrPathEscapesRoot)
	}

	if err := clearReadOnly(abs); err != nil {
		return fmt.Errorf("deleting %s: %w", storePath, err)
	}

	// The parent may be read-only too; lift that long enough to unlink.
	parent := filepath.Dir(abs)
	parentInfo, err := os.Stat(parent)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", storePath, err)
	}
	restoreMode := parentInfo.Mode().Perm()
	if err := os.Chmod(parent, restoreMode|0o300); err != nil {
		return fmt.Errorf("deleting %s: %w", storePath, err)
	}

	if err := os.RemoveAll(abs); err != nil {
		os.Chmod(parent, restoreMode)
		return fmt.Errorf("deleting %s: %w", storePath, err)
	}
	if err := os.Chmod(parent, restoreMode); err != nil {
		return fmt.Errorf("deleting %s: %w", storePath, err)
	}

	s.pruneEmptyParents(parent)
	return nil
}

// pruneEmptyParents removes empty directories above a deleted path, walking
// up until the store root or a non-empty directory.
func (s *LocalStore) pruneEmptyParents(dir string) {
	for dir != s.storeDir && strings.HasPrefix(dir, s.storeDir+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		parent := filepath.Dir(dir)
		os.Chmod(parent, s.dirMode())
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = parent
	}
}

func clearReadOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.Chmod(path, info.Mode().Perm()|0o600)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(p, info.Mode().Perm()|0o700)
		}
		return os.Chmod(p, info.Mode().Perm()|0o600)
	})
}

// PathInfo stats and checksums a committed path.
func (s *LocalStore) PathInfo(storePath string, algorithm string) (*librarian.PathInfo, error) {
	abs, err := s.Resolve(storePath)
	if err != nil {
		return nil, err
	}

	size, err := checksum.SizeOf(abs)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", storePath, err)
	}
	digest, err := checksum.FromPath(abs, algorithm, checksum.Options{Threads: s.checksumThreads})
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", storePath, err)
	}

	return &librarian.PathInfo{
		Path:     storePath,
		Size:     size,
		Checksum: digest,
	}, nil
}

// Resolve converts a store-relative path to an absolute one. Paths supplied
// by peers are untrusted, so anything that leaves the store root is
// rejected.
func (s *LocalStore) Resolve(storePath string) (string, error) {
	return resolveUnder(s.storeDir, storePath)
}

func (s *LocalStore) resolveStaging(path string) (string, error) {
	// Staging paths arrive absolute (they were handed out by Stage) or
	// relative to the staging root.
	if filepath.IsAbs(path) {
		abs := filepath.Clean(path)
		if !contained(s.stagingDir, abs) {
			return "", fmt.Errorf("resolving %q: %w", path, librarian.ErrPathEscapesRoot)
		}
		return abs, nil
	}
	return resolveUnder(s.stagingDir, path)
}

func resolveUnder(root, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("resolving %q: %w", path, librarian.ErrPathEscapesRoot)
	}
	abs := filepath.Clean(filepath.Join(root, path))
	if !contained(root, abs) {
		return "", fmt.Errorf("resolving %q: %w", path, librarian.ErrPathEscapesRoot)
	}
	return abs, nil
}

func contained(root, abs string) bool {
	return abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
}

func validRelativePath(name string) bool {
	if name == "" || filepath.IsAbs(name) {
		return false
	}
	clean := filepath.Clean(name)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// Compile-time check that LocalStore implements the Store interface
var _ librarian.Store = (*LocalStore)(nil)
