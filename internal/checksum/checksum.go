// Package checksum implements the self-describing digest format used for
// every consistency check in the librarian: "algorithm:::hexdigest". The
// algorithm tag travels with the digest so that two nodes can always tell
// whether a comparison is meaningful.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Separator joins the algorithm tag and the hex digest.
const Separator = ":::"

// DefaultAlgorithm is assumed for digests with no algorithm tag; early
// records were written as bare md5 hex.
const DefaultAlgorithm = "md5"

// newHash returns a fresh hasher for the named algorithm, or nil if the
// algorithm is unknown. xxh64 is the fast non-cryptographic option used for
// routine integrity scans.
func newHash(algorithm string) hash.Hash {
	switch algorithm {
	case "md5":
		return md5.New()
	case "sha256":
		return sha256.New()
	case "sha512":
		return sha512.New()
	case "xxh64":
		return xxhash.New()
	default:
		return nil
	}
}

// Algorithms lists the supported algorithm tags.
func Algorithms() []string {
	return []string{"md5", "sha256", "sha512", "xxh64"}
}

// AlgorithmMismatchError is returned when two digests produced by different
// algorithms are compared. That situation indicates a configuration error,
// not a content difference, so it must never decay into a silent false.
type AlgorithmMismatchError struct {
	A, B string
}

func (e *AlgorithmMismatchError) Error() string {
	return fmt.Sprintf("checksums %q and %q were produced by different algorithms", e.A, e.B)
}

// AlgorithmOf extracts the algorithm tag from a digest string. Untagged
// digests report DefaultAlgorithm.
func AlgorithmOf(digest string) string {
	for _, name := range Algorithms() {
		if strings.HasPrefix(digest, name+Separator) {
			return name
		}
	}
	return DefaultAlgorithm
}

// DigestOf strips the algorithm tag from a digest string.
func DigestOf(digest string) string {
	for _, name := range Algorithms() {
		if strings.HasPrefix(digest, name+Separator) {
			return strings.TrimPrefix(digest, name+Separator)
		}
	}
	return digest
}

// Compare reports whether two digest strings refer to the same content.
// It returns an *AlgorithmMismatchError when the digests were produced by
// different algorithms.
func Compare(a, b string) (bool, error) {
	if AlgorithmOf(a) != AlgorithmOf(b) {
		return false, &AlgorithmMismatchError{A: a, B: b}
	}
	return DigestOf(a) == DigestOf(b), nil
}

// Options control directory hashing.
type Options struct {
	// Threads bounds the number of files hashed concurrently within a
	// directory. Zero or one hashes serially.
	Threads int
	// IgnoreHidden skips dot-files and dot-directories.
	IgnoreHidden bool
	// ExcludedFiles are base names skipped entirely.
	ExcludedFiles []string
	// ExcludedExtensions are extensions (without dot) skipped entirely.
	ExcludedExtensions []string
}

// FromPath computes the tagged digest of a path using the named algorithm.
// A regular file is hashed directly. A directory is hashed
// order-independently: every regular file under the root is hashed by
// content, and the sorted list of per-file digests is hashed together, so
// the result does not depend on filesystem iteration order. File identity
// inside the combined hash is content only, not path.
func FromPath(path string, algorithm string, opts Options) (string, error) {
	if newHash(algorithm) == nil {
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	var digest string
	if info.IsDir() {
		digest, err = dirDigest(path, algorithm, opts)
	} else {
		digest, err = fileDigest(path, algorithm)
	}
	if err != nil {
		return "", err
	}
	return algorithm + Separator + digest, nil
}

// SizeOf returns the number of bytes occupied under path: the file size for
// a regular file, or the sum of all regular file sizes for a directory.
func SizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func fileDigest(path string, algorithm string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := newHash(algorithm)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func dirDigest(root string, algorithm string, opts Options) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if opts.IgnoreHidden && strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		for _, excluded := range opts.ExcludedFiles {
			if name == excluded {
				return nil
			}
		}
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		for _, excluded := range opts.ExcludedExtensions {
			if ext == excluded {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return "", err
	}

	digests, err := hashFiles(files, algorithm, opts.Threads)
	if err != nil {
		return "", err
	}

	// Sorting makes the combined hash independent of walk order.
	sort.Strings(digests)
	h := newHash(algorithm)
	for _, d := range digests {
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFiles hashes each file with a bounded worker pool. Results keep their
// input positions so the caller's sort is the only ordering applied.
func hashFiles(files []string, algorithm string, threads int) ([]string, error) {
	digests := make([]string, len(files))

	if threads <= 1 {
		for i, path := range files {
			d, err := fileDigest(path, algorithm)
			if err != nil {
				return nil, err
			}
			digests[i] = d
		}
		return digests, nil
	}

	type job struct{ index int }
	jobs := make(chan job)
	errs := make(chan error, threads)
	var wg sync.WaitGroup

	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			failed := false
			for j := range jobs {
				if failed {
					continue
				}
				d, err := fileDigest(files[j.index], algorithm)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					failed = true
					continue
				}
				digests[j.index] = d
			}
		}()
	}

	for i := range files {
		jobs <- job{index: i}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errs:
		return nil, err
	default:
	}
	return digests, nil
}
