// audex/store/store.go
package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnavailable means the storage root cannot be acquired at all.
	// This is a startup-scope failure, not a per-task one.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrNotFound is returned by Open for names that were never saved.
	ErrNotFound = errors.New("file not found")
)

// DefaultChunkSize bounds how much of a file is held in memory at once.
const DefaultChunkSize = 10 * 1024 * 1024

// Store is a chunk-partitioned byte store rooted at a single directory.
// Files larger than memory are moved through a fixed-size buffer, and a
// file becomes visible under its name only after the write completes.
type Store struct {
	fs        afero.Fs
	root      string
	chunkSize int64

	mu    sync.Mutex
	ready bool
	initG singleflight.Group
}

func New(fs afero.Fs, root string, chunkSize int64) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{fs: fs, root: root, chunkSize: chunkSize}
}

// Init acquires the storage root. It is idempotent, and concurrent
// callers share a single in-flight attempt.
func (s *Store) Init() error {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err, _ := s.initG.Do("init", func() (interface{}, error) {
		return nil, s.acquireRoot()
	})
	return err
}

func (s *Store) acquireRoot() error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Probe writability; a read-only mount is as good as no storage.
	probe := filepath.Join(s.root, ".audex_probe")
	f, err := s.fs.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	f.Close()
	s.fs.Remove(probe)

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// reinit drops the ready flag and re-acquires the root. Used by the
// single-retry paths after a transient error (e.g. a revoked handle).
func (s *Store) reinit() error {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	return s.Init()
}

// Save streams src into the store under name, partitioned into
// chunk-sized writes. The source must be seekable because a transient
// failure retries the entire save once after reinitializing the root.
func (s *Store) Save(name string, src io.ReadSeeker) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	if err := s.Init(); err != nil {
		return 0, err
	}

	n, err := s.saveOnce(name, src)
	if err == nil {
		return n, nil
	}

	log.Printf("store: save %s failed (%v), reinitializing and retrying once", name, err)
	if rerr := s.reinit(); rerr != nil {
		return 0, rerr
	}
	if _, serr := src.Seek(0, io.SeekStart); serr != nil {
		return 0, fmt.Errorf("rewind source for retry: %w", serr)
	}
	return s.saveOnce(name, src)
}

func (s *Store) saveOnce(name string, src io.Reader) (int64, error) {
	final := filepath.Join(s.root, name)
	part := final + ".part"

	dst, err := s.fs.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open partial file: %w", err)
	}

	var written int64
	buf := make([]byte, s.chunkSize)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				dst.Close()
				s.fs.Remove(part)
				return written, fmt.Errorf("write chunk: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			dst.Close()
			s.fs.Remove(part)
			return written, fmt.Errorf("read source: %w", rerr)
		}
	}
	if err := dst.Close(); err != nil {
		s.fs.Remove(part)
		return written, fmt.Errorf("close partial file: %w", err)
	}

	// The file is only visible under its final name once complete.
	if err := s.fs.Rename(part, final); err != nil {
		s.fs.Remove(part)
		return written, fmt.Errorf("publish file: %w", err)
	}
	return written, nil
}

// Open returns a handle for sequential or random access. Non-NotFound
// errors get one retry after reinitializing the root.
func (s *Store) Open(name string) (afero.File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := s.Init(); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(filepath.Join(s.root, name))
	if err == nil {
		return f, nil
	}
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	log.Printf("store: open %s failed (%v), reinitializing and retrying once", name, err)
	if rerr := s.reinit(); rerr != nil {
		return nil, rerr
	}
	f, err = s.fs.Open(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// Size reports the byte size of a stored file.
func (s *Store) Size(name string) (int64, error) {
	f, err := s.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes a stored file. Removing an absent name succeeds.
func (s *Store) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := s.Init(); err != nil {
		return err
	}
	err := s.fs.Remove(filepath.Join(s.root, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Keys enumerates the names of all fully written entries.
func (s *Store) Keys() ([]string, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("enumerate entries: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".part" {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

// ClearAll enumerates and deletes every entry. Best-effort: partial
// failures are logged, never propagated.
func (s *Store) ClearAll() {
	if err := s.Init(); err != nil {
		log.Printf("store: clear all skipped, init failed: %v", err)
		return
	}
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		log.Printf("store: clear all could not enumerate entries: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.root, e.Name())); err != nil {
			log.Printf("store: clear all could not remove %s: %v", e.Name(), err)
		}
	}
}

// validName rejects names that would escape the storage root.
func validName(name string) error {
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("invalid storage name: %q", name)
	}
	return nil
}
