package persist

// disk.go provides the "safe save" primitive used by json.go and by any
// future caller that needs to replace a file's contents without ever
// leaving a half-written file at the final path: write to a freshly named
// temporary file, fsync, then atomically rename over the destination.

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/fastrand"
)

// RandomSuffix returns a hex-encoded random string suitable for
// disambiguating temporary filenames written by concurrent callers. It uses
// fastrand, not a cryptographic source, since a filename collision (not an
// adversary) is the only thing being guarded against.
func RandomSuffix() string {
	return hex.EncodeToString(fastrand.Bytes(10))
}

// SafeFile is a file opened under a temporary name that is only moved to its
// final path on Commit. The final path is resolved to an absolute path at
// creation time, so a caller that changes its working directory between
// NewSafeFile and Commit still lands the file in the right place.
type SafeFile struct {
	*os.File
	finalPath string

	mu        sync.Mutex
	committed bool
	closed    bool
}

// NewSafeFile creates a temporary file alongside finalPath (same directory,
// disambiguated with RandomSuffix) ready to be written to and later
// committed.
func NewSafeFile(finalPath string) (*SafeFile, error) {
	absPath, err := filepath.Abs(finalPath)
	if err != nil {
		return nil, errors.Extend(err, errors.New("persist: could not resolve absolute path"))
	}
	tempPath := absPath + "_" + RandomSuffix() + tempSuffix
	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, errors.Extend(err, errors.New("persist: could not create temp file"))
	}
	return &SafeFile{File: f, finalPath: absPath}, nil
}

// Commit syncs and closes the temporary file, then renames it into place at
// the final path.
func (sf *SafeFile) Commit() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.committed {
		return nil
	}
	if err := sf.File.Sync(); err != nil {
		return errors.Extend(err, errors.New("persist: could not sync temp file"))
	}
	tempPath := sf.File.Name()
	if err := sf.File.Close(); err != nil {
		return errors.Extend(err, errors.New("persist: could not close temp file"))
	}
	sf.closed = true
	if err := os.Rename(tempPath, sf.finalPath); err != nil {
		return errors.Extend(err, errors.New("persist: could not commit temp file"))
	}
	sf.committed = true
	return nil
}

// Close closes the underlying temp file (discarding it) if it hasn't already
// been committed or closed. Calling Close after Commit is a no-op, so
// defer sf.Close() is always safe to pair with an explicit Commit.
func (sf *SafeFile) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.closed {
		return nil
	}
	sf.closed = true
	tempPath := sf.File.Name()
	err := sf.File.Close()
	os.Remove(tempPath)
	return err
}
