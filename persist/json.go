package persist

// json.go is the save/load format used for every piece of on-disk state in
// this module that isn't a replica or log line: Config snapshots, the
// Announcement/LocalFiles/ReceivedHandshakes tables if a caller chooses to
// persist them across restarts (spec.md's Non-goals exclude the module
// doing this itself, but nothing stops an embedder from calling SaveJSON on
// its own snapshot of those tables). Every save is atomic (via SafeFile) and
// self-checksummed so a half-written file is detected on load instead of
// silently accepted.

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"strings"

	"github.com/NebulousLabs/errors"
)

// tempSuffix marks a file as a safe-save temporary; LoadJSON refuses to read
// from a path ending in it, since such a file may be mid-write.
const tempSuffix = "_temp"

var (
	// ErrBadFilenameSuffix is returned by LoadJSON when asked to load a path
	// that looks like a safe-save temporary file.
	ErrBadFilenameSuffix = errors.New("cannot load a file with the safe-save temp suffix")
	// ErrBadChecksum is returned by LoadJSON when the stored checksum does
	// not match the payload that follows it.
	ErrBadChecksum = errors.New("persist: checksum mismatch, file is corrupted")
	// ErrBadHeader is returned by LoadJSON when the file's header/version
	// line does not match the Metadata the caller expected.
	ErrBadHeader = errors.New("persist: file header does not match expected metadata")
)

// Metadata identifies the kind and version of a persisted object, written as
// the first two lines of every saved file so that LoadJSON can refuse to
// load a file saved by the wrong version of the wrong caller.
type Metadata struct {
	Header  string
	Version string
}

// SaveJSON serializes object as indented JSON, prefixes it with meta and a
// checksum of the payload, and writes the result atomically to filename via
// a SafeFile.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	payload, err := json.MarshalIndent(object, "", "\t")
	if err != nil {
		return errors.Extend(err, errors.New("persist: could not marshal object"))
	}
	checksum := sha256.Sum256(payload)

	var buf bytes.Buffer
	buf.WriteString(meta.Header)
	buf.WriteByte('\n')
	buf.WriteString(meta.Version)
	buf.WriteByte('\n')
	buf.WriteString(hex.EncodeToString(checksum[:]))
	buf.WriteByte('\n')
	buf.Write(payload)

	sf, err := NewSafeFile(filename)
	if err != nil {
		return err
	}
	defer sf.Close()
	if _, err := sf.Write(buf.Bytes()); err != nil {
		return errors.Extend(err, errors.New("persist: could not write object"))
	}
	return sf.Commit()
}

// LoadJSON reads filename, verifies its header and checksum against meta,
// and unmarshals the payload into object.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	if strings.HasSuffix(filename, tempSuffix) {
		return ErrBadFilenameSuffix
	}
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return errors.Extend(err, errors.New("persist: could not read file"))
	}

	header, rest, ok := cutLine(data)
	if !ok {
		return ErrBadHeader
	}
	version, rest, ok := cutLine(rest)
	if !ok {
		return ErrBadHeader
	}
	if string(header) != meta.Header || string(version) != meta.Version {
		return ErrBadHeader
	}

	checksumHex, payload, ok := cutLine(rest)
	if !ok {
		return ErrBadChecksum
	}
	wantChecksum, err := hex.DecodeString(string(checksumHex))
	if err != nil {
		return errors.Extend(err, ErrBadChecksum)
	}
	gotChecksum := sha256.Sum256(payload)
	if !bytes.Equal(wantChecksum, gotChecksum[:]) {
		return ErrBadChecksum
	}

	if err := json.Unmarshal(payload, object); err != nil {
		return errors.Extend(err, errors.New("persist: could not unmarshal object"))
	}
	return nil
}

// cutLine splits data at its first newline, returning the line and the
// remainder. ok is false if no newline was found.
func cutLine(data []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, nil, false
	}
	return data[:i], data[i+1:], true
}
