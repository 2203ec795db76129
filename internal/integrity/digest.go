// Package integrity computes and compares content digests of the sync target.
package integrity

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// chunkSize is the read size used when streaming a file through the hash.
const chunkSize = 4096

// ErrIOFailure matches any error caused by a missing, unreadable or unwritable file.
var ErrIOFailure = errors.New("io failure")

// Digest is the lowercase hex MD5 of a file's content, as exchanged on the wire.
type Digest string

func (d Digest) String() string {
	return string(d)
}

// Equal reports whether two digests are byte-for-byte identical.
func (d Digest) Equal(other Digest) bool {
	return d == other
}

// IOFailureError carries the path and cause of a failed file access.
type IOFailureError struct {
	Path string
	Err  error
}

func (e *IOFailureError) Error() string {
	return fmt.Sprintf("io failure on %s: %v", e.Path, e.Err)
}

func (e *IOFailureError) Unwrap() error {
	return e.Err
}

func (e *IOFailureError) Is(target error) bool {
	return target == ErrIOFailure
}

// FileDigest streams the file at path through the hash without loading it into memory.
func FileDigest(fs afero.Fs, path string) (Digest, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", &IOFailureError{Path: path, Err: err}
	}
	defer f.Close()

	d, err := Sum(f)
	if err != nil {
		return "", &IOFailureError{Path: path, Err: err}
	}
	return d, nil
}

// Sum hashes everything read from r.
func Sum(r io.Reader) (Digest, error) {
	hasher := md5.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return Digest(fmt.Sprintf("%x", hasher.Sum(nil))), nil
}

// BytesDigest hashes an in-memory buffer.
func BytesDigest(b []byte) Digest {
	return Digest(fmt.Sprintf("%x", md5.Sum(b)))
}

// Equal is a convenience for a.Equal(b).
func Equal(a, b Digest) bool {
	return a.Equal(b)
}
