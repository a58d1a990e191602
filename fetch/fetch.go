/*
Package fetch holds the file transport the loader uses to pull library images.

A transport only moves bytes: it opens a path, seeks to an absolute offset,
reads, and hands out the whole file as a memory object that read-only
segments are mapped from. Every call blocks until complete; the loader issues
one request at a time.

Implementations:

  - [Dir] serves files below a host directory (a sysroot).
  - [Mem] serves in-memory images.
  - [Socket] forwards each request to an out-of-process file service over socket.io.
*/
package fetch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

type (
	// Transport opens library files. A missing file reports an error matching [fs.ErrNotExist].
	Transport interface {
		Open(path string) (File, error)
	}
	// File is an open handle on a transport.
	File interface {
		Seek(offset int64) error          //seek to an absolute offset
		Read(p []byte) (n int, err error) //read at the current offset, may transfer less than len(p)
		Map() (io.ReaderAt, error)        //the whole file as a memory object, valid until Close
		Close() error                     //release the handle and any memory object
	}
)

var (
	// ErrShortRead occurs when a file ends before a requested length was transferred.
	ErrShortRead = errors.New("short read")
	// ErrClosed occurs on use of a closed handle.
	ErrClosed = errors.New("file closed")
)

// ReadFull reads exactly len(p) bytes, looping over partial transfers.
func ReadFull(f File, p []byte) error {
	off := 0
	for off < len(p) {
		n, err := f.Read(p[off:])
		off += n
		if off == len(p) {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %d of %d bytes", ErrShortRead, off, len(p))
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: no progress after %d of %d bytes", ErrShortRead, off, len(p))
		}
	}
	return nil
}

// IsNotFound reports whether err means the path does not exist on the transport.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
