package handler

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/raphaelreyna/spidey/pkg/http10"
)

// DefaultChunkSize is the size of the buffer used to stream files.
const DefaultChunkSize = 8192

var errShortWrite = errors.New("short write")

// File streams the file at path with the given content type, chunkSize bytes
// at a time. If the file cannot be opened a 500 page is written. A failed or
// short write aborts the transfer and reports 500; headers are already sent
// by then, so nothing else is written.
func File(w io.Writer, path, contentType string, chunkSize int) (http10.Status, error) {
	f, err := os.Open(path)
	if err != nil {
		return Error(w, http10.StatusInternalServerError), err
	}
	defer f.Close()

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := http10.WriteHead(w, http10.StatusOK, contentType); err != nil {
		return http10.StatusInternalServerError, err
	}

	buf := make([]byte, chunkSize)
	for {
		nread, rerr := f.Read(buf)
		if nread > 0 {
			nwritten, werr := w.Write(buf[:nread])
			if werr != nil {
				return http10.StatusInternalServerError, werr
			}
			if nwritten != nread {
				return http10.StatusInternalServerError, fmt.Errorf("%w: %d of %d bytes", errShortWrite, nwritten, nread)
			}
		}
		if rerr == io.EOF {
			return http10.StatusOK, nil
		}
		if rerr != nil {
			return http10.StatusInternalServerError, rerr
		}
	}
}
