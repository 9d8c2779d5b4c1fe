// Package handler routes a parsed request to the directory, file or CGI
// handler according to what the resolved path is on disk.
package handler

import (
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/raphaelreyna/spidey/pkg/cgi"
	"github.com/raphaelreyna/spidey/pkg/fsroot"
	"github.com/raphaelreyna/spidey/pkg/http10"
	"github.com/raphaelreyna/spidey/pkg/mime"
)

// Kind is the classification of a resolved path.
type Kind int

const (
	KindUnreachable Kind = iota
	KindDirectory
	KindExecutable
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "browse"
	case KindExecutable:
		return "cgi"
	case KindFile:
		return "file"
	}
	return "error"
}

// Classify reports how path should be served. Directories win over
// executables, and executables over readable files, so a script that is both
// executable and readable runs as CGI. Permissions are checked for the
// effective user of the server.
func Classify(path string) (Kind, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return KindUnreachable, err
	}
	switch {
	case fi.IsDir():
		return KindDirectory, nil
	case access(path, unix.X_OK):
		return KindExecutable, nil
	case access(path, unix.R_OK):
		return KindFile, nil
	}
	return KindUnreachable, nil
}

func access(path string, mode uint32) bool {
	return unix.Faccessat(unix.AT_FDCWD, path, mode, unix.AT_EACCESS) == nil
}

// Dispatcher serves one request end to end. It holds only read-only state and
// is shared by all workers.
type Dispatcher struct {
	Resolver  *fsroot.Resolver
	Mime      *mime.Table
	CGI       *cgi.Handler
	ChunkSize int
	Logger    *zap.Logger
}

// Serve resolves req.URI, classifies the result and writes a complete
// response to w. It returns the kind of handler used and the response status.
func (d *Dispatcher) Serve(ctx context.Context, w io.Writer, req *http10.Request) (Kind, http10.Status) {
	log := d.logger()

	path, err := d.Resolver.Resolve(req.URI)
	if err != nil {
		if errors.Is(err, fsroot.ErrEscapesRoot) {
			log.Warn("request path escapes root", zap.String("uri", req.URI))
		} else {
			log.Debug("resolve failed", zap.String("uri", req.URI), zap.Error(err))
		}
		return KindUnreachable, Error(w, http10.StatusNotFound)
	}
	req.Path = path

	kind, err := Classify(path)
	if err != nil {
		log.Debug("stat failed", zap.String("path", path), zap.Error(err))
		return KindUnreachable, Error(w, http10.StatusNotFound)
	}

	var status http10.Status
	switch kind {
	case KindDirectory:
		status, err = Directory(w, path, req.URI)
	case KindExecutable:
		status, err = d.serveCGI(ctx, w, req)
	case KindFile:
		status, err = File(w, path, d.contentType(path), d.ChunkSize)
	default:
		status = Error(w, http10.StatusNotFound)
	}
	if err != nil {
		log.Warn("handler failed",
			zap.Stringer("kind", kind),
			zap.String("path", path),
			zap.Stringer("status", status),
			zap.Error(err))
	}
	return kind, status
}

func (d *Dispatcher) serveCGI(ctx context.Context, w io.Writer, req *http10.Request) (http10.Status, error) {
	h := d.CGI
	if h == nil {
		h = &cgi.Handler{Root: d.Resolver.Root()}
	}
	err := h.Run(ctx, w, req)
	switch {
	case err == nil:
		return http10.StatusOK, nil
	case errors.Is(err, cgi.ErrStart), errors.Is(err, cgi.ErrBadOutput):
		return Error(w, http10.StatusInternalServerError), err
	}
	return http10.StatusInternalServerError, err
}

func (d *Dispatcher) contentType(path string) string {
	if d.Mime == nil {
		return mime.DefaultType
	}
	return d.Mime.ForPath(path)
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
