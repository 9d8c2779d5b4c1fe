package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raphaelreyna/spidey/pkg/handler"
	"github.com/raphaelreyna/spidey/pkg/http10"
)

const lookupTimeout = 2 * time.Second

// countingWriter counts bytes that reached the connection.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// worker owns one accepted connection from the first read to the close.
type worker struct {
	srv    *Server
	ctx    context.Context
	conn   net.Conn
	reader *bufio.Reader
	out    *countingWriter
	writer *bufio.Writer
	req    *http10.Request
	kind   handler.Kind
	status http10.Status
	start  time.Time
	log    *zap.Logger
	closed bool
}

type stateFunc func(*worker) stateFunc

func newWorker(ctx context.Context, srv *Server, conn net.Conn) *worker {
	out := &countingWriter{w: conn}
	return &worker{
		srv:    srv,
		ctx:    ctx,
		conn:   conn,
		reader: bufio.NewReader(conn),
		out:    out,
		writer: bufio.NewWriter(out),
		req:    &http10.Request{Conn: conn},
		start:  time.Now(),
		log:    srv.logger(),
	}
}

// Start serves the connection and closes it. It never panics.
func (w *worker) Start() {
	w.srv.Metrics.WorkerStarted()
	defer w.srv.Metrics.WorkerFinished()

	state := lookupPeer
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker panic", zap.Any("panic", r), zap.String("uri", w.req.URI))
			if w.out.n == 0 && w.writer.Buffered() == 0 {
				w.status = handler.Error(w.writer, http10.StatusInternalServerError)
			} else {
				w.status = http10.StatusInternalServerError
			}
			finishWorker(w)
		}
	}()
	for state != nil {
		state = state(w)
	}
}

// state funcs

func lookupPeer(w *worker) stateFunc {
	host, port, err := net.SplitHostPort(w.conn.RemoteAddr().String())
	if err != nil {
		host = w.conn.RemoteAddr().String()
	}
	w.req.PeerHost, w.req.PeerPort = host, port
	if w.srv.ReverseLookup && host != "" {
		ctx, cancel := context.WithTimeout(w.ctx, lookupTimeout)
		names, err := net.DefaultResolver.LookupAddr(ctx, host)
		cancel()
		if err == nil && len(names) > 0 {
			w.req.PeerHost = strings.TrimSuffix(names[0], ".")
		}
	}
	w.log.Debug("accepted", zap.String("peer", w.req.PeerHost), zap.String("port", w.req.PeerPort))
	return readRequest
}

func readRequest(w *worker) stateFunc {
	if err := http10.ReadRequest(w.reader, w.req, w.srv.ParseOptions); err != nil {
		w.log.Debug("parse failed", zap.String("peer", w.req.PeerHost), zap.Error(err))
		return sendBadRequest
	}
	return dispatch
}

func dispatch(w *worker) stateFunc {
	w.kind, w.status = w.srv.Dispatcher.Serve(w.ctx, w.writer, w.req)
	return finishWorker
}

func sendBadRequest(w *worker) stateFunc {
	w.status = handler.Error(w.writer, http10.StatusBadRequest)
	return finishWorker
}

func finishWorker(w *worker) stateFunc {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil && !errors.Is(err, net.ErrClosed) {
		w.log.Debug("flush failed", zap.String("peer", w.req.PeerHost), zap.Error(err))
	}
	if err := w.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		w.log.Debug("close failed", zap.Error(err))
	}
	elapsed := time.Since(w.start)
	w.srv.Metrics.Observe(w.kind.String(), w.status.Code(), elapsed)
	w.log.Info("request",
		zap.String("peer", w.req.PeerHost),
		zap.String("method", w.req.Method),
		zap.String("uri", w.req.URI),
		zap.String("query", w.req.Query),
		zap.Stringer("kind", w.kind),
		zap.Int("status", w.status.Code()),
		zap.Int64("bytes", w.out.n),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}
