// Package server accepts connections and hands each one to its own worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/raphaelreyna/spidey/pkg/handler"
	"github.com/raphaelreyna/spidey/pkg/http10"
	"github.com/raphaelreyna/spidey/pkg/metrics"
)

const (
	ModeConcurrent = "concurrent"
	ModeSingle     = "single"
)

// Server serves connections from a listener. Workers share nothing but the
// read-only Dispatcher, the logger and the metrics collectors.
type Server struct {
	Dispatcher   *handler.Dispatcher
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	ParseOptions http10.ParseOptions

	// Mode is ModeConcurrent (a goroutine per connection, the default) or
	// ModeSingle (connections are served one at a time by the accept loop).
	Mode string
	// MaxWorkers bounds the number of connections served at once. Zero means no bound.
	MaxWorkers int
	// AcceptRate limits accepted connections per second. Zero means no limit.
	AcceptRate  float64
	AcceptBurst int
	// ConnTimeout is a deadline for the whole connection. Zero means none.
	ConnTimeout time.Duration
	// ReverseLookup resolves peer addresses to host names for logging and REMOTE_ADDR.
	ReverseLookup bool
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()
	s.logger().Info("listening", zap.String("addr", ln.Addr().String()), zap.String("mode", s.mode()))
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// waits for in-flight workers. It returns nil after a cancellation. Accept
// errors are retried with backoff; only a listener closed by someone else
// ends the loop with an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.logger()

	var sem *semaphore.Weighted
	if s.MaxWorkers > 0 {
		sem = semaphore.NewWeighted(int64(s.MaxWorkers))
	}
	var limiter *rate.Limiter
	if s.AcceptRate > 0 {
		burst := s.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.AcceptRate), burst)
	}
	release := func() {
		if sem != nil {
			sem.Release(1)
		}
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	// in-flight workers finish even after ctx is cancelled
	workerCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()

	var backoff time.Duration
	for {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				release()
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			release()
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			// EMFILE, ECONNABORTED and friends pass once load drops
			backoff = nextBackoff(backoff)
			log.Warn("accept error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		s.Metrics.Accepted()

		if s.mode() == ModeSingle {
			s.serveConn(workerCtx, conn)
			release()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			s.serveConn(workerCtx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	if s.ConnTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.ConnTimeout)); err != nil {
			s.logger().Debug("set deadline failed", zap.Error(err))
		}
	}
	newWorker(ctx, s, conn).Start()
}

func (s *Server) mode() string {
	if s.Mode == "" {
		return ModeConcurrent
	}
	return s.Mode
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
