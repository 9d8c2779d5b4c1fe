package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/raphaelreyna/spidey/pkg/cgi"
	"github.com/raphaelreyna/spidey/pkg/config"
	"github.com/raphaelreyna/spidey/pkg/fsroot"
	"github.com/raphaelreyna/spidey/pkg/handler"
	"github.com/raphaelreyna/spidey/pkg/http10"
	"github.com/raphaelreyna/spidey/pkg/metrics"
	"github.com/raphaelreyna/spidey/pkg/mime"
	"github.com/raphaelreyna/spidey/pkg/server"
)

const metricsShutdownTimeout = 5 * time.Second

// app is a configured server plus the resources it owns.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	srv     *server.Server
	metrics *metrics.Metrics
	closers []io.Closer
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	resolver, err := fsroot.New(cfg.Server.Root)
	if err != nil {
		return nil, err
	}

	types, err := mime.Load(cfg.Mime.Rules, cfg.Mime.Default)
	if err != nil {
		// the table still answers with the default type
		log.Warn("could not load mime rules", zap.String("path", cfg.Mime.Rules), zap.Error(err))
	}

	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	cgiHandler := &cgi.Handler{
		Root:       resolver.Root(),
		Port:       strconv.Itoa(cfg.Server.Port),
		InheritEnv: cfg.CGI.InheritEnv,
		Logger:     log.Named("cgi"),
		Output:     cgi.RawOutput,
	}
	if cfg.CGI.Mode == config.CGIModeHeaders {
		cgiHandler.Output = cgi.HeaderOutput
	}
	if cfg.CGI.Stderr != "" {
		f, err := os.OpenFile(cfg.CGI.Stderr, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("error opening stderr: %w", err)
		}
		cgiHandler.Stderr = f
		a.closers = append(a.closers, f)
	}

	a.srv = &server.Server{
		Dispatcher: &handler.Dispatcher{
			Resolver:  resolver,
			Mime:      types,
			CGI:       cgiHandler,
			ChunkSize: int(cfg.Server.ChunkSize),
			Logger:    log.Named("handler"),
		},
		Logger:  log,
		Metrics: a.metrics,
		ParseOptions: http10.ParseOptions{
			MaxLineBytes: int(cfg.Server.MaxLineBytes),
			MaxHeaders:   cfg.Server.MaxHeaders,
		},
		Mode:          cfg.Server.Concurrency,
		MaxWorkers:    cfg.Server.MaxWorkers,
		AcceptRate:    cfg.Server.AcceptRate,
		AcceptBurst:   cfg.Server.AcceptBurst,
		ConnTimeout:   cfg.Server.ConnTimeout,
		ReverseLookup: cfg.Server.ReverseLookup,
	}
	return a, nil
}

// run serves until ctx is cancelled. The metrics endpoint, when configured,
// is stopped after the main listener has drained.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	var metricsErr chan error
	var metricsSrv *http.Server
	if addr := a.cfg.Metrics.Address; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		metricsErr = make(chan error, 1)
		go func() {
			a.log.Info("metrics listening", zap.String("addr", addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsErr <- err
			}
			close(metricsErr)
		}()
	}

	a.log.Info("serving",
		zap.String("root", a.srv.Dispatcher.Resolver.Root()),
		zap.String("mime_default", a.srv.Dispatcher.Mime.Default()),
		zap.String("cgi_mode", a.cfg.CGI.Mode),
	)
	err := a.srv.ListenAndServe(ctx, a.cfg.Addr())

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		if serr := metricsSrv.Shutdown(sctx); serr != nil {
			a.log.Warn("metrics shutdown", zap.Error(serr))
		}
		if merr := <-metricsErr; merr != nil {
			err = errors.Join(err, fmt.Errorf("metrics: %w", merr))
		}
	}
	return err
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Debug("close", zap.Error(err))
		}
	}
}
