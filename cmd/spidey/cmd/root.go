package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raphaelreyna/spidey/pkg/config"
	"github.com/raphaelreyna/spidey/pkg/server"
	"github.com/raphaelreyna/spidey/pkg/logging"
)

var version string

var (
	configPath string
	quiet      bool

	port          int
	address       string
	root          string
	mimeRules     string
	defaultMime   string
	concurrency   string
	maxWorkers    int
	acceptRate    float64
	acceptBurst   int
	connTimeout   time.Duration
	chunkSize     string
	maxLineBytes  string
	maxHeaders    int
	reverseLookup bool

	cgiMode string
	envVars []string
	stderr  string

	logLevel    string
	logFormat   string
	logOutput   string
	metricsAddr string
)

var RootCmd = &cobra.Command{
	Use:     "spidey [flags]",
	Version: version,
	Short:   "A small HTTP/1.0 server for static files, directory listings and CGI scripts.",
	Long: `Serve a directory over HTTP/1.0.
Directories are listed as HTML, executable files are run as CGI scripts and
readable files are sent with a Content-Type taken from a mime.types file.
Settings are read from --config, then SPIDEY_* environment variables (a .env
file in the working directory is loaded first), then flags.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func SetFlags() {
	f := RootCmd.Flags()

	f.StringVar(&configPath, "config", "", "YAML config file.")
	f.BoolVarP(&quiet, "quiet", "q", false, `Only log errors.`)

	f.IntVarP(&port, "port", "p", 9898, "Port to bind to.")
	f.StringVarP(&address, "address", "a", "", "Address to bind to. Empty means all interfaces.")
	f.StringVarP(&root, "root", "r", "www", "Directory to serve.")
	f.StringVarP(&mimeRules, "mimetypes", "m", "/etc/mime.types", "Path to a mime.types file.")
	f.StringVarP(&defaultMime, "default-mime", "M", "text/plain", "Content-Type for files with an unknown extension.")
	f.StringVarP(&concurrency, "concurrency", "c", server.ModeConcurrent, `Concurrency mode.
'concurrent' serves each connection in its own worker, 'single' serves one connection at a time.`,
	)
	f.IntVarP(&maxWorkers, "max-workers", "w", 256, "Maximum number of connections served at once. 0 means unbounded.")
	f.Float64Var(&acceptRate, "accept-rate", 0, "Connections accepted per second. 0 means no limit.")
	f.IntVar(&acceptBurst, "accept-burst", 0, "Connections accepted at once above --accept-rate.")
	f.DurationVar(&connTimeout, "conn-timeout", 0, "Deadline for a whole connection. 0 means none.")
	f.StringVar(&chunkSize, "chunk-size", "8KiB", "Read size used when streaming files.")
	f.StringVar(&maxLineBytes, "max-line-bytes", "8KiB", "Longest request or header line accepted.")
	f.IntVar(&maxHeaders, "max-headers", 100, "Most header lines accepted in one request.")
	f.BoolVar(&reverseLookup, "reverse-lookup", false, "Resolve peer addresses to host names.")

	f.StringVar(&cgiMode, "cgi-mode", config.CGIModeRaw, `How script output is sent.
'raw' forwards it unchanged, 'headers' parses CGI headers and writes the status line.`,
	)
	f.StringArrayVarP(&envVars, "env-var", "e", nil, `Server environment variable to pass on to CGI scripts.
May be repeated.`,
	)
	f.StringVarP(&stderr, "stderr", "E", "", `File to append scripts' stderr to.`)

	f.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error.")
	f.StringVar(&logFormat, "log-format", "console", "Log format: console or json.")
	f.StringVar(&logOutput, "log-output", "", "Log destination: stderr, stdout or a file path.")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics endpoint. Empty disables it.")

	RootCmd.AddCommand(thorCmd)
	setThorFlags()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	context.AfterFunc(ctx, func() {
		log.Info("shutting down")
	})

	if err := a.run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

// loadConfig layers the config file, the environment and the flags that were
// set explicitly on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	// a missing .env is not an error
	_ = godotenv.Load(".env")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed

	if changed("port") {
		cfg.Server.Port = port
	}
	if changed("address") {
		cfg.Server.Address = address
	}
	if changed("root") {
		cfg.Server.Root = root
	}
	if changed("mimetypes") {
		cfg.Mime.Rules = mimeRules
	}
	if changed("default-mime") {
		cfg.Mime.Default = defaultMime
	}
	if changed("concurrency") {
		cfg.Server.Concurrency = concurrency
	}
	if changed("max-workers") {
		cfg.Server.MaxWorkers = maxWorkers
	}
	if changed("accept-rate") {
		cfg.Server.AcceptRate = acceptRate
	}
	if changed("accept-burst") {
		cfg.Server.AcceptBurst = acceptBurst
	}
	if changed("conn-timeout") {
		cfg.Server.ConnTimeout = connTimeout
	}
	if changed("chunk-size") {
		if err := cfg.Server.ChunkSize.UnmarshalText([]byte(chunkSize)); err != nil {
			return fmt.Errorf("--chunk-size: %w", err)
		}
	}
	if changed("max-line-bytes") {
		if err := cfg.Server.MaxLineBytes.UnmarshalText([]byte(maxLineBytes)); err != nil {
			return fmt.Errorf("--max-line-bytes: %w", err)
		}
	}
	if changed("max-headers") {
		cfg.Server.MaxHeaders = maxHeaders
	}
	if changed("reverse-lookup") {
		cfg.Server.ReverseLookup = reverseLookup
	}
	if changed("cgi-mode") {
		cfg.CGI.Mode = cgiMode
	}
	if changed("env-var") {
		cfg.CGI.InheritEnv = envVars
	}
	if changed("stderr") {
		cfg.CGI.Stderr = stderr
	}
	if changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if changed("log-output") {
		cfg.Logging.Output = logOutput
	}
	if changed("metrics-addr") {
		cfg.Metrics.Address = metricsAddr
	}
	if quiet {
		cfg.Logging.Level = "error"
	}
	return nil
}

func Execute() {
	SetFlags()
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
