// Package cgi runs request targets as CGI subprocesses. The environment of
// each subprocess is built per invocation and never touches the server's own
// process environment.
package cgi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/raphaelreyna/spidey/pkg/http10"
)

// ErrStart is returned when the subprocess could not be started.
var ErrStart = errors.New("cgi: subprocess failed to start")

var osDefaultInheritEnv = map[string][]string{
	"darwin":  {"DYLD_LIBRARY_PATH"},
	"freebsd": {"LD_LIBRARY_PATH"},
	"linux":   {"LD_LIBRARY_PATH"},
	"openbsd": {"LD_LIBRARY_PATH"},
	"solaris": {"LD_LIBRARY_PATH", "LD_LIBRARY_PATH_32", "LD_LIBRARY_PATH_64"},
}

// ExportedHeaders lists the only request headers passed to scripts as HTTP_* variables.
var ExportedHeaders = []string{
	"Host",
	"User-Agent",
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"Connection",
}

var headerVars = func() map[string]string {
	m := make(map[string]string, len(ExportedHeaders))
	for _, name := range ExportedHeaders {
		m[name] = "HTTP_" + strings.Map(upperCaseAndUnderscore, name)
	}
	return m
}()

const defaultPath = "/bin:/usr/bin:/usr/local/bin"

// Handler runs an executable in a subprocess with a CGI environment and
// streams its standard output to the client.
type Handler struct {
	// Root is exported as DOCUMENT_ROOT.
	Root string
	// Port is exported as SERVER_PORT.
	Port string

	// InheritEnv names server environment variables passed through to scripts.
	InheritEnv []string
	Stderr     io.Writer
	Logger     *zap.Logger

	// Output writes the subprocess output to the client. RawOutput when nil.
	Output OutputHandler
}

// Env returns the environment for running req.Path on behalf of req.
// Later entries for the same variable replace earlier ones, so request values
// win over inherited ones and a repeated request header exports its last value.
func (h *Handler) Env(req *http10.Request) []string {
	envPath := os.Getenv("PATH")
	if envPath == "" {
		envPath = defaultPath
	}
	env := []string{"PATH=" + envPath}

	inherit := make([]string, 0, len(h.InheritEnv)+2)
	inherit = append(inherit, osDefaultInheritEnv[runtime.GOOS]...)
	inherit = append(inherit, h.InheritEnv...)
	for _, e := range inherit {
		// HTTP_* is reserved for the exported request headers
		if strings.HasPrefix(e, "HTTP_") {
			continue
		}
		if v := os.Getenv(e); v != "" {
			env = append(env, e+"="+v)
		}
	}

	env = append(env,
		"DOCUMENT_ROOT="+h.Root,
		"QUERY_STRING="+req.Query,
		"REMOTE_ADDR="+req.PeerHost,
		"REMOTE_PORT="+req.PeerPort,
		"REQUEST_METHOD="+req.Method,
		"REQUEST_URI="+req.URI,
		"SCRIPT_FILENAME="+req.Path,
		"SERVER_PORT="+h.Port,
	)

	for _, hdr := range req.Headers {
		if k, ok := headerVars[hdr.Name]; ok {
			env = append(env, k+"="+hdr.Value)
		}
	}

	return removeLeadingDuplicates(env)
}

// Run executes req.Path and writes its output to w. If the subprocess cannot
// be started nothing is written and the returned error wraps ErrStart.
// The exit status of the subprocess is not inspected.
func (h *Handler) Run(ctx context.Context, w io.Writer, req *http10.Request) error {
	stderr := h.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	output := h.Output
	if output == nil {
		output = RawOutput
	}

	cmd := exec.CommandContext(ctx, req.Path)
	cmd.Dir = filepath.Dir(req.Path)
	cmd.Env = h.Env(req)
	cmd.Stderr = stderr

	stdoutRead, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStart, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStart, err)
	}

	defer func() {
		if err := cmd.Wait(); err != nil {
			h.logger().Debug("cgi: subprocess exited", zap.String("path", req.Path), zap.Error(err))
		}
	}()

	if err := output(w, stdoutRead, h); err != nil {
		h.logger().Warn("cgi: copy error", zap.String("path", req.Path), zap.Error(err))
		_ = cmd.Process.Kill()
		return err
	}
	return nil
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// removeLeadingDuplicates and upperCaseAndUnderscore are copied from the Go
// standard library: https://golang.org/src/net/http/cgi/host.go
func removeLeadingDuplicates(env []string) (ret []string) {
	for i, e := range env {
		found := false
		if eq := strings.IndexByte(e, '='); eq != -1 {
			keq := e[:eq+1]
			for _, e2 := range env[i+1:] {
				if strings.HasPrefix(e2, keq) {
					found = true
					break
				}
			}
		}
		if !found {
			ret = append(ret, e)
		}
	}
	return
}

func upperCaseAndUnderscore(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return r - ('a' - 'A')
	case r == '-':
		return '_'
	case r == '=':
		return '_'
	}
	return r
}
