package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	thorProcesses int
	thorRequests  int
	thorVerbose   bool
)

var thorCmd = &cobra.Command{
	Use:   "thor [-p PROCESSES] [-r REQUESTS] [-v] URL",
	Short: "Hammer a server with GET requests and report elapsed times.",
	Long: `Send REQUESTS sequential GET requests from each of PROCESSES concurrent
workers and print the elapsed time of every request, the average per worker
and the overall average.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		t := &thor{
			URL:       args[0],
			Processes: thorProcesses,
			Requests:  thorRequests,
			Verbose:   thorVerbose,
			Out:       cmd.OutOrStdout(),
		}
		return t.Run(cmd.Context())
	},
}

func setThorFlags() {
	f := thorCmd.Flags()
	f.IntVarP(&thorProcesses, "processes", "p", 1, "Number of concurrent workers.")
	f.IntVarP(&thorRequests, "requests", "r", 1, "Number of requests per worker.")
	f.BoolVarP(&thorVerbose, "verbose", "v", false, "Print response bodies.")
}

type thor struct {
	URL       string
	Processes int
	Requests  int
	Verbose   bool
	Out       io.Writer
	Client    *http.Client

	mu    sync.Mutex
	bytes atomic.Int64
}

func (t *thor) Run(ctx context.Context) error {
	if t.Processes < 1 || t.Requests < 1 {
		return fmt.Errorf("processes and requests must be at least 1")
	}
	if t.Client == nil {
		t.Client = http.DefaultClient
	}

	averages := make([]time.Duration, t.Processes)
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < t.Processes; p++ {
		p := p
		g.Go(func() error {
			avg, err := t.hammer(ctx, p)
			averages[p] = avg
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var sum time.Duration
	for _, a := range averages {
		sum += a
	}
	t.printf("TOTAL AVERAGE ELAPSED TIME: %.2f\n", (sum / time.Duration(t.Processes)).Seconds())
	t.printf("TOTAL BYTES RECEIVED: %s\n", humanize.Bytes(uint64(t.bytes.Load())))
	return nil
}

// hammer performs t.Requests requests one after the other and returns their
// average elapsed time.
func (t *thor) hammer(ctx context.Context, pid int) (time.Duration, error) {
	var sum time.Duration
	for i := 0; i < t.Requests; i++ {
		start := time.Now()
		body, err := t.get(ctx)
		elapsed := time.Since(start)
		if err != nil {
			return 0, fmt.Errorf("process %d, request %d: %w", pid, i, err)
		}
		t.bytes.Add(int64(len(body)))
		if t.Verbose {
			t.printf("%s\n", body)
		}
		sum += elapsed
		t.printf("Process: %d, Request: %d, Elapsed Time: %.2f\n", pid, i, elapsed.Seconds())
	}
	avg := sum / time.Duration(t.Requests)
	t.printf("Process: %d, AVERAGE   , Elapsed Time: %.2f\n", pid, avg.Seconds())
	return avg, nil
}

func (t *thor) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (t *thor) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.Out, format, args...)
}
