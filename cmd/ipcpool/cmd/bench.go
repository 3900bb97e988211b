package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/msto63/ipcpool/internal/ipc/engine"
	"github.com/msto63/ipcpool/internal/ipc/pool"
)

var (
	benchCalls       int
	benchConcurrency int
	benchMethod      string
	benchArgs        []string
	benchMetricsAddr string
	benchQuiet       bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run many calls concurrently and report the outcome",
	Long: `Starts the worker pool and runs --calls invocations of --method from
--concurrency callers at once. Prints a summary per classification and
the workers in circulation afterwards.

Example:
  ipcpool bench --method flaky --arg 0.2 --calls 5000 --concurrency 16`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchCalls, "calls", "n", 1000, "Number of calls")
	benchCmd.Flags().IntVarP(&benchConcurrency, "concurrency", "c", 8, "Concurrent callers")
	benchCmd.Flags().StringVarP(&benchMethod, "method", "m", "echo", "Method to call")
	benchCmd.Flags().StringArrayVar(&benchArgs, "arg", nil, "Positional argument as JSON (repeatable)")
	benchCmd.Flags().StringVar(&benchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	benchCmd.Flags().BoolVarP(&benchQuiet, "quiet", "q", false, "No progress bar")
	rootCmd.AddCommand(benchCmd)
}

// benchStats collects per-class outcomes
type benchStats struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	attempts  map[string]int
}

func newBenchStats() *benchStats {
	return &benchStats{
		latencies: make(map[string][]time.Duration),
		attempts:  make(map[string]int),
	}
}

func (s *benchStats) record(err error, d time.Duration) {
	class, attempts := classOf(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies[class] = append(s.latencies[class], d)
	s.attempts[class] += attempts
}

// classOf names the outcome of a call
func classOf(err error) (string, int) {
	if err == nil {
		return engine.ClassSuccess.String(), 1
	}
	var callErr *engine.CallError
	if errors.As(err, &callErr) {
		return callErr.Class.String(), callErr.Attempts
	}
	return "error", 0
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchCalls < 1 || benchConcurrency < 1 {
		return fmt.Errorf("--calls and --concurrency must be positive")
	}
	callArgs := parseArgs(benchArgs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bold.Printf("Starting %d workers (%s transport)\n", cfg.Pool.MaxWorkers, cfg.Worker.Transport)
	rt, err := startExecPool(ctx, cfg)
	if err != nil {
		printError("starting worker pool", err)
		return err
	}
	defer rt.Close()

	addr := benchMetricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Address
	}
	if addr != "" {
		srv := rt.serveMetrics(addr)
		defer srv.Close()
		fmt.Printf("Metrics on http://%s/metrics\n", addr)
	}

	var bar *progressbar.ProgressBar
	if !benchQuiet {
		bar = progressbar.NewOptions(benchCalls,
			progressbar.OptionSetDescription(fmt.Sprintf("Calling %s", benchMethod)),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
	}

	stats := newBenchStats()
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(benchConcurrency)
	for i := 0; i < benchCalls; i++ {
		g.Go(func() error {
			t := time.Now()
			_, err := rt.engine.Invoke(gctx, benchMethod, callArgs, nil)
			stats.record(err, time.Since(t))
			if bar != nil {
				_ = bar.Add(1)
			}
			// Only a closed pool or an interrupt stops the run
			if errors.Is(err, pool.ErrPoolClosed) || ctx.Err() != nil {
				return err
			}
			return nil
		})
	}
	runErr := g.Wait()
	elapsed := time.Since(start)
	if bar != nil {
		_ = bar.Finish()
	}

	fmt.Println()
	renderSummary(stats, elapsed)
	fmt.Println()
	renderHandles(rt.manager.Pool())

	if runErr != nil {
		printError("bench interrupted", runErr)
	}
	return runErr
}

func renderSummary(stats *benchStats, elapsed time.Duration) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	total := 0
	for _, l := range stats.latencies {
		total += len(l)
	}

	bold.Printf("%d calls in %v (%.0f calls/s)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())

	classes := make([]string, 0, len(stats.latencies))
	for class := range stats.latencies {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Class", "Calls", "Share", "Attempts", "Avg Latency", "P95", "Max")
	for _, class := range classes {
		l := stats.latencies[class]
		sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })

		var sum time.Duration
		for _, d := range l {
			sum += d
		}
		_ = table.Append(
			colorClass(class),
			fmt.Sprint(len(l)),
			fmt.Sprintf("%.1f%%", 100*float64(len(l))/float64(total)),
			fmt.Sprint(stats.attempts[class]),
			(sum / time.Duration(len(l))).Round(time.Microsecond).String(),
			percentile(l, 0.95).Round(time.Microsecond).String(),
			l[len(l)-1].Round(time.Microsecond).String(),
		)
	}
	if err := table.Render(); err != nil {
		printError("rendering summary", err)
	}
}

// renderHandles prints the workers currently in circulation
func renderHandles(p *pool.Pool) {
	bold.Printf("Workers in circulation: %d of %d (%d idle)\n", p.Size(), p.Capacity(), p.Idle())

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("PID", "Uses", "Alive", "Uptime")
	for _, h := range p.Handles() {
		alive := green.Sprint("yes")
		if !h.Process().Alive() {
			alive = red.Sprint("no")
		}
		_ = table.Append(
			fmt.Sprint(h.PID()),
			fmt.Sprint(h.UseCount()),
			alive,
			time.Since(h.StartedAt()).Round(time.Millisecond).String(),
		)
	}
	if err := table.Render(); err != nil {
		printError("rendering workers", err)
	}
}

func colorClass(class string) string {
	switch class {
	case engine.ClassSuccess.String():
		return green.Sprint(class)
	case engine.ClassTransient.String():
		return yellow.Sprint(class)
	default:
		return red.Sprint(class)
	}
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}
