package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Swind/go-audit-queue/audit"
	"github.com/Swind/go-audit-queue/config"
	"github.com/Swind/go-audit-queue/core"
	"github.com/Swind/go-audit-queue/handler"
	promexport "github.com/Swind/go-audit-queue/observability/prometheus"
)

const (
	maxRecordBytes = 1 << 20
	pollInterval   = time.Second
)

type sendOptions struct {
	files       []string
	diagnostics []string
	metricsAddr string
	logEvery    time.Duration
	logBurst    int
}

func sendCmd() *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send [record ...]",
		Short: "Send audit records",
		Long: "Send audit records given as arguments, read one per line from --file, " +
			"or read one per line from stdin when neither is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if opts.metricsAddr != "" {
				cfg.Metrics.Addr = opts.metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			records, err := collectRecords(ctx, args, opts.files, cmd.InOrStdin())
			if err != nil {
				return err
			}
			diag, err := parseDiagnostics(opts.diagnostics)
			if err != nil {
				return err
			}
			return runSend(ctx, cfg, opts, records, diag, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringArrayVarP(&opts.files, "file", "f", nil, "file with one record per line (repeatable)")
	cmd.Flags().StringArrayVar(&opts.diagnostics, "diag", nil, "diagnostic key=value attached to every record (repeatable)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address while sending")
	cmd.Flags().DurationVar(&opts.logEvery, "failure-log-interval", 100*time.Millisecond, "minimum interval between failure log lines")
	cmd.Flags().IntVar(&opts.logBurst, "failure-log-burst", 10, "failure log lines allowed in a burst")
	return cmd
}

func runSend(ctx context.Context, cfg *config.Config, opts sendOptions, records []string, diag core.Diagnostics, stderr io.Writer) error {
	logger := core.NewSlogLogger(cfg.NewLogger(stderr))

	registry := prom.NewRegistry()
	exporter, err := promexport.NewMetricsExporter(cfg.Metrics.Namespace, registry, promexport.ExporterOptions{})
	if err != nil {
		return fmt.Errorf("create metrics exporter: %w", err)
	}

	sender, closer, err := buildSender(cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	failures := handler.NewLoggingExceptionHandler(logger, handler.WithLogRate(opts.logEvery, opts.logBurst))
	queue := core.NewQueue(cfg.QueueConfig(logger, exporter))

	actx := audit.NewContext(
		audit.WithEnabled(true),
		audit.WithSender(sender),
		audit.WithExceptionHandler(failures),
		audit.WithQueue(queue),
		audit.WithLogger(logger),
	)

	var stats statsProvider
	if async, ok := queue.(*core.AsynchronousQueue); ok {
		stats = async
	}
	if cfg.Metrics.Addr != "" {
		serverCtx, stopServer := context.WithCancel(context.Background())
		defer stopServer()

		if stats != nil {
			poller, err := promexport.NewSnapshotPoller(cfg.Metrics.Namespace, registry, pollInterval)
			if err != nil {
				return fmt.Errorf("create snapshot poller: %w", err)
			}
			poller.AddPool(cfg.Queue.Name, stats)
			poller.Start(serverCtx)
			defer poller.Stop()
		}
		serveMetrics(serverCtx, cfg.Metrics.Addr, newRouter(registry, stats), logger)
	}

	submitCtx := core.WithDiagnostics(ctx, diag)
	var syncFailures int
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		if err := actx.Audit(submitCtx, record); err != nil {
			syncFailures++
			logger.Error("failed to send audit record", core.F("error", err))
		}
	}

	// The drain gets its own signal context: a signal that stopped the
	// submit loop does not skip it, a second one cuts it short.
	flushCtx, stopFlush := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopFlush()
	actx.Close(flushCtx)

	failed := int(failures.Failures()) + syncFailures
	logger.Info("audit records dispatched",
		core.F("records", len(records)),
		core.F("failed", failed),
		core.F("timeouts", failures.Timeouts()),
	)
	if failed > 0 {
		return fmt.Errorf("%d of %d audit records failed", failed, len(records))
	}
	return ctx.Err()
}

// collectRecords returns args followed by the lines of each file, in
// order. Files are read concurrently. Without args or files, stdin is read.
func collectRecords(ctx context.Context, args, files []string, stdin io.Reader) ([]string, error) {
	records := append([]string(nil), args...)

	if len(args) == 0 && len(files) == 0 {
		lines, err := readLines(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return lines, nil
	}

	perFile := make([][]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open record file: %w", err)
			}
			defer f.Close()

			lines, err := readLines(f)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			perFile[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, lines := range perFile {
		records = append(records, lines...)
	}
	return records, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func parseDiagnostics(pairs []string) (core.Diagnostics, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	diag := make(core.Diagnostics, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --diag %q, want key=value", pair)
		}
		diag[key] = value
	}
	return diag, nil
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg.Transport.Redis.Password = redact(cfg.Transport.Redis.Password)

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
