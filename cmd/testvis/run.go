package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testvis/internal/config"
	"github.com/fyrsmithlabs/testvis/internal/gotest"
	"github.com/fyrsmithlabs/testvis/internal/logging"
	"github.com/fyrsmithlabs/testvis/internal/monitor"
	"github.com/fyrsmithlabs/testvis/internal/orchestrator"
	"github.com/fyrsmithlabs/testvis/internal/remote"
	"github.com/fyrsmithlabs/testvis/internal/secrets"
	"github.com/fyrsmithlabs/testvis/internal/span"
	"github.com/fyrsmithlabs/testvis/internal/telemetry"
	"github.com/fyrsmithlabs/testvis/internal/transport"
	"github.com/fyrsmithlabs/testvis/internal/visibility"
	"github.com/fyrsmithlabs/testvis/internal/writer"
	"github.com/fyrsmithlabs/testvis/pkg/server"
)

// Session tags set by the CLI.
const (
	tagCommand  = "test.command"
	tagExitCode = "test.exit_code"
)

// runCmd runs a test command and records its results
var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run a test command and record its results",
	Long: `Run a command that writes 'go test -json' output to stdout, record the
session, suites and tests it reports, and exit with the command's status.

Test output is echoed to stdout as it arrives. Lines that are not test
events, such as build errors, are passed through unchanged.

Examples:
  # Record all tests of a module
  testvis run -- go test -json ./...

  # Serve metrics while the run is in progress
  testvis run --metrics-addr :9464 -- go test -json -race ./...

  # Show a live summary instead of the raw output
  testvis run --watch -- go test -json ./...`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

// watch replaces the echoed test output with a live summary view.
var watch bool

func init() {
	runCmd.Flags().BoolVarP(&watch, "watch", "w", false, "show a live summary instead of the test output")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var view *monitor.View
	if watch {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		view = monitor.Start(strings.Join(args, " "), out, cancel)
		rt.onProgress = view.Update
		out = io.Discard
	}

	code, runErr := rt.execute(ctx, args, out, cmd.ErrOrStderr())
	if view != nil {
		if err := view.Finish(code); err != nil {
			rt.logger.Warn(ctx, "live view failed", zap.Error(err))
		}
	}
	if err := rt.close(context.Background()); err != nil {
		rt.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// runtime holds everything a run needs, in dependency order.
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	nc       *nats.Conn
	recorder *visibility.Recorder

	// onProgress receives the running summary as test events arrive.
	onProgress func(gotest.Summary)

	stopServer context.CancelFunc
	serverDone chan error
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	logCfg, err := logging.FromUserConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	var provider otellog.LoggerProvider
	if cfg.Telemetry.Enabled {
		logCfg.Output.OTEL = true
		provider = global.GetLoggerProvider()
	}
	rt.logger, err = logging.NewLogger(logCfg, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	telCfg, err := telemetry.FromUserConfig(cfg.Telemetry, cfg.Service)
	if err != nil {
		return nil, err
	}
	rt.tel, err = telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, err
	}
	if h := rt.tel.Health(); h.Degraded {
		rt.logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", h.Reasons))
	}

	var deliverer writer.Deliverer[span.Event] = transport.NewLogDeliverer(rt.logger)
	if cfg.Transport.Enabled {
		nc, err := transport.Connect(cfg.Transport, rt.logger)
		if err != nil {
			rt.logger.Warn(ctx, "event transport unavailable, logging events instead", zap.Error(err))
		} else {
			rt.nc = nc
			deliverer = transport.NewNATSDeliverer(nc, cfg.Transport.Subject, cfg.Transport.MaxBatch)
		}
	}

	opts := visibility.Options{
		Service:   cfg.Service,
		Env:       cfg.Env,
		Deliverer: deliverer,
		Writer: writer.Config{
			Name:              "events",
			FlushInterval:     cfg.Writer.FlushInterval.Duration(),
			MaxInterval:       cfg.Writer.MaxInterval.Duration(),
			BackoffMultiplier: cfg.Writer.BackoffMultiplier,
			BufferSize:        cfg.Writer.BufferSize,
		},
		ConfigureDeadline: cfg.Remote.Deadline.Duration(),
		Orchestrator: orchestrator.New(
			orchestrator.WithLogger(rt.logger),
			orchestrator.WithTracerProvider(rt.tel.TracerProvider()),
		),
		GitPath:     cfg.Git.Path,
		CommitLimit: cfg.Git.CommitLimit,
		Logger:      rt.logger,
	}
	if cfg.Remote.Enabled {
		opts.Fetcher = remote.NewHTTPFetcher(cfg.Remote.Endpoint, cfg.Remote.APIKey, nil)
	}
	if cfg.Git.UploadEnabled && rt.nc != nil {
		opts.Uploader = transport.NewCommitPublisher(rt.nc, cfg.Transport.Subject+".commits")
	}
	if cfg.Secrets.Enabled {
		if scrubber, err := newScrubber(cfg); err != nil {
			rt.logger.Warn(ctx, "secret redaction disabled", zap.Error(err))
		} else {
			opts.Redactor = scrubber
		}
	}
	rt.recorder = visibility.New(opts)

	if cfg.Server.MetricsAddr != "" {
		rt.startServer(ctx)
	}
	return rt, nil
}

func newScrubber(cfg *config.Config) (*secrets.Scrubber, error) {
	allow, err := secrets.LoadAllowlist(cfg.Git.Path, cfg.Secrets.AllowlistPath)
	if err != nil {
		return nil, err
	}
	return secrets.New(allow)
}

func (rt *runtime) startServer(ctx context.Context) {
	srv := server.NewServer(server.Config{
		Addr:            rt.cfg.Server.MetricsAddr,
		Service:         rt.cfg.Service,
		ShutdownTimeout: rt.cfg.Server.ShutdownTimeout.Duration(),
	}, rt.logger)

	srv.AddHealthCheck("telemetry", func() error {
		if h := rt.tel.Health(); h.Degraded {
			return errors.New(strings.Join(h.Reasons, "; "))
		}
		return nil
	})
	if rt.nc != nil {
		srv.AddHealthCheck("transport", func() error {
			if !rt.nc.IsConnected() {
				return fmt.Errorf("nats %s", rt.nc.Status())
			}
			return nil
		})
	}

	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.stopServer = cancel
	rt.serverDone = make(chan error, 1)
	go func() {
		err := srv.Start(srvCtx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error(ctx, "metrics server failed", zap.Error(err))
		}
		rt.serverDone <- err
	}()
}

// execute runs args, feeding its stdout through the test event adapter,
// and returns the command's exit status.
func (rt *runtime) execute(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	command := strings.Join(args, " ")
	session, err := rt.recorder.StartSession(ctx, command, map[string]string{tagCommand: command})
	if err != nil {
		return 1, err
	}

	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdin = os.Stdin
	c.Stderr = stderr
	pipe, err := c.StdoutPipe()
	if err != nil {
		rt.failSession(session, err)
		return 1, fmt.Errorf("failed to attach to command output: %w", err)
	}
	if err := c.Start(); err != nil {
		rt.failSession(session, err)
		return 1, fmt.Errorf("failed to start %s: %w", args[0], err)
	}

	adapter := gotest.NewAdapter(rt.recorder, stdout, rt.logger)
	if rt.onProgress != nil {
		adapter.OnChange(rt.onProgress)
	}
	summary, consumeErr := adapter.Consume(ctx, pipe)
	if consumeErr != nil {
		// Drain so the command is not blocked writing to a full pipe.
		_, _ = io.Copy(io.Discard, pipe)
	}
	code := exitCode(c.Wait())

	session.SetTag(tagExitCode, strconv.Itoa(code))
	if code != 0 {
		session.RecordChild(span.StatusFail)
	}
	if err := rt.recorder.FinishSession(); err != nil {
		rt.logger.Warn(ctx, "could not finish session", zap.Error(err))
	}

	rt.logger.Info(ctx, "test run finished",
		zap.Int("exit_code", code),
		zap.Int("packages", summary.Packages),
		zap.Int("tests", summary.Tests),
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return code, consumeErr
}

func (rt *runtime) failSession(session *span.Session, err error) {
	session.SetTag(span.TagErrorMessage, err.Error())
	session.RecordChild(span.StatusFail)
	_ = rt.recorder.FinishSession()
}

// close flushes events and releases resources. Every step runs even when
// an earlier one fails.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error

	if err := rt.recorder.Shutdown(rt.cfg.Writer.StopTimeout.Duration()); err != nil {
		errs = append(errs, err)
	}
	if rt.nc != nil {
		if err := rt.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("draining nats: %w", err))
		}
	}
	if rt.stopServer != nil {
		rt.stopServer()
		<-rt.serverDone
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	_ = rt.logger.Sync()

	return errors.Join(errs...)
}

// exitCode maps the result of Wait to a process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		if code := exit.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}
