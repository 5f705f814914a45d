// Package attach implements 'coral-hook attach', which instruments a
// running process until interrupted.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/coral-hook/internal/cli/helpers"
	"github.com/coral-mesh/coral-hook/internal/config"
	"github.com/coral-mesh/coral-hook/internal/engine"
	"github.com/coral-mesh/coral-hook/internal/observer"
	"github.com/coral-mesh/coral-hook/internal/runtime"
	"github.com/coral-mesh/coral-hook/internal/symbols"
	"github.com/coral-mesh/coral-hook/internal/sys/proc"
	"github.com/coral-mesh/coral-hook/internal/tracee"
	"github.com/coral-mesh/coral-hook/pkg/version"
)

const flushTimeout = 5 * time.Second

type options struct {
	pid      int
	name     string
	port     int
	otlp     string
	output   string
	duration time.Duration
	force    bool
}

// NewAttachCmd creates the attach command.
func NewAttachCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Instrument a running Go process",
		Long: `Attach to a running process, hook the configured functions and emit one
span per intercepted request until interrupted.

The process is selected with --pid, --name or --port, falling back to
target.pid and target.name from the configuration. Events are written as
JSON lines to observer.output and, when --otlp or
OTEL_EXPORTER_OTLP_ENDPOINT is set, exported as OTLP spans.

On exit every patched function is restored before the tracer detaches.

Examples:
  coral-hook attach --pid 4242
  coral-hook attach --name api-server --otlp localhost:4317
  coral-hook attach --port 8080 --duration 30s --output events.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			opts.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().IntVar(&opts.pid, "pid", 0, "Process ID to attach to")
	cmd.Flags().StringVar(&opts.name, "name", "", "Process name or executable path to attach to")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Attach to the process listening on this TCP port")
	cmd.Flags().StringVar(&opts.otlp, "otlp", "", "OTLP gRPC endpoint for span export (host:port)")
	cmd.Flags().StringVar(&opts.output, "output", "", "Event output: stdout, stderr, a file path or none")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Detach after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Skip the ptrace permission preflight")
	cmd.MarkFlagsMutuallyExclusive("pid", "name", "port")

	return cmd
}

// apply lays the command-line overrides over the loaded configuration.
func (o *options) apply(cfg *config.Config) {
	if o.pid != 0 {
		cfg.Target.PID = o.pid
		cfg.Target.Name = ""
	}
	if o.name != "" {
		cfg.Target.Name = o.name
		cfg.Target.PID = 0
	}
	if o.otlp != "" {
		cfg.Observer.OTLP.Endpoint = o.otlp
	}
	if o.output != "" {
		cfg.Observer.Output = o.output
	}
}

func run(parent context.Context, cfg *config.Config, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := helpers.NewLogger(cfg, "attach")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if opts.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal, detaching")
			cancel()
		case <-ctx.Done():
		}
	}()

	pid, err := resolvePID(ctx, cfg, opts.port)
	if err != nil {
		return err
	}
	logger = logger.With().Int("pid", pid).Logger()

	if !opts.force {
		if err := preflight(ctx, pid, logger); err != nil {
			return err
		}
	}

	pipeline, closeSinks, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	go func() {
		if err := pipeline.Run(pipeCtx); err != nil {
			logger.Debug().Err(err).Msg("Event pipeline stopped with error")
		}
	}()

	sources := symbols.NewSourceCache(2, logger)
	defer func() { _ = sources.Close() }()

	var session *engine.Session
	setup := func(ctx context.Context, t *tracee.Target) (tracee.Session, error) {
		path := cfg.Target.Binary
		if path == "" {
			path = t.ExePath
		}
		src, err := sources.Open(path, t.LoadBase)
		if err != nil {
			return nil, err
		}

		s, err := engine.NewSession(cfg, t.Space, src, pipeline, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Install(ctx); err != nil {
			return nil, err
		}
		session = s
		return s, nil
	}

	runErr := tracee.Run(ctx, pid, logger, tracee.Options{QuiesceTimeout: cfg.Session.QuiesceTimeout}, setup)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer flushCancel()
	if err := pipeline.Close(flushCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush events")
	}
	stopPipeline()
	closeSinks()

	if session != nil {
		summarize(session, pipeline, logger)
	}
	if errors.Is(runErr, tracee.ErrTargetExited) {
		return nil
	}
	return runErr
}

// resolvePID finds the target by pid, port or name, in that order.
func resolvePID(ctx context.Context, cfg *config.Config, port int) (int, error) {
	switch {
	case cfg.Target.PID > 0:
		return cfg.Target.PID, nil
	case port > 0:
		pid, err := proc.FindPidByPort(port)
		if err != nil {
			return 0, fmt.Errorf("failed to find process on port %d: %w", port, err)
		}
		if pid == 0 {
			return 0, fmt.Errorf("no process is listening on port %d", port)
		}
		return int(pid), nil
	case cfg.Target.Name != "":
		attempts := cfg.Target.WaitAttempts
		if attempts < 1 {
			attempts = 1
		}
		m, err := proc.WaitForName(ctx, cfg.Target.Name, attempts, cfg.Target.WaitInterval)
		if err != nil {
			return 0, fmt.Errorf("failed to find process %q: %w", cfg.Target.Name, err)
		}
		return int(m.PID), nil
	}
	return 0, errors.New("no target process: set --pid, --name or --port")
}

func preflight(ctx context.Context, pid int, logger zerolog.Logger) error {
	uid, err := proc.UID(ctx, int32(pid))
	if err != nil {
		return fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}
	report := runtime.Detect(logger)
	if err := report.CanAttach(uid); err != nil {
		return fmt.Errorf("cannot attach to process %d: %w", pid, err)
	}
	return nil
}

// newPipeline builds the event pipeline and returns a func that closes
// the sinks after the pipeline has drained.
func newPipeline(cfg *config.Config, logger zerolog.Logger) (*observer.Pipeline, func(), error) {
	var (
		sinks   []observer.Sink
		closers []io.Closer
	)

	w, c, err := openOutput(cfg.Observer.Output)
	if err != nil {
		return nil, nil, err
	}
	if w != nil {
		sinks = append(sinks, observer.NewJSONLines(w))
	}
	if c != nil {
		closers = append(closers, c)
	}

	if otlp := cfg.Observer.OTLP; otlp.Endpoint != "" {
		if otlp.ServiceVersion == "" {
			otlp.ServiceVersion = version.Version
		}
		exp, err := observer.DialOTLP(observer.OTLPConfig{
			Endpoint:       otlp.Endpoint,
			ServiceName:    otlp.ServiceName,
			ServiceVersion: otlp.ServiceVersion,
			BatchSize:      otlp.BatchSize,
			Timeout:        otlp.Timeout,
		}, logger)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, err
		}
		sinks = append(sinks, exp)
		closers = append(closers, exp)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close event sink")
			}
		}
	}
	return observer.NewPipeline(cfg.Observer.Buffer, logger, sinks...), closeAll, nil
}

// openOutput maps observer.output to a writer. "none" yields no writer.
func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout", "-":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "none":
		return nil, nil, nil
	}
	//nolint:gosec // G304: the path comes from the operator.
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event output %s: %w", output, err)
	}
	return f, f, nil
}

func summarize(s *engine.Session, pipeline *observer.Pipeline, logger zerolog.Logger) {
	ev := logger.Info().Str("session_id", s.ID())
	for _, h := range s.Hooks() {
		ev = ev.Uint64(h.Name, h.Calls())
	}
	if n := len(s.Failures()); n > 0 {
		ev = ev.Int("failures", n)
	}
	if n := pipeline.Dropped(); n > 0 {
		ev = ev.Uint64("dropped_events", n)
	}
	ev.Msg("Session finished")
}
