package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cefshim/common"
	"github.com/grafana/cefshim/env"
	"github.com/grafana/cefshim/log"
	"github.com/grafana/cefshim/metrics"
	"github.com/grafana/cefshim/osext"
	"github.com/grafana/cefshim/otel"
	"github.com/grafana/cefshim/preview"
	"github.com/grafana/cefshim/scripts"
	"github.com/grafana/cefshim/storage"
)

const closeTimeout = 30 * time.Second

type runFlags struct {
	steps           int
	interval        time.Duration
	hold            time.Duration
	script          string
	scriptIteration int
	noScript        bool
	validate        bool
	probe           bool
	screenshotPath  string
	videoPath       string
	ffmpegPath      string
	previewAddr     string
	metricsAddr     string
	tracesProto     string
	tracesEndpoint  string
	tracesInsecure  bool
	logLevel        string
	logFilter       string
}

func (a *app) newRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Initialize the engine, step it and free it",
		Long: `Initialize the engine, step it at a fixed interval, optionally submit a
script along the way and free it. Defaults come from CEFSHIM_* environment
variables; flags override them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := env.Load()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &opts)

			return a.run(cmd.Context(), opts, f.probe)
		},
	}

	f.register(cmd.Flags())

	return cmd
}

// register binds the flags to fs.
func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.steps, "steps", common.DefaultScenarioSteps, "number of steps to run")
	fs.DurationVar(&f.interval, "interval", common.DefaultScenarioInterval, "pause between steps")
	fs.DurationVar(&f.hold, "hold", 0, "keep stepping the engine this long after the scenario")
	fs.StringVar(&f.script, "script", "", "script to submit (default loads a video into the page's player)")
	fs.IntVar(&f.scriptIteration, "script-iteration", common.DefaultScenarioScriptAt, "step before which the script is submitted")
	fs.BoolVar(&f.noScript, "no-script", false, "don't submit any script")
	fs.BoolVar(&f.validate, "validate", false, "check script syntax before submitting")
	fs.BoolVar(&f.probe, "probe", false, "submit the viewport probe script after init")
	fs.StringVar(&f.screenshotPath, "screenshot", "", "write the last frame to this PNG file")
	fs.StringVar(&f.videoPath, "video", "", "record frames to this webm file (requires ffmpeg)")
	fs.StringVar(&f.ffmpegPath, "ffmpeg", "ffmpeg", "ffmpeg binary used for --video")
	fs.StringVar(&f.previewAddr, "preview-addr", "", "serve a live preview on this address")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.StringVar(&f.tracesProto, "traces-proto", "", "trace exporter: http or stdout")
	fs.StringVar(&f.tracesEndpoint, "traces-endpoint", "localhost:4318", "OTLP HTTP endpoint")
	fs.BoolVar(&f.tracesInsecure, "traces-insecure", false, "use plain HTTP for the OTLP endpoint")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level")
	fs.StringVar(&f.logFilter, "log-filter", "", "only log categories matching this regexp")
}

// apply overrides opts with the flags set on the command line.
func (f *runFlags) apply(fs *pflag.FlagSet, opts *env.Options) {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("steps", func() { opts.Steps = f.steps })
	set("interval", func() { opts.StepInterval = f.interval })
	set("hold", func() { opts.Hold = f.hold })
	set("script", func() { opts.Script = f.script })
	set("script-iteration", func() { opts.ScriptIteration = null.IntFrom(int64(f.scriptIteration)) })
	set("no-script", func() { opts.ScriptIteration = null.Int{} })
	set("validate", func() { opts.ValidateScripts = f.validate })
	set("screenshot", func() { opts.ScreenshotPath = f.screenshotPath })
	set("video", func() { opts.VideoPath = f.videoPath })
	set("ffmpeg", func() { opts.FFmpegPath = f.ffmpegPath })
	set("preview-addr", func() { opts.PreviewAddr = f.previewAddr })
	set("metrics-addr", func() { opts.MetricsAddr = f.metricsAddr })
	set("traces-proto", func() { opts.TracesProto = f.tracesProto })
	set("traces-endpoint", func() { opts.TracesEndpoint = f.tracesEndpoint })
	set("traces-insecure", func() { opts.TracesInsecure = f.tracesInsecure })
	set("log-level", func() { opts.LogLevel = f.logLevel })
	set("log-filter", func() { opts.LogCategoryFilter = f.logFilter })
}

func newLogger(w io.Writer, opts env.Options) (*log.Logger, error) {
	lr := logrus.New()
	lr.SetOutput(w)
	lr.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logger := log.New(lr, false, nil)
	if err := logger.SetLevel(opts.LogLevel); err != nil {
		return nil, err
	}
	if opts.LogCategoryFilter != "" {
		if err := logger.SetCategoryFilter(opts.LogCategoryFilter); err != nil {
			return nil, err
		}
	}
	return logger, nil
}

func newTraceProvider(ctx context.Context, w io.Writer, opts env.Options) (otel.TraceProvider, error) {
	if opts.TracesProto == "" {
		return otel.NewNoopTraceProvider(), nil
	}
	return otel.NewTraceProvider(ctx, opts.TracesProto, opts.TracesEndpoint, opts.TracesInsecure, w)
}

// logEvents reports engine events through the logger.
func logEvents(logger *log.Logger) common.EventHandler {
	return func(ev common.Event) {
		switch ev.Type() {
		case common.EventEngineStarted:
			logger.Infof("cefshim:engine", "engine started")
		case common.EventScriptSubmitted:
			code, _ := ev.Data().(string)
			logger.Debugf("cefshim:engine", "script submitted bytes:%d", len(code))
		case common.EventStepFailed:
			logger.Warnf("cefshim:engine", "step failed: %v", ev.Data())
		case common.EventEngineClosed:
			if err, _ := ev.Data().(error); err != nil {
				logger.Warnf("cefshim:engine", "engine freed with error: %v", err)
				return
			}
			logger.Infof("cefshim:engine", "engine freed")
		}
	}
}

func scenarioFromOptions(opts env.Options) common.Scenario {
	sc := common.DefaultScenario()
	sc.Steps = opts.Steps
	sc.Interval = opts.StepInterval
	sc.ScriptAt = opts.ScriptIteration
	if opts.Script != "" {
		sc.Script = opts.Script
	}
	return sc
}

//nolint:funlen,cyclop
func (a *app) run(ctx context.Context, opts env.Options, probe bool) (err error) {
	logger, err := newLogger(a.stderr, opts)
	if err != nil {
		return err
	}

	sc := scenarioFromOptions(opts)
	if err := sc.Validate(); err != nil {
		return err
	}

	// Child processes still registered here were not shut down cleanly.
	defer osext.ForceProcessShutdown()

	tp, err := newTraceProvider(ctx, a.stderr, opts)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if serr := tp.Shutdown(sctx); serr != nil {
			logger.Warnf("cefshim:run", "shutting down tracing: %v", serr)
		}
	}()

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	g, gctx := errgroup.WithContext(serveCtx)

	m := metrics.New(nil)
	if opts.MetricsAddr != "" {
		g.Go(func() error { return m.Serve(gctx, opts.MetricsAddr) })
		logger.Infof("cefshim:run", "serving metrics on %s", opts.MetricsAddr)
	}

	var sinks common.MultiSink
	if opts.PreviewAddr != "" {
		srv := preview.New(logger)
		sinks = append(sinks, srv)
		g.Go(func() error { return srv.Serve(gctx, opts.PreviewAddr) })
		logger.Infof("cefshim:run", "serving preview on %s", opts.PreviewAddr)
	}

	var video *common.VideoCapture
	if opts.VideoPath != "" {
		vopts := common.NewVideoCaptureOptions(opts.VideoPath)
		vopts.FFmpegPath = opts.FFmpegPath
		vopts.QueueSize = opts.FrameQueueSize
		video, err = common.NewVideoCapture(ctx, logger, vopts, &storage.LocalFilePersister{})
		if err != nil {
			return err
		}
		sinks = append(sinks, video)
	}

	eopts := common.NewEngineOptions()
	eopts.Logger = logger
	eopts.Metrics = m
	eopts.ValidateScripts = opts.ValidateScripts
	eopts.EventHandler = logEvents(logger)
	if len(sinks) > 0 {
		eopts.Sink = sinks
	}

	runCtx := common.WithRunID(gctx, fmt.Sprintf("%x", time.Now().UnixNano()))
	eng, err := common.Launch(runCtx, a.lib, eopts)
	if err != nil {
		if video != nil {
			_ = video.Close(ctx)
		}
		stopServing()
		_ = g.Wait()
		return err
	}

	var report *common.ScenarioReport
	runErr := func() error {
		if probe {
			if err := eng.RunScript(runCtx, scripts.ViewportProbeScript); err != nil {
				return fmt.Errorf("submitting probe: %w", err)
			}
		}
		var err error
		report, err = common.RunScenario(runCtx, eng, sc)
		if err != nil || opts.Hold <= 0 {
			return err
		}
		holdCtx, cancel := context.WithTimeout(runCtx, opts.Hold)
		defer cancel()
		return eng.Run(holdCtx, sc.Interval)
	}()

	var shotErr error
	if frame, ok := eng.LastFrame(); ok && opts.ScreenshotPath != "" {
		s := common.NewScreenshotter(ctx, &storage.LocalFilePersister{}, logger)
		_, shotErr = s.Screenshot(frame, opts.ScreenshotPath)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	closeErr := eng.Close(closeCtx)

	var videoErr error
	if video != nil {
		videoErr = video.Close(closeCtx)
	}

	stopServing()
	serveErr := g.Wait()

	a.printSummary(opts, report, runErr, closeErr)

	for _, err := range []error{serveErr, runErr, closeErr, shotErr, videoErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) printSummary(opts env.Options, report *common.ScenarioReport, runErr, closeErr error) {
	var (
		ok   = color.New(color.FgGreen).SprintFunc()
		fail = color.New(color.FgRed).SprintFunc()
		dim  = color.New(color.Faint).SprintFunc()
	)
	mark := func(err error) string {
		if err != nil {
			return fail("✗")
		}
		return ok("✓")
	}

	if report == nil {
		report = &common.ScenarioReport{}
	}
	fmt.Fprintf(a.stdout, "%s steps: %d/%d %s\n", mark(runErr), report.StepsRun, opts.Steps,
		dim(fmt.Sprintf("(%s)", report.Duration.Round(time.Millisecond))))
	if opts.ScriptIteration.Valid {
		fmt.Fprintf(a.stdout, "%s script submitted: %t\n", mark(nil), report.ScriptSubmitted)
	}
	fmt.Fprintf(a.stdout, "%s frames: %d (after script: %d)\n", mark(nil), report.Frames, report.FramesAfterScript)
	if report.Frames > 0 {
		fmt.Fprintf(a.stdout, "  first size: %dx%d last size: %dx%d\n",
			report.FirstSize.X, report.FirstSize.Y, report.LastSize.X, report.LastSize.Y)
	}
	fmt.Fprintf(a.stdout, "%s free\n", mark(closeErr))
}
