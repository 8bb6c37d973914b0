// Package env loads cefshim options from the environment.
package env

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/guregu/null.v3"
)

// Prefix is prepended to every environment variable, e.g. CEFSHIM_STEPS.
const Prefix = "CEFSHIM"

// Options are the settings a cefshim run reads from the environment.
// Command line flags take precedence over them.
type Options struct {
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
	LogCategoryFilter string `envconfig:"LOG_CATEGORY_FILTER"`

	Steps        int           `envconfig:"STEPS" default:"200"`
	StepInterval time.Duration `envconfig:"STEP_INTERVAL" default:"20ms"`
	Script       string        `envconfig:"SCRIPT"`
	// ScriptIteration is the step before which Script is submitted.
	// Setting it to an empty value disables the script.
	ScriptIteration null.Int `envconfig:"SCRIPT_ITERATION" default:"50"`
	// ValidateScripts checks script syntax with goja before submitting.
	ValidateScripts bool     `envconfig:"VALIDATE_SCRIPTS" default:"false"`
	FrameQueueSize  int      `envconfig:"FRAME_QUEUE_SIZE" default:"8"`
	// Hold keeps stepping the engine for this long after the scenario.
	Hold time.Duration `envconfig:"HOLD"`

	ScreenshotPath string `envconfig:"SCREENSHOT_PATH"`
	VideoPath      string `envconfig:"VIDEO_PATH"`
	FFmpegPath     string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// TracesProto is either http or stdout. Tracing is off when it is empty.
	TracesProto    string `envconfig:"TRACES_PROTO"`
	TracesEndpoint string `envconfig:"TRACES_ENDPOINT" default:"localhost:4318"`
	TracesInsecure bool   `envconfig:"TRACES_INSECURE"`

	MetricsAddr string `envconfig:"METRICS_ADDR"`
	PreviewAddr string `envconfig:"PREVIEW_ADDR"`
}

// Load reads Options from the environment, applying defaults for unset
// variables.
func Load() (Options, error) {
	var opts Options
	if err := envconfig.Process(Prefix, &opts); err != nil {
		return Options{}, fmt.Errorf("loading %s environment: %w", Prefix, err)
	}
	if opts.Steps <= 0 {
		return Options{}, fmt.Errorf("%s_STEPS must be positive, got %d", Prefix, opts.Steps)
	}
	if opts.Hold < 0 {
		return Options{}, fmt.Errorf("%s_HOLD must not be negative, got %s", Prefix, opts.Hold)
	}
	if opts.StepInterval < 0 {
		return Options{}, fmt.Errorf("%s_STEP_INTERVAL must not be negative, got %s", Prefix, opts.StepInterval)
	}

	return opts, nil
}
