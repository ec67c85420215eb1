// control/options.go
// Author: momentics <momentics@gmail.com>
//
// Command-line and file configuration.

package control

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"

	"github.com/momentics/hioload-ftp/internal/logging"
)

const (
	flagServerAddr    = "server-addr"
	flagServerPort    = "server-port"
	flagMaxClients    = "max-clients"
	flagIdleTimeout   = "idle-timeout"
	flagSweepInterval = "sweep-interval"
	flagWorkers       = "workers"
	flagQueueCapacity = "queue-capacity"
	flagReactorCPU    = "reactor-cpu"
	flagPIDFile       = "pid-file"
	flagMetricsAddr   = "metrics-addr"
	flagVerbosity     = "v"
	flagDevelopment   = "log-development"
	flagConfigFile    = "config"
)

// Options contains the command-line configuration of the server.
type Options struct {
	//
	// Listener and admission.
	//
	ServerAddr string
	ServerPort int
	MaxClients int
	//
	// Idle eviction.
	//
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	//
	// Work dispatch.
	//
	Workers       int
	QueueCapacity int
	ReactorCPU    int
	//
	// Process and diagnostics.
	//
	PIDFile      string
	MetricsAddr  string
	LogVerbosity int
	Development  bool

	// ConfigFile is an optional YAML file; flags set explicitly win over it.
	ConfigFile string

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// fileOptions mirrors Options for YAML decoding. Absent keys stay nil.
type fileOptions struct {
	ServerAddr    *string `json:"serverAddr,omitempty"`
	ServerPort    *int    `json:"serverPort,omitempty"`
	MaxClients    *int    `json:"maxClients,omitempty"`
	IdleTimeout   *string `json:"idleTimeout,omitempty"`
	SweepInterval *string `json:"sweepInterval,omitempty"`
	Workers       *int    `json:"workers,omitempty"`
	QueueCapacity *int    `json:"queueCapacity,omitempty"`
	ReactorCPU    *int    `json:"reactorCPU,omitempty"`
	PIDFile       *string `json:"pidFile,omitempty"`
	MetricsAddr   *string `json:"metricsAddr,omitempty"`
	LogVerbosity  *int    `json:"logVerbosity,omitempty"`
	Development   *bool   `json:"logDevelopment,omitempty"`
}

// NewOptions returns a new Options struct initialized with default values.
func NewOptions() *Options {
	return &Options{
		ServerAddr:    DefaultServerAddr,
		ServerPort:    DefaultServerPort,
		MaxClients:    DefaultMaxClients,
		IdleTimeout:   DefaultIdleTimeout,
		SweepInterval: DefaultSweepInterval,
		Workers:       DefaultWorkers,
		QueueCapacity: DefaultQueueCapacity,
		ReactorCPU:    DefaultReactorCPU,
		PIDFile:       DefaultPIDFile,
		LogVerbosity:  logging.DEFAULT,
	}
}

// AddFlags binds the Options fields to command-line flags on the given FlagSet.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.StringVar(&opts.ServerAddr, flagServerAddr, opts.ServerAddr,
		"IP address the control listener binds to.")
	fs.IntVar(&opts.ServerPort, flagServerPort, opts.ServerPort,
		"TCP port the control listener binds to.")
	fs.IntVar(&opts.MaxClients, flagMaxClients, opts.MaxClients,
		"Maximum number of concurrently admitted sessions.")
	fs.DurationVar(&opts.IdleTimeout, flagIdleTimeout, opts.IdleTimeout,
		"Sessions idle for longer than this are closed. 0 disables eviction.")
	fs.DurationVar(&opts.SweepInterval, flagSweepInterval, opts.SweepInterval,
		"How often idle sessions are swept and a paused listener is resumed.")
	fs.IntVar(&opts.Workers, flagWorkers, opts.Workers,
		"Number of worker goroutines running the protocol.")
	fs.IntVar(&opts.QueueCapacity, flagQueueCapacity, opts.QueueCapacity,
		"Capacity of the queue between the reactor and the workers.")
	fs.IntVar(&opts.ReactorCPU, flagReactorCPU, opts.ReactorCPU,
		"CPU the reactor thread is pinned to. -1 disables pinning.")
	fs.StringVar(&opts.PIDFile, flagPIDFile, opts.PIDFile,
		"Singleton lock file. Empty disables the check.")
	fs.StringVar(&opts.MetricsAddr, flagMetricsAddr, opts.MetricsAddr,
		"Address serving /metrics and /debug/state. Empty disables it.")
	fs.IntVarP(&opts.LogVerbosity, flagVerbosity, flagVerbosity, opts.LogVerbosity,
		"Number for the log level verbosity.")
	fs.BoolVar(&opts.Development, flagDevelopment, opts.Development,
		"Use the human-readable development log encoder.")
	fs.StringVar(&opts.ConfigFile, flagConfigFile, opts.ConfigFile,
		"Optional YAML configuration file. Explicit flags override its values.")
}

// Complete applies the configuration file, leaving explicitly set flags
// untouched.
func (opts *Options) Complete() error {
	if opts.ConfigFile == "" {
		return nil
	}
	raw, err := os.ReadFile(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fo fileOptions
	if err := yaml.UnmarshalStrict(raw, &fo); err != nil {
		return fmt.Errorf("parse config file %s: %w", opts.ConfigFile, err)
	}

	var errs error
	setString(opts.changed(flagServerAddr), fo.ServerAddr, &opts.ServerAddr)
	setInt(opts.changed(flagServerPort), fo.ServerPort, &opts.ServerPort)
	setInt(opts.changed(flagMaxClients), fo.MaxClients, &opts.MaxClients)
	errs = multierr.Append(errs, setDuration(opts.changed(flagIdleTimeout), fo.IdleTimeout, &opts.IdleTimeout))
	errs = multierr.Append(errs, setDuration(opts.changed(flagSweepInterval), fo.SweepInterval, &opts.SweepInterval))
	setInt(opts.changed(flagWorkers), fo.Workers, &opts.Workers)
	setInt(opts.changed(flagQueueCapacity), fo.QueueCapacity, &opts.QueueCapacity)
	setInt(opts.changed(flagReactorCPU), fo.ReactorCPU, &opts.ReactorCPU)
	setString(opts.changed(flagPIDFile), fo.PIDFile, &opts.PIDFile)
	setString(opts.changed(flagMetricsAddr), fo.MetricsAddr, &opts.MetricsAddr)
	setInt(opts.changed(flagVerbosity), fo.LogVerbosity, &opts.LogVerbosity)
	if fo.Development != nil && !opts.changed(flagDevelopment) {
		opts.Development = *fo.Development
	}
	if errs != nil {
		return fmt.Errorf("config file %s: %w", opts.ConfigFile, errs)
	}
	return nil
}

func (opts *Options) changed(name string) bool {
	if opts.fs == nil {
		return false
	}
	f := opts.fs.Lookup(name)
	return f != nil && f.Changed
}

func setString(skip bool, v *string, dst *string) {
	if v != nil && !skip {
		*dst = *v
	}
}

func setInt(skip bool, v *int, dst *int) {
	if v != nil && !skip {
		*dst = *v
	}
}

func setDuration(skip bool, v *string, dst *time.Duration) error {
	if v == nil || skip {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", *v, err)
	}
	*dst = d
	return nil
}

// Validate checks the Options for invalid or conflicting values. Every
// problem is reported, not only the first.
func (opts *Options) Validate() error {
	var errs error
	if opts.ServerAddr == "" {
		errs = multierr.Append(errs, fmt.Errorf("flag %q must not be empty", flagServerAddr))
	}
	if opts.ServerPort < 0 || opts.ServerPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("invalid value %d for flag %q: must be between 0 and 65535", opts.ServerPort, flagServerPort))
	}
	if opts.MaxClients < 1 {
		errs = multierr.Append(errs, fmt.Errorf("invalid value %d for flag %q: must be positive", opts.MaxClients, flagMaxClients))
	}
	if opts.IdleTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid value %s for flag %q: must not be negative", opts.IdleTimeout, flagIdleTimeout))
	}
	if opts.SweepInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid value %s for flag %q: must be positive", opts.SweepInterval, flagSweepInterval))
	}
	if opts.Workers < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid value %d for flag %q: must not be negative", opts.Workers, flagWorkers))
	}
	if opts.QueueCapacity < 1 {
		errs = multierr.Append(errs, fmt.Errorf("invalid value %d for flag %q: must be positive", opts.QueueCapacity, flagQueueCapacity))
	}
	if opts.ReactorCPU < -1 {
		errs = multierr.Append(errs, fmt.Errorf("invalid value %d for flag %q: must be -1 or a CPU index", opts.ReactorCPU, flagReactorCPU))
	}
	if opts.LogVerbosity < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid value %d for flag %q: must not be negative", opts.LogVerbosity, flagVerbosity))
	}
	return errs
}

// Config returns the snapshot of the current option values.
func (opts *Options) Config() Config {
	return Config{
		ServerAddr:    opts.ServerAddr,
		ServerPort:    opts.ServerPort,
		MaxClients:    opts.MaxClients,
		IdleTimeout:   opts.IdleTimeout,
		SweepInterval: opts.SweepInterval,
		Workers:       opts.Workers,
		QueueCapacity: opts.QueueCapacity,
		ReactorCPU:    opts.ReactorCPU,
		PIDFile:       opts.PIDFile,
		MetricsAddr:   opts.MetricsAddr,
		LogVerbosity:  opts.LogVerbosity,
		Development:   opts.Development,
	}
}
