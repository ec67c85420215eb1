package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestNewOptionsDefaults(t *testing.T) {
	cfg := NewOptions().Config()

	assert.Equal(t, DefaultServerAddr, cfg.ServerAddr)
	assert.Equal(t, DefaultServerPort, cfg.ServerPort)
	assert.Equal(t, DefaultMaxClients, cfg.MaxClients)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, 64, cfg.QueueCapacity)
	assert.Equal(t, -1, cfg.ReactorCPU)
	assert.Equal(t, "/var/run/miniftp.pid", cfg.PIDFile)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, 2, cfg.LogVerbosity) // logging.DEFAULT
	assert.Equal(t, "0.0.0.0:2121", cfg.Address())
	assert.NoError(t, NewOptions().Validate())
}

func TestAddFlagsOverridesDefaults(t *testing.T) {
	opts := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--server-addr", "127.0.0.1",
		"--server-port", "2200",
		"--max-clients", "3",
		"--idle-timeout", "90s",
		"--sweep-interval", "250ms",
		"--workers", "0",
		"--queue-capacity", "8",
		"--reactor-cpu", "1",
		"--pid-file", "",
		"--metrics-addr", ":9090",
		"--log-development",
		"-v", "4",
	}))
	require.NoError(t, opts.Complete())
	require.NoError(t, opts.Validate())

	cfg := opts.Config()
	assert.Equal(t, Config{
		ServerAddr:    "127.0.0.1",
		ServerPort:    2200,
		MaxClients:    3,
		IdleTimeout:   90 * time.Second,
		SweepInterval: 250 * time.Millisecond,
		Workers:       0,
		QueueCapacity: 8,
		ReactorCPU:    1,
		PIDFile:       "",
		MetricsAddr:   ":9090",
		LogVerbosity:  4,
		Development:   true,
	}, cfg)
	assert.Equal(t, "127.0.0.1:2200", cfg.Address())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "miniftp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCompleteAppliesFileThenFlags(t *testing.T) {
	path := writeConfig(t, `
serverAddr: 10.0.0.1
serverPort: 2300
maxClients: 50
idleTimeout: 2m
workers: 16
metricsAddr: 127.0.0.1:9100
logDevelopment: true
`)
	opts := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--max-clients", "7"}))
	require.NoError(t, opts.Complete())

	cfg := opts.Config()
	assert.Equal(t, "10.0.0.1", cfg.ServerAddr)
	assert.Equal(t, 2300, cfg.ServerPort)
	assert.Equal(t, 7, cfg.MaxClients, "explicit flag wins over the file")
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
	assert.True(t, cfg.Development)
	assert.Equal(t, DefaultQueueCapacity, cfg.QueueCapacity, "absent keys keep defaults")
}

func TestCompleteRejectsBadFile(t *testing.T) {
	cases := map[string]string{
		"unknown key":  "maxClient: 3\n",
		"bad duration": "idleTimeout: soon\n",
		"bad type":     "serverPort: twenty\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			opts := NewOptions()
			opts.ConfigFile = writeConfig(t, body)
			assert.Error(t, opts.Complete())
		})
	}

	opts := NewOptions()
	opts.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, opts.Complete())
}

func TestCompleteWithoutFile(t *testing.T) {
	opts := NewOptions()
	require.NoError(t, opts.Complete())
	assert.Equal(t, NewOptions().Config(), opts.Config())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
		errs   int
	}{
		{"zero max clients", func(o *Options) { o.MaxClients = 0 }, 1},
		{"negative max clients", func(o *Options) { o.MaxClients = -1 }, 1},
		{"port range", func(o *Options) { o.ServerPort = 70000 }, 1},
		{"empty addr", func(o *Options) { o.ServerAddr = "" }, 1},
		{"negative idle", func(o *Options) { o.IdleTimeout = -time.Second }, 1},
		{"no sweep with eviction", func(o *Options) { o.SweepInterval = 0 }, 1},
		{"no sweep without eviction", func(o *Options) { o.IdleTimeout, o.SweepInterval = 0, 0 }, 1},
		{"negative workers", func(o *Options) { o.Workers = -2 }, 1},
		{"zero queue", func(o *Options) { o.QueueCapacity = 0 }, 1},
		{"negative verbosity", func(o *Options) { o.LogVerbosity = -1 }, 1},
		{"reactor cpu", func(o *Options) { o.ReactorCPU = -2 }, 1},
		{"everything wrong", func(o *Options) {
			o.MaxClients, o.QueueCapacity, o.Workers = 0, 0, -1
		}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := NewOptions()
			tc.mutate(opts)
			err := opts.Validate()
			assert.Len(t, multierr.Errors(err), tc.errs, "err: %v", err)
		})
	}
}
