package appconfig

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	yaml "sigs.k8s.io/yaml"
)

// WatchConfig tunes the watch cache layer.
type WatchConfig struct {
	// ResyncInterval is the full re-list interval healing missed events.
	ResyncInterval metav1.Duration `json:"resyncInterval"`
	// StaleAfterFailures marks a cache stale after this many consecutive
	// watch failures.
	StaleAfterFailures int `json:"staleAfterFailures"`
}

// MetricsConfig tunes the per-cluster metrics poller.
type MetricsConfig struct {
	Interval           metav1.Duration `json:"interval"`
	RatePerSecond      float64         `json:"ratePerSecond"`
	Burst              int             `json:"burst"`
	MaxBackoff         metav1.Duration `json:"maxBackoff"`
	StaleAfterFailures int             `json:"staleAfterFailures"`
}

// StreamConfig tunes the event/log stream manager.
type StreamConfig struct {
	BufferSize        int             `json:"bufferSize"`
	MaxSubscribers    int             `json:"maxSubscribers"`
	HeartbeatInterval metav1.Duration `json:"heartbeatInterval"`
	StallTimeout      metav1.Duration `json:"stallTimeout"`
}

// CatalogConfig tunes the object catalog cache.
type CatalogConfig struct {
	EntryTTL      metav1.Duration `json:"entryTTL"`
	SweepInterval metav1.Duration `json:"sweepInterval"`
}

// RefreshConfig tunes the consumer-side refresh orchestrator.
type RefreshConfig struct {
	Interval    metav1.Duration `json:"interval"`
	Timeout     metav1.Duration `json:"timeout"`
	MinCooldown metav1.Duration `json:"minCooldown"`
	MaxCooldown metav1.Duration `json:"maxCooldown"`
}

// Config is the daemon configuration, loaded from YAML.
type Config struct {
	Watch   WatchConfig   `json:"watch"`
	Metrics MetricsConfig `json:"metrics"`
	Stream  StreamConfig  `json:"stream"`
	Catalog CatalogConfig `json:"catalog"`
	Refresh RefreshConfig `json:"refresh"`
	// PoolIdleTTL evicts cluster connections unused for this long.
	PoolIdleTTL metav1.Duration `json:"poolIdleTTL"`
	// MaxSnapshotItems caps items per snapshot; overflow sets the
	// truncation flag.
	MaxSnapshotItems int `json:"maxSnapshotItems"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Watch: WatchConfig{
			ResyncInterval:     metav1.Duration{Duration: 10 * time.Minute},
			StaleAfterFailures: 3,
		},
		Metrics: MetricsConfig{
			Interval:           metav1.Duration{Duration: 30 * time.Second},
			RatePerSecond:      1,
			Burst:              2,
			MaxBackoff:         metav1.Duration{Duration: 5 * time.Minute},
			StaleAfterFailures: 3,
		},
		Stream: StreamConfig{
			BufferSize:        64,
			MaxSubscribers:    16,
			HeartbeatInterval: metav1.Duration{Duration: 15 * time.Second},
			StallTimeout:      metav1.Duration{Duration: time.Minute},
		},
		Catalog: CatalogConfig{
			EntryTTL:      metav1.Duration{Duration: 15 * time.Minute},
			SweepInterval: metav1.Duration{Duration: time.Minute},
		},
		Refresh: RefreshConfig{
			Interval:    metav1.Duration{Duration: 15 * time.Second},
			Timeout:     metav1.Duration{Duration: 30 * time.Second},
			MinCooldown: metav1.Duration{Duration: 2 * time.Second},
			MaxCooldown: metav1.Duration{Duration: 2 * time.Minute},
		},
		PoolIdleTTL:      metav1.Duration{Duration: 10 * time.Minute},
		MaxSnapshotItems: 2000,
	}
}

func path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kmirror", "config.yaml"), nil
}

// Load reads the config file at p, or ~/.kmirror/config.yaml when p is
// empty. A missing file yields defaults; set fields override defaults.
func Load(p string) (*Config, error) {
	cfg := Default()
	if p == "" {
		var err error
		p, err = path()
		if err != nil {
			return cfg, err
		}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults restores zero-valued fields so a sparse file cannot disable
// resyncs or unbind buffers.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Watch.ResyncInterval.Duration <= 0 {
		c.Watch.ResyncInterval = d.Watch.ResyncInterval
	}
	if c.Watch.StaleAfterFailures <= 0 {
		c.Watch.StaleAfterFailures = d.Watch.StaleAfterFailures
	}
	if c.Metrics.Interval.Duration <= 0 {
		c.Metrics.Interval = d.Metrics.Interval
	}
	if c.Metrics.RatePerSecond <= 0 {
		c.Metrics.RatePerSecond = d.Metrics.RatePerSecond
	}
	if c.Metrics.Burst <= 0 {
		c.Metrics.Burst = d.Metrics.Burst
	}
	if c.Metrics.MaxBackoff.Duration <= 0 {
		c.Metrics.MaxBackoff = d.Metrics.MaxBackoff
	}
	if c.Metrics.StaleAfterFailures <= 0 {
		c.Metrics.StaleAfterFailures = d.Metrics.StaleAfterFailures
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = d.Stream.BufferSize
	}
	if c.Stream.MaxSubscribers <= 0 {
		c.Stream.MaxSubscribers = d.Stream.MaxSubscribers
	}
	if c.Stream.HeartbeatInterval.Duration <= 0 {
		c.Stream.HeartbeatInterval = d.Stream.HeartbeatInterval
	}
	if c.Stream.StallTimeout.Duration <= 0 {
		c.Stream.StallTimeout = d.Stream.StallTimeout
	}
	if c.Catalog.EntryTTL.Duration <= 0 {
		c.Catalog.EntryTTL = d.Catalog.EntryTTL
	}
	if c.Catalog.SweepInterval.Duration <= 0 {
		c.Catalog.SweepInterval = d.Catalog.SweepInterval
	}
	if c.Refresh.Interval.Duration <= 0 {
		c.Refresh.Interval = d.Refresh.Interval
	}
	if c.Refresh.Timeout.Duration <= 0 {
		c.Refresh.Timeout = d.Refresh.Timeout
	}
	if c.Refresh.MinCooldown.Duration <= 0 {
		c.Refresh.MinCooldown = d.Refresh.MinCooldown
	}
	if c.Refresh.MaxCooldown.Duration <= 0 {
		c.Refresh.MaxCooldown = d.Refresh.MaxCooldown
	}
	if c.PoolIdleTTL.Duration <= 0 {
		c.PoolIdleTTL = d.PoolIdleTTL
	}
	if c.MaxSnapshotItems <= 0 {
		c.MaxSnapshotItems = d.MaxSnapshotItems
	}
}
