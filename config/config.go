// Package config loads the daemon's tunables from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jrhy/crdtree"
	"gopkg.in/yaml.v3"
)

// Config holds everything crdtreed can be tuned with. Zero values are
// replaced by defaults when loaded.
type Config struct {
	// Replica
	SnapshotEvery    int `yaml:"snapshot_every"`
	MaxPendingRounds int `yaml:"max_pending_rounds"`
	PathCacheSize    int `yaml:"path_cache_size"`

	// Sessions
	BatchSize        int           `yaml:"batch_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxFrameSize     int           `yaml:"max_frame_size"`

	// Reconnecting
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// Indexer
	RenameWindow time.Duration `yaml:"rename_window"`
	Ignore       []string      `yaml:"ignore"`

	// Network
	Listen string `yaml:"listen"`
	MDNS   bool   `yaml:"mdns"`
}

// Default returns the configuration used when there's no file.
func Default() *Config {
	return &Config{
		SnapshotEvery:    crdtree.DefaultSnapshotEvery,
		MaxPendingRounds: crdtree.DefaultMaxPendingRounds,
		PathCacheSize:    crdtree.DefaultPathCacheSize,
		BatchSize:        256,
		HandshakeTimeout: 10 * time.Second,
		MaxFrameSize:     16 << 20,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       time.Minute,
		RenameWindow:     100 * time.Millisecond,
		Listen:           ":7420",
		MDNS:             true,
	}
}

// Load reads the YAML file at path over the defaults. A missing file
// isn't an error when allowMissing is set.
func Load(path string, allowMissing bool) (*Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if allowMissing && errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, config); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Parse decodes YAML into config, keeping the values of keys the YAML
// doesn't mention, and checks the result.
func Parse(data []byte, config *Config) error {
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return config.validate()
}

func (c *Config) validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, not %d", c.BatchSize)
	case c.MaxPendingRounds <= 0:
		return fmt.Errorf("max_pending_rounds must be positive, not %d", c.MaxPendingRounds)
	case c.PathCacheSize <= 0:
		return fmt.Errorf("path_cache_size must be positive, not %d", c.PathCacheSize)
	case c.MaxFrameSize < 1024:
		return fmt.Errorf("max_frame_size %d is too small", c.MaxFrameSize)
	case c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("need 0 < initial_backoff (%v) <= max_backoff (%v)", c.InitialBackoff, c.MaxBackoff)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("handshake_timeout must be positive, not %v", c.HandshakeTimeout)
	}
	return nil
}
