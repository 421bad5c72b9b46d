package env

import (
	"log"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/myuser/xdstore/internal/gc"
	xdlog "github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/metrics"
	"github.com/myuser/xdstore/internal/tree/btree"
	"gopkg.in/yaml.v3"
)

// Config configures an environment.
type Config struct {
	Log xdlog.Config `yaml:"log"`
	GC  gc.Config    `yaml:"gc"`
	// GCEnabled starts the background collector at open.
	GCEnabled bool `yaml:"gcEnabled"`
	// BTreePageSize bounds the number of entries of a B-tree page.
	BTreePageSize int `yaml:"btreePageSize"`

	Logger  *log.Logger       `yaml:"-"`
	Metrics *metrics.Registry `yaml:"-"`
}

// DefaultConfig returns the default environment configuration.
func DefaultConfig() Config {
	return Config{
		Log:           xdlog.DefaultConfig(),
		GC:            gc.DefaultConfig(),
		GCEnabled:     true,
		BTreePageSize: btree.DefaultMaxPageSize,
	}
}

func (c Config) withDefaults() Config {
	if c.BTreePageSize <= 0 {
		c.BTreePageSize = btree.DefaultMaxPageSize
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Log.Metrics == nil {
		c.Log.Metrics = c.Metrics
	}
	if c.GC.Metrics == nil {
		c.GC.Metrics = c.Metrics
	}
	if c.GC.Logger == nil {
		c.GC.Logger = c.Logger
	}
	return c
}

// LoadConfig reads a YAML file over the defaults. Fields missing from the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
