// Package dhtconfig holds the node's tunable timing and sizing constants
// behind an atomically-swapped Config, adapted from the teacher's
// pkg/config/{config,global}.go global-config pattern.
package dhtconfig

import (
	"net"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// RateClass mirrors node.RateClass's four levels without importing the
// node package, so config stays a leaf dependency.
type RateClass string

const (
	RateHigh    RateClass = "HIGH"
	RateMed     RateClass = "MED"
	RateLow     RateClass = "LOW"
	RateTrickle RateClass = "TRICKLE"
)

// Config is the full set of tunables spec.md names across §4.5–§4.8.
type Config struct {
	K     int    `yaml:"k"`
	Alpha int    `yaml:"alpha"`
	Rate  string `yaml:"rate"`

	BucketStalePeriod   time.Duration `yaml:"bucket_stale_period"`
	SendRefreshPeriod   time.Duration `yaml:"send_refresh_period"`
	MinQueryAge         time.Duration `yaml:"min_query_age"`
	MaxQueryAge         time.Duration `yaml:"max_query_age"`
	ExpectedReplyWindow time.Duration `yaml:"expected_reply_window"`
	MaxStartupTime      time.Duration `yaml:"max_startup_time"`
	MaxRefreshTime      time.Duration `yaml:"max_refresh_time"`

	BootstrapNodes []string `yaml:"bootstrap_nodes"`
	BootstrapFile  string   `yaml:"bootstrap_file"`

	DHTVersion string `yaml:"dht_version"`
}

func defaultConfig() Config {
	return Config{
		K:                   10,
		Alpha:               3,
		Rate:                string(RateMed),
		BucketStalePeriod:   15 * time.Minute,
		SendRefreshPeriod:   5 * time.Minute,
		MinQueryAge:         3 * time.Second,
		MaxQueryAge:         2 * time.Minute,
		ExpectedReplyWindow: 15 * time.Second,
		MaxStartupTime:      10 * time.Second,
		MaxRefreshTime:      30 * time.Minute,
		BootstrapFile:       "bootstrap.txt",
		DHTVersion:          "dhtkit-01",
	}
}

var current atomic.Value

// Init installs the compiled-in defaults as the current config.
func Init() {
	c := defaultConfig()
	current.Store(&c)
}

// Load returns the current config. Treat the result as read-only; mutate
// via Update.
func Load() *Config {
	if v := current.Load(); v != nil {
		return v.(*Config)
	}
	Init()
	return current.Load().(*Config)
}

// Update applies mut to a copy of the current config and atomically swaps
// it in, returning the new value.
func Update(mut func(*Config)) *Config {
	next := *Load()
	mut(&next)
	current.Store(&next)
	return &next
}

// Swap replaces the current config outright.
func Swap(next Config) *Config {
	current.Store(&next)
	return &next
}

// LoadYAMLFile reads a YAML config file over the compiled-in defaults. A
// missing file is not an error: the caller should log a warning and
// proceed with defaults, per spec.md §7's file-I/O error policy. Fields
// absent from the file keep their default values.
func LoadYAMLFile(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}

	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}

// ParseBootstrapAddrs resolves the configured bootstrap node strings
// ("host:port") into UDP addresses, skipping any that fail to resolve.
func (c *Config) ParseBootstrapAddrs() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(c.BootstrapNodes))
	for _, s := range c.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp4", s)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}
