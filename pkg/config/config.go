// Package config loads and reloads the agent's runtime options. The `cpg.`
// namespace is reserved: it holds the options the event loop consumes and any
// unknown key under it is rejected, so misspelled options fail loudly instead
// of being silently ignored.
package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// IntervalKey is the maximal interval in seconds between event-loop
	// wakeups. Reloadable on SIGHUP.
	IntervalKey = "cpg.interval"

	// ReservedPrefix is the configuration namespace owned by the agent.
	ReservedPrefix = "cpg."

	DefaultIntervalSeconds = 10
	MinIntervalSeconds     = 1
	// MaxIntervalSeconds keeps interval*1000 inside a 32-bit millisecond
	// budget.
	MaxIntervalSeconds = math.MaxInt32 / 1000
)

// knownKeys are the options honored under the reserved namespace.
var knownKeys = map[string]struct{}{
	IntervalKey: {},
}

// Config carries the reloadable agent options. It is owned by the event
// loop; Reload is only ever called between iterations.
type Config struct {
	path     string
	interval time.Duration
}

// Load reads the config file at path, or just the defaults when path is
// empty, and validates the reserved namespace.
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.read(); err != nil {
		return nil, err
	}
	return c, nil
}

// Interval returns the current wakeup interval.
func (c *Config) Interval() time.Duration { return c.interval }

// Reload re-reads the config file. On any error the previous values are kept
// so a bad edit cannot take a running agent down.
func (c *Config) Reload() error {
	return c.read()
}

func (c *Config) read() error {
	v := viper.New()
	v.SetDefault(IntervalKey, DefaultIntervalSeconds)
	if c.path != "" {
		v.SetConfigFile(c.path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", c.path, err)
		}
	}
	if err := checkReservedKeys(v); err != nil {
		return err
	}
	secs := v.GetInt(IntervalKey)
	if secs < MinIntervalSeconds || secs > MaxIntervalSeconds {
		return fmt.Errorf("config: %s=%d out of range [%d, %d]",
			IntervalKey, secs, MinIntervalSeconds, MaxIntervalSeconds)
	}
	c.interval = time.Duration(secs) * time.Second
	return nil
}

// checkReservedKeys rejects unknown options under the reserved namespace.
func checkReservedKeys(v *viper.Viper) error {
	var unknown []string
	for _, k := range v.AllKeys() {
		if !strings.HasPrefix(k, ReservedPrefix) {
			continue
		}
		if _, ok := knownKeys[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("config: unknown option(s) in reserved namespace: %s",
		strings.Join(unknown, ", "))
}
