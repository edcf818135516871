package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

/* Load reads catalog.yaml:
 *
 *	events:
 *	  - user.created
 *	rate_limits:
 *	  - path_prefix: /v1/events
 *	    limit: 1000
 *	    window: 1m
 *
 * When events is omitted the default roster events are kept.
 */

// Config represents the structure of catalog.yaml
type Config struct {
	Events     []string          `yaml:"events"`
	RateLimits []RateLimitConfig `yaml:"rate_limits"`
}

// RateLimitConfig represents a single rate limit in the YAML file
type RateLimitConfig struct {
	PathPrefix string `yaml:"path_prefix"`
	Limit      int    `yaml:"limit"`
	Window     string `yaml:"window"` // Go duration, e.g. "60s" or "1m"
}

// Load builds a catalog from a YAML file
func Load(filePath string) (*Catalog, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML content
func Parse(data []byte) (*Catalog, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}

	c := New()
	if len(config.Events) > 0 {
		if err := c.setEvents(config.Events); err != nil {
			return nil, fmt.Errorf("validating events: %w", err)
		}
	}

	limits := make([]RateLimit, 0, len(config.RateLimits))
	for _, rc := range config.RateLimits {
		window, err := time.ParseDuration(rc.Window)
		if err != nil {
			return nil, fmt.Errorf("invalid window for %s: %w", rc.PathPrefix, err)
		}
		limits = append(limits, RateLimit{
			PathPrefix: rc.PathPrefix,
			Limit:      rc.Limit,
			Window:     window,
		})
	}
	if err := c.setLimits(limits); err != nil {
		return nil, fmt.Errorf("validating rate limit: %w", err)
	}

	return c, nil
}
