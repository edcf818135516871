package catalog

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/marcelsud/roster-hooks/webhook/payload"
)

// Roster entities that produce created/updated/deleted events
var DefaultEntities = []string{
	"org",
	"academic_session",
	"course",
	"class",
	"user",
	"enrollment",
	"demographic",
	"line_item",
	"result",
}

var defaultActions = []string{"created", "updated", "deleted"}

/* RateLimit is the inbound request budget of every path under PathPrefix
 * The longest matching prefix wins
 */
type RateLimit struct {
	PathPrefix string
	Limit      int
	Window     time.Duration
}

// Validate checks if the rate limit configuration is valid
func (r *RateLimit) Validate() error {
	if !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("path_prefix must start with / (got %q)", r.PathPrefix)
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative for %s", r.PathPrefix)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive for %s", r.PathPrefix)
	}
	return nil
}

/* Catalog lists the event kinds subscriptions may listen to and the
 * per-route rate limits. Built once at startup, read-only afterwards.
 */
type Catalog struct {
	events map[string]struct{}
	limits []RateLimit
}

// New creates a catalog with the default roster events and no rate limits
func New() *Catalog {
	c := &Catalog{events: make(map[string]struct{})}
	for _, entity := range DefaultEntities {
		for _, action := range defaultActions {
			c.events[entity+"."+action] = struct{}{}
		}
	}
	return c
}

// Known reports whether kind is in the catalog
func (c *Catalog) Known(kind string) bool {
	_, ok := c.events[kind]
	return ok
}

// Kinds returns every event kind, sorted
func (c *Catalog) Kinds() []string {
	kinds := make([]string, 0, len(c.events))
	for k := range c.events {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// RateLimits returns the configured limits, longest prefix first
func (c *Catalog) RateLimits() []RateLimit {
	return slices.Clone(c.limits)
}

// Policy returns the rate limit of the longest prefix matching path
func (c *Catalog) Policy(path string) (RateLimit, bool) {
	for _, rl := range c.limits {
		if strings.HasPrefix(path, rl.PathPrefix) {
			return rl, true
		}
	}
	return RateLimit{}, false
}

func (c *Catalog) setEvents(kinds []string) error {
	events := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		if err := payload.ValidateEventType(kind); err != nil {
			return fmt.Errorf("invalid event '%s': %w", kind, err)
		}
		events[kind] = struct{}{}
	}
	c.events = events
	return nil
}

func (c *Catalog) setLimits(limits []RateLimit) error {
	seen := make(map[string]bool, len(limits))
	for _, rl := range limits {
		if err := rl.Validate(); err != nil {
			return err
		}
		if seen[rl.PathPrefix] {
			return fmt.Errorf("duplicate path_prefix %s", rl.PathPrefix)
		}
		seen[rl.PathPrefix] = true
	}
	sorted := slices.Clone(limits)
	slices.SortStableFunc(sorted, func(a, b RateLimit) int {
		return len(b.PathPrefix) - len(a.PathPrefix)
	})
	c.limits = sorted
	return nil
}
