package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jrzesz33/teewatch/internal/models"
)

//go:embed clubs.yaml
var clubsYAML []byte

// ErrNotFound is returned when no club matches a lookup.
var ErrNotFound = errors.New("club not found")

// Location is an optional lat/lng pair for a club.
type Location struct {
	Lat float64 `yaml:"lat" json:"lat"`
	Lng float64 `yaml:"lng" json:"lng"`
}

// Club is one entry in the static booking catalog. Loaded at startup,
// never mutated at runtime.
type Club struct {
	Key             string    `yaml:"key" json:"key"`
	DisplayName     string    `yaml:"name" json:"display_name"`
	Origin          string    `yaml:"origin" json:"-"`
	ResourceID      string    `yaml:"resource_guid" json:"resource_id"`
	ClubID          string    `yaml:"club_guid" json:"club_id"`
	DefaultOpenTime string    `yaml:"open_time" json:"default_open_time"`
	Location        *Location `yaml:"location,omitempty" json:"location,omitempty"`
}

type clubsConfig struct {
	Clubs []Club `yaml:"clubs"`
}

// Catalog is the read-only club registry.
type Catalog struct {
	clubs map[string]*Club
	keys  []string // sorted, for deterministic iteration
}

// Load parses the embedded clubs.yaml into a Catalog.
func Load() (*Catalog, error) {
	return LoadBytes(clubsYAML)
}

// LoadBytes builds a Catalog from raw YAML. Exposed for tests and for
// overriding the shipped catalog with a local file.
func LoadBytes(data []byte) (*Catalog, error) {
	var cfg clubsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse clubs.yaml: %w", err)
	}
	if len(cfg.Clubs) == 0 {
		return nil, fmt.Errorf("club catalog is empty")
	}

	clubs := make(map[string]*Club, len(cfg.Clubs))
	keys := make([]string, 0, len(cfg.Clubs))
	for i := range cfg.Clubs {
		c := &cfg.Clubs[i]
		if c.Key == "" {
			return nil, fmt.Errorf("club %q has no key", c.DisplayName)
		}
		if _, dup := clubs[c.Key]; dup {
			return nil, fmt.Errorf("duplicate club key %q", c.Key)
		}
		if c.DefaultOpenTime == "" {
			c.DefaultOpenTime = "07:00:00"
		}
		if _, err := time.Parse("15:04:05", c.DefaultOpenTime); err != nil {
			return nil, fmt.Errorf("club %q has invalid open_time %q: %w", c.Key, c.DefaultOpenTime, err)
		}
		clubs[c.Key] = c
		keys = append(keys, c.Key)
	}
	sort.Strings(keys)

	return &Catalog{clubs: clubs, keys: keys}, nil
}

// Lookup returns the club for a catalog key.
func (c *Catalog) Lookup(key string) (*Club, error) {
	club, ok := c.clubs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return club, nil
}

// FindByName finds a club by display name, case-insensitive. Exact match
// wins; otherwise the first substring match in sorted-key order.
func (c *Catalog) FindByName(name string) (*Club, error) {
	nameLower := strings.ToLower(strings.TrimSpace(name))
	if nameLower == "" {
		return nil, fmt.Errorf("%w: empty name", ErrNotFound)
	}

	for _, key := range c.keys {
		if strings.ToLower(c.clubs[key].DisplayName) == nameLower {
			return c.clubs[key], nil
		}
	}
	for _, key := range c.keys {
		if strings.Contains(strings.ToLower(c.clubs[key].DisplayName), nameLower) {
			return c.clubs[key], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Keys returns all club keys in sorted order.
func (c *Catalog) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// KeySet returns the catalog keys as a membership set for validation.
func (c *Catalog) KeySet() map[string]bool {
	set := make(map[string]bool, len(c.keys))
	for _, key := range c.keys {
		set[key] = true
	}
	return set
}

// All returns every club in sorted-key order.
func (c *Catalog) All() []*Club {
	out := make([]*Club, 0, len(c.keys))
	for _, key := range c.keys {
		out = append(out, c.clubs[key])
	}
	return out
}

// MaterializeURL composes the booking-grid URL for a club and date.
// startHHMM overrides the club's default open time when non-empty; it may
// be HH:MM or HH:MM:SS. The query string is byte-for-byte what the
// booking provider expects, so it is assembled by hand rather than with
// url.Values (which would escape the GUID braces and reorder keys).
func (c *Catalog) MaterializeURL(club *Club, date string, startHHMM string) (string, error) {
	d, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}

	clock := club.DefaultOpenTime
	if startHHMM != "" {
		clock = startHHMM
	}
	if len(clock) == len("15:04") {
		clock += ":00"
	}
	t, err := time.Parse("15:04:05", clock)
	if err != nil {
		return "", fmt.Errorf("invalid start time %q: %w", startHHMM, err)
	}

	start := fmt.Sprintf("%sT%s", d.Format("20060102"), t.Format("150405"))
	return fmt.Sprintf("%s/ressources/booking/grid.asp?Ressource_GUID={%s}&Club_GUID=%s&Booking_Start=%s",
		strings.TrimRight(club.Origin, "/"), club.ResourceID, club.ClubID, start), nil
}

var bookingStartPattern = regexp.MustCompile(`(Booking_Start=)\d{8}(T\d{6})`)

// RewriteDate replaces the date component of an already-materialized grid
// URL, preserving the T-suffixed time portion. Used for day-stepping
// within a cycle.
func RewriteDate(gridURL string, date string) (string, error) {
	d, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}
	if !bookingStartPattern.MatchString(gridURL) {
		return "", fmt.Errorf("no Booking_Start component in URL %q", gridURL)
	}
	return bookingStartPattern.ReplaceAllString(gridURL, "${1}"+d.Format("20060102")+"${2}"), nil
}
