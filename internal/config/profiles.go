package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownProfile is returned for a speed profile name that is neither
// built in nor defined in the config file
var ErrUnknownProfile = errors.New("unknown speed profile")

// Profile trades memory for throughput: sheets are the unit of transfer,
// PageSize*PageCount sheets are buffered before hitting the disk, and
// ScanCount sheets are discovered per scheduler scan.
type Profile struct {
	Name      string
	SheetSize int64
	PageSize  int
	PageCount int
	ScanCount int
}

// CacheBytes returns the most memory the page cache can hold
func (p Profile) CacheBytes() int64 {
	return p.SheetSize * int64(p.PageSize) * int64(p.PageCount)
}

// ProfileConfig is a user-defined profile in the config file
type ProfileConfig struct {
	SheetSize int64 `mapstructure:"sheet_size"`
	PageSize  int   `mapstructure:"page_size"`
	PageCount int   `mapstructure:"page_count"`
	ScanCount int   `mapstructure:"scan_count"`
}

func (p ProfileConfig) validate() error {
	if p.SheetSize <= 0 || p.PageSize <= 0 || p.PageCount <= 0 || p.ScanCount <= 0 {
		return fmt.Errorf("sheet_size, page_size, page_count and scan_count must be positive")
	}
	return nil
}

var builtinProfiles = map[string]Profile{
	"low":     {Name: "low", SheetSize: 16 * 1024, PageSize: 64, PageCount: 4, ScanCount: 16},
	"medium":  {Name: "medium", SheetSize: 81920, PageSize: 64, PageCount: 16, ScanCount: 64},
	"high":    {Name: "high", SheetSize: 256 * 1024, PageSize: 64, PageCount: 32, ScanCount: 128},
	"extreme": {Name: "extreme", SheetSize: 1024 * 1024, PageSize: 32, PageCount: 64, ScanCount: 256},
}

var profileAliases = map[string]string{
	"slow":   "low",
	"normal": "medium",
	"fast":   "high",
}

// Profile resolves a speed profile by name. Profiles defined in the config
// file take precedence over built-in ones of the same name.
func (c *Config) Profile(name string) (Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "medium"
	}

	if p, ok := c.Profiles[name]; ok {
		return Profile{
			Name:      name,
			SheetSize: p.SheetSize,
			PageSize:  p.PageSize,
			PageCount: p.PageCount,
			ScanCount: p.ScanCount,
		}, nil
	}
	if alias, ok := profileAliases[name]; ok {
		name = alias
	}
	if p, ok := builtinProfiles[name]; ok {
		return p, nil
	}
	return Profile{}, fmt.Errorf("%q: %w", name, ErrUnknownProfile)
}

// ProfileNames lists every profile name the config resolves, sorted
func (c *Config) ProfileNames() []string {
	seen := make(map[string]bool)
	for name := range builtinProfiles {
		seen[name] = true
	}
	for name := range profileAliases {
		seen[name] = true
	}
	for name := range c.Profiles {
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
