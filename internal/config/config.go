// Package config loads device-region configuration for cmd/blockfsctl from
// a JSON-with-comments file, following the same defaults-then-overrides
// merge precedence as the teacher's top-level LoadConfig/mergeConfig
// (config.go): defaults, then the config file. There is no CLI-override
// layer; cmd/blockfsctl's flags only choose the file and a region.
//
// The journal and extent packages themselves never read config files —
// they take explicit constructor arguments — so this package exists only
// to drive cmd/blockfsctl against an already-formatted device image.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// ErrFileNotFound marks an explicitly named config file that does not
// exist.
var ErrFileNotFound = errors.New("config: file not found")

// ErrInvalid marks a config file whose contents are malformed or whose
// values fail validation.
var ErrInvalid = errors.New("config: invalid")

// Region describes one journal+bitmap region pair on a device, in block
// units (spec.md §6.1's on-disk layout, restricted to the two regions this
// module consumes).
type Region struct {
	Name string `json:"name"`

	JournalStart  uint32 `json:"journal_start"`  //nolint:tagliatelle
	JournalBlocks uint32 `json:"journal_blocks"` //nolint:tagliatelle

	BitmapStart uint32 `json:"bitmap_start"` //nolint:tagliatelle
	TotalBlocks uint32 `json:"total_blocks"` //nolint:tagliatelle
}

// Config is the top-level blockfsctl configuration: the device image path
// and the regions available on it.
type Config struct {
	Device  string   `json:"device"`
	Regions []Region `json:"regions"`
}

// Default returns the zero-regions default configuration. There is no
// sensible default device path or region layout — a real device is always
// caller-supplied — so Default exists mainly to document the merge
// precedence's starting point, mirroring DefaultConfig in the teacher's
// config.go.
func Default() Config {
	return Config{}
}

// Load reads and parses the JSONC config file at path, merging it over
// Default(). An empty path is not an error: it returns Default() unchanged,
// matching loadConfigFile's "missing files return zero config" behavior
// for optional config.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied, not attacker-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		return Config{}, fmt.Errorf("%w: reading %s: %w", ErrInvalid, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s is not valid JSONC: %w", ErrInvalid, path, err)
	}

	var fileCfg Config

	if err := json.Unmarshal(standardized, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	cfg = merge(cfg, fileCfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// merge overrides base with any non-zero fields set in override, the same
// shallow last-writer-wins precedence mergeConfig uses in config.go.
func merge(base, override Config) Config {
	if override.Device != "" {
		base.Device = override.Device
	}

	if len(override.Regions) > 0 {
		base.Regions = override.Regions
	}

	return base
}

// RegionByName finds a region by name, or ErrInvalid if none matches.
func (c Config) RegionByName(name string) (Region, error) {
	for _, r := range c.Regions {
		if r.Name == name {
			return r, nil
		}
	}

	return Region{}, fmt.Errorf("%w: no region named %q", ErrInvalid, name)
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Regions))

	for _, r := range cfg.Regions {
		if r.Name == "" {
			return fmt.Errorf("%w: region with empty name", ErrInvalid)
		}

		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate region name %q", ErrInvalid, r.Name)
		}

		seen[r.Name] = true

		if r.JournalBlocks < 2 {
			return fmt.Errorf("%w: region %q journal_blocks=%d, need at least 2", ErrInvalid, r.Name, r.JournalBlocks)
		}

		if r.TotalBlocks == 0 {
			return fmt.Errorf("%w: region %q total_blocks is 0", ErrInvalid, r.Name)
		}
	}

	return nil
}
