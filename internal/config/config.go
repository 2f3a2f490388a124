package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/geometry"
	"cbmcopy/internal/transfer"
)

// Config holds the defaults of cbmcopy runs. Command line flags override it.
type Config struct {
	// Adapter names the bus adapter, "name" or "name:arg" (e.g. "sim:disk.d64").
	Adapter string `json:"adapter"`
	// DriveCodeDir holds the drive programs as <name>.prg files. Empty falls
	// back to the programs the adapter brings along.
	DriveCodeDir string `json:"drive_code_dir"`

	// Transfer is a transfer mode name or abbreviation ("auto", "s2", "p").
	Transfer string `json:"transfer"`
	Retries  int    `json:"retries"`
	// Interleave -1 selects the transfer mode default.
	Interleave int    `json:"interleave"`
	Warp       string `json:"warp"`
	BAMMode    string `json:"bam_mode"`
	ErrorMap   string `json:"error_map"`
	DriveType  string `json:"drive_type"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	BlockTimeoutMS int `json:"block_timeout_ms"`
}

func Default() Config {
	return Config{
		Adapter:        "sim",
		DriveCodeDir:   "",
		Transfer:       "auto",
		Retries:        0,
		Interleave:     -1,
		Warp:           "auto",
		BAMMode:        "ignore",
		ErrorMap:       "on_error",
		DriveType:      "auto",
		LogLevel:       "info",
		LogFile:        "",
		BlockTimeoutMS: int(transfer.DefaultBlockTimeout / time.Millisecond),
	}
}

// Load reads the JSON file at path over the defaults. An empty path yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

// Validate fills in empty fields and rejects values no run could use.
func (c *Config) Validate() error {
	c.Adapter = strings.TrimSpace(c.Adapter)
	if c.Adapter == "" {
		c.Adapter = "sim"
	}
	if c.Transfer == "" {
		c.Transfer = "auto"
	}
	if _, err := transfer.FindMode(c.Transfer); err != nil {
		return err
	}
	if c.Retries < 0 {
		return errors.Errorf("retries must not be negative (%d)", c.Retries)
	}
	if c.Interleave == 0 {
		c.Interleave = -1
	}
	if c.Interleave < -1 {
		return errors.Errorf("interleave out of range: %d", c.Interleave)
	}
	if c.Warp == "" {
		c.Warp = "auto"
	}
	if _, err := transfer.ParseWarp(c.Warp); err != nil {
		return err
	}
	if c.BAMMode == "" {
		c.BAMMode = "ignore"
	}
	if _, err := transfer.ParseBAMMode(c.BAMMode); err != nil {
		return err
	}
	if c.ErrorMap == "" {
		c.ErrorMap = "on_error"
	}
	if _, err := transfer.ParseErrorMode(c.ErrorMap); err != nil {
		return err
	}
	if c.DriveType == "" {
		c.DriveType = "auto"
	}
	if _, err := cbm.ParseDriveType(c.DriveType); err != nil {
		return err
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if c.BlockTimeoutMS <= 0 {
		c.BlockTimeoutMS = int(transfer.DefaultBlockTimeout / time.Millisecond)
	}
	if c.BlockTimeoutMS < 10 {
		c.BlockTimeoutMS = 10
	}
	return nil
}

// Settings builds the run settings c describes. format may be empty; it
// names a disk format ("d64", "d81", ...).
func Settings(c Config, format string) (*transfer.Settings, error) {
	s := transfer.DefaultSettings()
	var err error
	if s.Transfer, err = transfer.FindMode(c.Transfer); err != nil {
		return nil, err
	}
	if s.Warp, err = transfer.ParseWarp(c.Warp); err != nil {
		return nil, err
	}
	if s.BAMMode, err = transfer.ParseBAMMode(c.BAMMode); err != nil {
		return nil, err
	}
	if s.ErrorMode, err = transfer.ParseErrorMode(c.ErrorMap); err != nil {
		return nil, err
	}
	if s.DriveType, err = cbm.ParseDriveType(c.DriveType); err != nil {
		return nil, err
	}
	if format != "" {
		g, err := geometry.ByName(format)
		if err != nil {
			return nil, err
		}
		s.Format = g.Format
	}
	s.Retries = c.Retries
	s.Interleave = c.Interleave
	if s.Interleave == 0 {
		s.Interleave = -1
	}
	if c.BlockTimeoutMS > 0 {
		s.BlockTimeout = time.Duration(c.BlockTimeoutMS) * time.Millisecond
	}
	return s, nil
}

// DefaultPath returns the per user config file, "" if there is none.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ""
	}
	p := filepath.Join(dir, "cbmcopy", "config.json")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
