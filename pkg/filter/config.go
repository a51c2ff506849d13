package filter

import (
	"fmt"

	"github.com/core-tools/hsu-logtrack/pkg/record"
)

// OwnTagPrefix marks records written by the host through the library
const OwnTagPrefix = "[ALT]"

// Config selects the records that reach the active log file
type Config struct {
	PIDs     []int        `yaml:"pids,omitempty"`
	Tags     []string     `yaml:"tags,omitempty"`
	Packages []string     `yaml:"packages,omitempty"`
	MinLevel record.Level `yaml:"level"`

	// OnlyOwnRecords keeps only records of the own package whose tag starts with OwnTagPrefix
	OnlyOwnRecords bool `yaml:"only_own_records"`

	// OwnPackage is the process name of the host application
	OwnPackage string `yaml:"own_package,omitempty"`
}

// Normalize applies defaults and the own-records reset. It returns a copy.
func (c Config) Normalize() Config {
	if c.MinLevel == 0 {
		c.MinLevel = record.LevelVerbose
	}
	if c.OnlyOwnRecords {
		c.PIDs = nil
		c.Tags = nil
		c.Packages = nil
		if c.OwnPackage != "" {
			c.Packages = []string{c.OwnPackage}
		}
	}
	return c
}

// Validate checks level bounds and the own-records requirements
func (c Config) Validate() error {
	if c.MinLevel != 0 && !c.MinLevel.Valid() {
		return fmt.Errorf("level must be between %s and %s, got %d", record.MinLevel, record.MaxLevel, int(c.MinLevel))
	}
	for _, pid := range c.PIDs {
		if pid <= 0 {
			return fmt.Errorf("pid must be positive: %d", pid)
		}
	}
	for _, tag := range c.Tags {
		if tag == "" {
			return fmt.Errorf("tag cannot be empty")
		}
	}
	if c.OnlyOwnRecords && c.OwnPackage == "" {
		return fmt.Errorf("own_package is required when only_own_records is set")
	}
	return nil
}

// IsAvailable reports whether the filter restricts anything at all
func (c Config) IsAvailable() bool {
	return len(c.PIDs) > 0 || len(c.Tags) > 0 || len(c.Packages) > 0 || c.OnlyOwnRecords ||
		(c.MinLevel != 0 && c.MinLevel > record.LevelVerbose)
}
