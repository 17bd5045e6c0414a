package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scarson/jobrunner/internal/job"
)

// CategoryOverride replaces scheduler settings for one job category. Nil
// fields fall back to the process-wide environment values.
type CategoryOverride struct {
	BatchSize          *int    `yaml:"batch_size"`
	MaxAttempts        *int32  `yaml:"max_attempts"`
	MinimumPriority    *uint8  `yaml:"minimum_priority"`
	StarvationEveryNth *uint32 `yaml:"starvation_every_nth"`
	IdleWaitMS         *int64  `yaml:"idle_wait_millis"`
}

// CategoryOverrides maps a category to its override block.
//
// Example file:
//
//	download:
//	  batch_size: 2
//	  idle_wait_millis: 5000
//	notification:
//	  minimum_priority: 3
type CategoryOverrides map[job.Category]CategoryOverride

// LoadCategoryOverrides reads path. An empty path yields no overrides.
func LoadCategoryOverrides(path string) (CategoryOverrides, error) {
	if path == "" {
		return CategoryOverrides{}, nil
	}
	raw, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read category overrides: %w", err)
	}
	var byName map[string]CategoryOverride
	if err := yaml.Unmarshal(raw, &byName); err != nil {
		return nil, fmt.Errorf("parse category overrides: %w", err)
	}
	out := make(CategoryOverrides, len(byName))
	for name, o := range byName {
		c, err := job.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("category overrides: %w", err)
		}
		if o.BatchSize != nil && *o.BatchSize < 1 {
			return nil, fmt.Errorf("category overrides: %s batch_size must be >= 1", c)
		}
		if o.StarvationEveryNth != nil && *o.StarvationEveryNth < 1 {
			return nil, fmt.Errorf("category overrides: %s starvation_every_nth must be >= 1", c)
		}
		if o.MaxAttempts != nil && *o.MaxAttempts < 0 {
			return nil, fmt.Errorf("category overrides: %s max_attempts must be >= 0", c)
		}
		if o.IdleWaitMS != nil && (*o.IdleWaitMS < 0 || *o.IdleWaitMS > maxMillis) {
			return nil, fmt.Errorf("category overrides: %s idle_wait_millis out of range", c)
		}
		out[c] = o
	}
	return out, nil
}

// MaxAttemptsFor returns the default max_attempts for new jobs of c.
func (c *Config) MaxAttemptsFor(cat job.Category, o CategoryOverrides) int32 {
	if ov, ok := o[cat]; ok && ov.MaxAttempts != nil {
		return *ov.MaxAttempts
	}
	return c.JobMaxAttempts
}
