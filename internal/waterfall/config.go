package waterfall

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/grassroots-hq/decision-engine/internal/waterfall/source"
)

// Config is the top-level waterfall configuration.
type Config struct {
	Defaults DefaultConfig         `yaml:"defaults"`
	Goals    map[string]GoalConfig `yaml:"goals"` // keyed "{target_type}.{goal}"
}

// DefaultConfig holds global cascade defaults.
type DefaultConfig struct {
	StopOnSuccess bool `yaml:"stop_on_success"`
	MaxSources    int  `yaml:"max_sources"`
}

// GoalConfig configures the cascade for one (target type, goal) pair.
type GoalConfig struct {
	// RequiredFields define when the goal is satisfied. Empty means the
	// cascade runs every configured step.
	RequiredFields []string     `yaml:"required_fields"`
	StopOnSuccess  *bool        `yaml:"stop_on_success,omitempty"`
	MaxSources     int          `yaml:"max_sources,omitempty"`
	Steps          []StepConfig `yaml:"steps"`
}

// StepConfig is one cascade step. Fields limits what the source is
// asked for and what the merge accepts from it; empty means everything.
type StepConfig struct {
	Source string   `yaml:"source"`
	Fields []string `yaml:"fields,omitempty"`
}

// LoadConfig reads the waterfall cascade config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}

	var wrapper struct {
		Waterfall Config `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := &wrapper.Waterfall
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize applies defaults and enforces the cascade invariants: every
// goal ends up with the free internal-match step first.
func (c *Config) normalize() error {
	if c.Defaults.MaxSources <= 0 {
		c.Defaults.MaxSources = 5
	}

	for key, gc := range c.Goals {
		if len(gc.Steps) == 0 {
			return eris.Errorf("waterfall: goal %q has no steps", key)
		}
		if gc.Steps[0].Source != source.InternalMatchID {
			gc.Steps = append([]StepConfig{{Source: source.InternalMatchID}}, gc.Steps...)
		}
		if gc.MaxSources <= 0 {
			gc.MaxSources = c.Defaults.MaxSources
		}
		if gc.StopOnSuccess == nil {
			gc.StopOnSuccess = &c.Defaults.StopOnSuccess
		}
		c.Goals[key] = gc
	}
	return nil
}

// GoalKey builds the lookup key for a (target type, goal) pair.
func GoalKey(targetType, goal string) string {
	return fmt.Sprintf("%s.%s", targetType, goal)
}

// Goal returns the cascade config for a (target type, goal) pair.
func (c *Config) Goal(targetType, goal string) (GoalConfig, bool) {
	gc, ok := c.Goals[GoalKey(targetType, goal)]
	return gc, ok
}
