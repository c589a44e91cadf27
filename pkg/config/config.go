package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/lock"
	"github.com/secfleet/conductor/pkg/policy"
	"github.com/secfleet/conductor/pkg/stores"
	"github.com/secfleet/conductor/pkg/telemetry"
)

// Config is the complete conductor configuration.
type Config struct {
	Engine    engine.EngineConfig `yaml:"engine"`
	Locks     LockConfig          `yaml:"locks"`
	Queue     QueueConfig         `yaml:"queue"`
	Store     stores.Config       `yaml:"store"`
	Policy    policy.Config       `yaml:"policy"`
	Telemetry telemetry.Config    `yaml:"telemetry"`
}

// LockConfig holds the defaults applied to workflow lock declarations.
type LockConfig struct {
	// DefaultTimeout bounds each blocking acquisition when a workflow sets
	// none. Zero means try once.
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gte=0"`

	ChildMode  string `yaml:"child_mode" validate:"omitempty,oneof=read write"`
	ParentMode string `yaml:"parent_mode" validate:"omitempty,oneof=read write"`
}

// Options converts the defaults into lock acquisition options.
func (c LockConfig) Options() lock.Options {
	return lock.Options{
		ChildMode:  lock.Mode(c.ChildMode),
		ParentMode: lock.Mode(c.ParentMode),
		Timeout:    c.DefaultTimeout,
	}
}

// QueueConfig controls the job queuer.
type QueueConfig struct {
	// Enabled routes submissions through the queuer so jobs with
	// overlapping references run one after another.
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: engine.DefaultEngineConfig(),
		Locks: LockConfig{
			DefaultTimeout: 30 * time.Second,
			ChildMode:      string(lock.ModeWrite),
			ParentMode:     string(lock.ModeRead),
		},
		Queue:     QueueConfig{Enabled: true},
		Store:     stores.DefaultConfig(),
		Policy:    policy.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path on top of Default and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default, checks it against the schema and
// validates the result.
func Parse(data []byte) (*Config, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make(ValidationErrors, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
			return out
		}
		return err
	}
	return nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
