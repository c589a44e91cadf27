package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/secfleet/conductor/pkg/lock"
	"github.com/secfleet/conductor/pkg/stores"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestDefaultRoundTrips(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(marshalled default) error = %v\n%s", err, data)
	}
	if cfg.Locks.DefaultTimeout != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.Locks.DefaultTimeout)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
engine:
  workers: 4
locks:
  default_timeout: 2s
  parent_mode: write
store:
  driver: postgres
  dsn: postgres://localhost/conductor
policy:
  max_tasks: 50
telemetry:
  logging:
    level: debug
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Engine.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Engine.Workers)
	}
	opts := cfg.Locks.Options()
	if opts.Timeout != 2*time.Second || opts.ParentMode != lock.ModeWrite || opts.ChildMode != lock.ModeWrite {
		t.Errorf("lock options = %+v", opts)
	}
	if cfg.Store.Driver != stores.DriverPostgres {
		t.Errorf("Driver = %s, want postgres", cfg.Store.Driver)
	}
	if cfg.Policy.MaxTasks != 50 || !cfg.Policy.Builtin {
		t.Errorf("Policy = %+v, want max_tasks 50 with builtins kept", cfg.Policy)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("Logging = %+v", cfg.Telemetry.Logging)
	}
	if !cfg.Queue.Enabled {
		t.Error("Queue.Enabled = false, want default true")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if cfg.Engine.Workers != Default().Engine.Workers {
		t.Errorf("Workers = %d, want default", cfg.Engine.Workers)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"unknown top-level key", "engines:\n  workers: 2\n", "engines"},
		{"unknown nested key", "engine:\n  wrokers: 2\n", "engine.wrokers"},
		{"workers out of range", "engine:\n  workers: 0\n", "engine.workers"},
		{"bad lock mode", "locks:\n  child_mode: exclusive\n", "locks.child_mode"},
		{"bad duration", "locks:\n  default_timeout: soon\n", "locks.default_timeout"},
		{"bad driver", "store:\n  driver: mysql\n", "store.driver"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n", "telemetry.logging.level"},
		{"sampling rate above one", "telemetry:\n  tracing:\n    sampling_rate: 2\n", "telemetry.tracing.sampling_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Parse() error = %v, want ValidationErrors", err)
			}
			found := false
			for _, ve := range verrs {
				if strings.HasPrefix(ve.Path, tt.path) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not mention %s", verrs, tt.path)
			}
		})
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	_, err := Parse([]byte("store:\n  driver: postgres\n"))
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Parse() error = %v, want ValidationErrors", err)
	}
	if !strings.Contains(verrs.Error(), "DSN") {
		t.Errorf("error %q does not mention DSN", verrs.Error())
	}
}

func TestParseMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("engine: [")); err == nil {
		t.Fatal("Parse(malformed) error = nil")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  workers: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Engine.Workers)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}
}
