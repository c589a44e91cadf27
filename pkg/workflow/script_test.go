package workflow

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/secfleet/conductor/pkg/telemetry"
)

func TestScriptTask(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		vars    map[string]interface{}
		check   func(*testing.T, map[string]interface{})
		wantErr string
	}{
		{
			name:   "globals become output",
			script: "total = 2 + 2\n_hidden = 1\n",
			check: func(t *testing.T, out map[string]interface{}) {
				if out["total"] != int64(4) {
					t.Errorf("total = %v, want 4", out["total"])
				}
				if _, ok := out["_hidden"]; ok {
					t.Error("private global exported")
				}
			},
		},
		{
			name:   "vars are predeclared",
			script: "names = [h['name'] for h in hosts if h['up']]\n",
			vars: map[string]interface{}{
				"hosts": []interface{}{
					map[string]interface{}{"name": "a", "up": true},
					map[string]interface{}{"name": "b", "up": false},
				},
			},
			check: func(t *testing.T, out map[string]interface{}) {
				names, _ := out["names"].([]interface{})
				if len(names) != 1 || names[0] != "a" {
					t.Errorf("names = %v, want [a]", out["names"])
				}
			},
		},
		{
			name:   "job struct",
			script: "label = job.name + '/' + job.step\n",
			check: func(t *testing.T, out map[string]interface{}) {
				if out["label"] != "deploy/check" {
					t.Errorf("label = %v", out["label"])
				}
			},
		},
		{
			name:   "functions are not exported",
			script: "def double(x):\n    return x * 2\n\nfour = double(2)\n",
			check: func(t *testing.T, out map[string]interface{}) {
				if _, ok := out["double"]; ok {
					t.Error("function exported")
				}
				if out["four"] != int64(4) {
					t.Errorf("four = %v", out["four"])
				}
			},
		},
		{
			name:    "fail builtin",
			script:  "fail('appliance unreachable')\n",
			wantErr: "appliance unreachable",
		},
		{
			name:    "runtime error",
			script:  "x = 1 // 0\n",
			wantErr: "division by zero",
		},
		{
			name:    "syntax error",
			script:  "def (\n",
			wantErr: "script check",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewScriptTask("deploy", "check", tt.script, tt.vars, nil, nil)
			err := task.Execute(context.Background())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Execute() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			tt.check(t, task.Output())
		})
	}
}

func TestScriptFailureIsTyped(t *testing.T) {
	task := NewScriptTask("j", "s", "fail('nope')", nil, nil, nil)
	err := task.Execute(context.Background())
	var failure *ScriptFailure
	if !errors.As(err, &failure) || failure.Reason != "nope" {
		t.Fatalf("Execute() error = %v, want ScriptFailure(nope)", err)
	}
	if err.Error() != "nope" {
		t.Errorf("error message = %q, want the bare reason", err.Error())
	}
}

func TestScriptCancellation(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"sleep builtin", "sleep(30)\n"},
		{"busy loop", "def spin():\n    for i in range(1000000000):\n        pass\n\nspin()\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			err := NewScriptTask("j", "s", tt.script, nil, nil, nil).Execute(ctx)
			if err == nil {
				t.Fatal("Execute() error = nil, want cancellation")
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("cancellation took %v", elapsed)
			}
		})
	}
}

func TestScriptPrintLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "info", Format: "json"}, &buf)

	task := NewScriptTask("j", "greet", "print('hello from starlark')", nil, nil, logger)
	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(buf.String(), "hello from starlark") || !strings.Contains(buf.String(), `"step":"greet"`) {
		t.Errorf("log output = %s", buf.String())
	}
}
