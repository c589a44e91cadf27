package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/secfleet/conductor/pkg/engine"
	"github.com/secfleet/conductor/pkg/telemetry"
)

// maxScriptSteps bounds the work one script may do.
const maxScriptSteps = 10_000_000

// ScriptFailure is returned when a script calls fail(reason).
type ScriptFailure struct {
	Reason string
}

func (f *ScriptFailure) Error() string { return f.Reason }

// ScriptTask runs a Starlark script as a leaf task. The script sees its
// vars as globals, a job struct (name, step) and the builtins fail(reason)
// and sleep(seconds). print writes to the task logger. A script that ends
// normally succeeds; fail or any evaluation error fails the task.
type ScriptTask struct {
	name   string
	job    string
	source string
	vars   map[string]interface{}
	refs   []engine.ObjectReference
	logger *telemetry.Logger

	mu     sync.Mutex
	output map[string]interface{}
}

// NewScriptTask creates a script task.
func NewScriptTask(job, name, source string, vars map[string]interface{}, refs []engine.ObjectReference, logger *telemetry.Logger) *ScriptTask {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &ScriptTask{
		name:   name,
		job:    job,
		source: source,
		vars:   vars,
		refs:   refs,
		logger: logger.WithField("step", name),
	}
}

// Name implements engine.Task.
func (t *ScriptTask) Name() string { return t.name }

// References implements engine.Task.
func (t *ScriptTask) References() []engine.ObjectReference { return t.refs }

// Output returns the script's public globals after a successful run.
func (t *ScriptTask) Output() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}

// Execute implements engine.LeafTask.
func (t *ScriptTask) Execute(ctx context.Context) error {
	thread := &starlark.Thread{
		Name: t.job + "/" + t.name,
		Print: func(_ *starlark.Thread, msg string) {
			t.logger.Info(msg)
		},
	}
	thread.SetLocal(ctxKey, ctx)
	thread.SetMaxExecutionSteps(maxScriptSteps)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-stop:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"fail":   starlark.NewBuiltin("fail", builtinFail),
		"sleep":  starlark.NewBuiltin("sleep", builtinSleep),
		"job": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name": starlark.String(t.job),
			"step": starlark.String(t.name),
		}),
	}
	for key, val := range t.vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return fmt.Errorf("var %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, t.name+".star", t.source, predeclared)
	if err != nil {
		var failure *ScriptFailure
		if errors.As(err, &failure) {
			return failure
		}
		return fmt.Errorf("script %s: %w", t.name, err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			// Functions and other non-data globals are not exported.
			continue
		}
		output[name] = goVal
	}
	t.mu.Lock()
	t.output = output
	t.mu.Unlock()
	return nil
}

// ctxKey is the thread-local slot holding the task context.
const ctxKey = "conductor.context"

// builtinFail implements fail(reason).
func builtinFail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var reason string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason", &reason); err != nil {
		return nil, err
	}
	return nil, &ScriptFailure{Reason: reason}
}

// builtinSleep implements sleep(seconds). It returns early with an error if
// the task is cancelled.
func builtinSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "seconds", &seconds); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(seconds)
	if !ok || f < 0 {
		return nil, fmt.Errorf("sleep: want a non-negative number, got %s", seconds)
	}

	ctx, _ := thread.Local(ctxKey).(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(time.Duration(f * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return starlark.None, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// toStarlarkValue converts a decoded YAML value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
