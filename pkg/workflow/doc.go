// Package workflow reads job descriptions from YAML and builds their task
// graphs.
//
// A workflow names the job, the objects it touches, an optional lock
// declaration and its steps:
//
//	name: sync-security-group
//	references:
//	  - {kind: security-group, id: 7}
//	locks:
//	  child: {kind: security-group, id: 7}
//	  parents: [{kind: virtualization-connector, id: 1}]
//	  timeout: 5s
//	steps:
//	  - name: render
//	    script: |
//	      rules = [r for r in range(count)]
//	    vars: {count: 3}
//	  - name: push
//	    after: [render]
//	    sleep: 100ms
//	  - name: report
//	    after: [push]
//	    guard: all_predecessors_completed
//	    noop: true
//
// Each step has exactly one body: script (Starlark), sleep, noop, fail
// (always fails with the given reason) or expand (a nested step list that is
// spliced into the running graph when the step runs). A step may only name
// steps declared before it in after, so workflows are acyclic.
//
// When locks are declared the built graph is a single lock.ProtectedTask:
// the locks are taken when the job starts and released by unlock tasks that
// run after the steps regardless of their outcome.
package workflow
