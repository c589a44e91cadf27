// Package engine provides the task graph, job engine and job queuer used to
// run multi-step operations against managed security objects.
//
// # Overview
//
// Work is described as a TaskGraph of tasks. Each node carries a guard that
// decides, once every direct predecessor has completed, whether the node runs
// or is skipped:
//
//   - ALL_PREDECESSORS_SUCCEEDED: every direct predecessor succeeded
//   - ALL_PREDECESSORS_COMPLETED: every direct predecessor completed, any outcome
//   - ALL_ANCESTORS_SUCCEEDED: every transitive ancestor succeeded
//
// A skipped node completes without running and counts as not succeeded.
// Cleanup work such as releasing locks is appended with
// ALL_PREDECESSORS_COMPLETED so it runs whatever happened upstream.
//
// # Graph Construction
//
// Graphs only ever grow by adding edges from existing nodes to new nodes, so
// they are acyclic by construction:
//
//	g := engine.NewTaskGraph()
//	g.AddTask(validate)
//	g.AppendTask(push, engine.GuardAllPredecessorsSucceeded)
//	_ = g.AppendTaskGraph(unlocks, engine.GuardAllPredecessorsCompleted)
//
// AddTaskGraph merges a sub-graph in parallel with the existing nodes, which
// together with AppendTask gives fan-out followed by fan-in.
//
// # Meta-tasks
//
// A MetaTask produces a sub-graph when it runs. The engine splices the
// sub-graph in place of the meta-task: its roots become the only successors
// of the meta-task and the meta-task's previous successors now wait for the
// sub-graph's frontier. Planning can therefore depend on state that only
// exists at run time.
//
// # Execution
//
// JobEngine runs nodes from all jobs on a fixed pool of workers. Node state
// moves through not_running, queued, pending, running and completed; a node
// whose guard can never be met moves from not_running straight to completed.
// A job succeeds when every node succeeded and fails otherwise.
//
// Completion and task-change listeners run outside the job lock; a panic in
// a listener is logged and absorbed. Finished jobs are published as
// job.completed events carrying a JobRecord, which history recorders consume.
//
// # Queuing
//
// JobQueuer serializes jobs whose object references overlap. Requests that
// share no reference with running or earlier waiting jobs are submitted at
// once; the others wait in arrival order.
//
// # Error Classification
//
// Errors carry a class so callers can tell lock contention apart from
// misuse:
//
//	if engine.IsRetryable(err) {
//	    // lock conflict or timeout; try again later
//	}
package engine
