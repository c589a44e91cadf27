// Package lock provides read/write locks over domain objects identified by
// engine.ObjectReference.
//
// Every successful acquisition returns an UnlockTask. Release is not done by
// the caller; the unlock tasks are appended to the same task graph that does
// the protected work with the all_predecessors_completed guard, so a lock is
// released exactly once even when the protected work fails:
//
//	grant, err := locks.LockChildAndParents(ctx, vs, []engine.ObjectReference{da, ds}, lock.Options{})
//	if err != nil {
//	    return err // nothing is held
//	}
//	graph.AppendTask(syncTask, engine.GuardAllPredecessorsSucceeded)
//	if err := grant.AppendTo(graph); err != nil {
//	    return errors.Join(err, grant.Release())
//	}
//	job, err := eng.Submit(ctx, "Sync virtual system", graph, grant.References())
//
// Multi-lock helpers acquire in a fixed order (child first, then parents in
// the caller's order) and release everything they took if any step fails.
package lock
