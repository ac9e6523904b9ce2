// Package orchestrator runs execution graphs on worker sessions.
//
// An Orchestrator owns the communication bus, the session manager, the
// coordination queue and the transparency log for every run it executes.
// A run goes through these steps:
//   - the plan is built by the decomposer (or supplied as tasks)
//   - the approval gate may approve, simplify, modify or cancel it
//   - a workspace is prepared with the shared repository context
//   - the Scheduler admits eligible tasks up to the concurrency limit
//   - each task is dispatched to a session of its role
//
// Example usage:
//
//	o, err := orchestrator.New(orchestrator.RequiredConfig{
//		RepoPath: ".",
//		Spawner:  worker.NewProcessSpawner("claude", "-p"),
//		Store:    db,
//	})
//	if err != nil {
//		return err
//	}
//	if err := o.Init(ctx); err != nil {
//		return err
//	}
//	report, err := o.Execute(ctx, "Build a user authentication system")
package orchestrator
