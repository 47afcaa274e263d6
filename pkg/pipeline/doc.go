// Package pipeline executes configuration operations against a resource tree.
//
// A batch runs in three stages, each draining its queue of steps before the
// next begins:
//
//   - MODEL validates parameters, mutates the batch's private view of the
//     tree, and records the capabilities resources provide and require.
//   - RUNTIME installs, reinstalls and removes the services the new tree
//     implies, then starts whatever became resolvable.
//   - VERIFY is a read-only confirmation pass.
//
// A step may enqueue further steps for its own stage or a later one. Any
// failure rolls back the tree transaction and the capability transaction,
// so observers see either the whole batch or none of it.
//
// Writers lock the resource subtree they touch. Batches on disjoint subtrees
// run in parallel:
//
//	c := pipeline.NewController(pipeline.Options{Logger: logger})
//	_ = c.Register(&pipeline.Registration{Pattern: addr, Schema: schema})
//	result, err := c.Execute(ctx, engine.NewAddOperation(addr, params))
package pipeline
