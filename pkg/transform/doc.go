// Package transform rewrites operations and read models for peers that run
// an older model version of a subsystem.
//
// Each subsystem registers a Chain of Descriptions, one per version step.
// A description holds rules per resource pattern relative to the subsystem
// resource: discard an attribute when a predicate matches, reject the
// operation when a predicate matches, rename an attribute, or relocate it to
// another resource. Rules run in version order, newest step first, and only
// ever touch the outbound representation, never the live tree.
//
//	chain := registry.Chain("mail", transform.MustVersion("5.0.0"))
//	chain.Step(transform.MustVersion("5.0.0"), transform.MustVersion("4.0.0")).
//		Resource(engine.Elem("mail-session", engine.Wildcard)).
//		DiscardAttributes(transform.Always, "test")
package transform
