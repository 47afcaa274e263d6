// Package capability implements the capability registry and service
// container.
//
// A resource provides capabilities (org.wildfly.mail.session.default) and
// requires others. Each provided capability may be backed by a service
// installed through an Installer. Services start in topological order of
// their requirements, ties broken by installation order, and stop with their
// dependents first. ACTIVE services start as soon as they resolve; PASSIVE
// and ON_DEMAND services start only while a running dependent needs them.
//
// Mutations are grouped in a Txn so a failed batch can restore the registry
// exactly:
//
//	txn := registry.Begin()
//	if err := txn.Provide(name, owner); err != nil {
//	    txn.Rollback(ctx)
//	    return err
//	}
//	...
//	txn.Commit()
//
// Start, Stop and Observer callbacks run while the registry is locked and
// must not call back into it.
package capability
