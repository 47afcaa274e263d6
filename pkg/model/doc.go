// Package model implements the resource tree: a versioned, hierarchical store
// of configuration resources validated against a registry of schemas.
//
// Registrations bind a Schema to a path pattern such as
// /subsystem=mail/mail-session=*. Resources are instances addressed without
// wildcards. All writes happen inside a Tx: the transaction mutates a private
// copy-on-write root, so concurrent readers only ever observe committed
// states, and rolling back is discarding the private root. Each committed
// mutation gets its own version and is appended to a bounded journal that
// listeners (the configuration persister) can follow.
package model
