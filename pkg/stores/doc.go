// Package stores persists domain history in SQLite: finished rollouts with
// their group results, the domain-model change journal, lifecycle events
// and the audit log. The schema is managed with embedded migrations.
package stores
