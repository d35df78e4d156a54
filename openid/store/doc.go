// store persists the shared protocol state an OpenID relying party keeps
// between requests: associations (shared secrets negotiated with an identity
// provider) and nonces (one-time tokens used to reject replayed provider
// responses).
//
// The Store interface is implemented by a mutex-guarded in-process
// MemoryStore and by SQL-backed stores for the sqlite, mysql and postgres
// dialects.  An Adapter binds a *sql.DB plus a dialect name to scoped store
// acquisition: Adapter.Scope opens a transaction, hands the store to a
// callback and commits on success or rolls back on error, so every exit path
// releases the transaction.
//
// The MemoryStore keeps no state outside its own process.  When the Adapter
// falls back to it (unknown dialect), associations and nonces are not shared
// between processes and replay protection only holds within a single process.
// That is acceptable for tests and single-process deployments only.
package store
