// Package persist stores session metadata and credential archives.
//
// Two backends sit behind interfaces:
//   - Durable: a relational table, one row per (node, session), holding metadata and the
//     latest archive blob. PostgresStore is the production implementation.
//   - Cache: short-lived metadata keyed by session id, plus a hash -> id index used to route
//     webhooks. RedisCache is the production implementation.
//
// Gateway fronts both. Either backend may be absent: writes are skipped and reads return
// ErrUnavailable.
package persist
