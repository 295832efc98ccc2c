// Package session multiplexes per-account protocol clients inside one process.
//
// The Manager owns the registry of live sessions (at most one client per id, indexed by id
// and by hash), drives each session's lifecycle from client events, persists credentials
// through the archive codec and the persistence gateway, restores sessions on startup and
// reaps sessions abandoned before authentication.
//
// Concurrency model:
//   - The registry is sharded by session hash; id and hash indices of one session live in
//     the same shard and change under one lock.
//   - Every session has a lifecycle mutex. Create side effects, delete, reap, disconnect,
//     reconnect and event handling for one id never interleave. Different ids never wait
//     on each other.
//   - Client events are delivered to a per-session mailbox served by one goroutine.
//     Events emitted after the session is retired are dropped.
package session
