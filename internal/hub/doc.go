// Package hub implements the realtime update distribution core: the
// connection registry, the per-account coordinator that serializes all
// registry mutation and fan-out for one account, and the broadcast router
// that resolves account groups.
//
// Every account maps to exactly one Coordinator. A coordinator processes
// register, deregister, dispatch, and snapshot operations strictly in
// arrival order on a single goroutine, so no locking is needed around the
// registry itself and one account's misbehavior never blocks another
// account's delivery.
//
// Coordinator state is an ephemeral cache. When a group sits empty past a
// grace period its loop exits and the registry is discarded; the next
// operation resurrects the loop with a fresh registry and a bumped
// generation. Operations stamped with an older generation are discarded.
// Clients recover by re-running the handshake and re-registering, not by
// any snapshot restore.
package hub
