// ABOUTME: Package replay is the TTL-bounded idempotency ledger for task requests.
// ABOUTME: Backends are an in-process store and a redis store shared across replicas.

// Package replay guarantees at most one execution per caller-chosen replay key. A
// duplicate with the same fingerprint gets the cached response; the same key with
// different content is rejected with ErrConflict and never executes.
//
// A key is reserved with a pending marker before its request runs, so a conflicting
// request is refused while the first is still in flight, in this process or on
// another replica sharing the redis store.
package replay
