// Package contextstore provides named mutual-exclusion locks and a
// failure-rate circuit breaker for phased's shared resources.
//
// Locks are directory-creation based: os.Mkdir is atomic on every
// platform phased targets, so the process that creates the lock directory
// owns the lock. A holder file inside the directory records who acquired
// it and when, which lets any process reclaim a lock whose age exceeds
// the staleness threshold. Contended acquisition waits a randomized
// jittered delay between bounded retries.
//
// Read and Write are durably backed by the versioned state log and are
// implicitly serialized per key, so concurrent readers and writers of the
// same key never interleave. This is the mandatory composition for state
// log access from more than one process: the log itself provides no
// isolation between overlapping writes.
package contextstore
