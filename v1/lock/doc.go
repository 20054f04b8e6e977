// Package lock provides named mutexes shared by independent processes.
//
// A lock is held while its container exists: a directory under a fixed root
// for the filesystem backend, a key created with SET NX for Redis, or a map
// slot for the in-memory backend. Creation is the only compare-and-swap step;
// holder metadata (pid, host, timestamp, resource label, token) is written
// afterwards. Locks whose holder died on this host, whose age exceeds the stale
// age, or whose metadata stayed incomplete past a grace period are reclaimed
// by the next acquirer. Releases are propagated through a syncbus Bus so that
// waiters in other processes retry without waiting for their next poll.
package lock
