// Package coordinator turns the lock store, the ledger and the governor into
// one decision per trigger key.
//
// Handle skips keys that are done, exhausted or being worked on, defers when
// the concurrency cap is reached, reports busy when the key lock cannot be
// taken in time, and otherwise runs the processing callback under the key
// lock, recording every transition in the ledger. No outcome is fatal: the
// caller's polling loop moves on to the next trigger regardless.
package coordinator
