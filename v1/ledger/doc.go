// Package ledger records the execution state of every trigger key.
//
// The ledger is a single versioned JSON document. Writers serialize on the
// "ledger" lock, compute the next document in memory, write it to a temporary
// location unique to the writer, read it back and validate it, and only then
// swap it in atomically. Readers never lock: they parse and validate whatever
// document is current, so they observe either the previous or the next
// version of it, never a torn one.
package ledger
