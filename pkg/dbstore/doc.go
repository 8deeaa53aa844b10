// Package dbstore is DatabaseActor: the sole writer of the
// blocks/metadata/storage/state_traces tables, serialized through one
// goroutine's mailbox, plus the read-side gap and health queries the
// rest of the indexer relies on.
package dbstore
