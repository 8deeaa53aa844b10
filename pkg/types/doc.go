// Package types holds the entities shared across every actor: the
// chain data model (Block, Metadata, StorageEntry, TraceEntry), the
// persistent job queue's Job/JobState, and the sentinel error kinds
// used for errors.Is/As checks throughout the indexer.
package types
