// Package jobqueue implements the at-least-once execute_block job
// queue shared by BlocksIndexer, Listener and TaskRunner: enqueue
// dedups on block hash, Lease uses SELECT ... FOR UPDATE SKIP LOCKED
// so concurrent workers never double-process a row, and Fail applies
// capped exponential backoff before dead-lettering.
package jobqueue
