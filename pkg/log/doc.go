/*
Package log provides the structured logging used across the indexer's
actors, wrapping zerolog with a global logger and a family of
component/context child-logger constructors.

Initialize once at process start:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then derive a child logger per actor:

	dbLog := log.WithComponent("dbstore")
	dbLog.Info().Msg("pool opened")

Context helpers (WithBlockNumber, WithJobID, WithBlockHash) attach the
identifiers the indexer and task runner most often need to correlate
log lines with a specific block or queue row.
*/
package log
