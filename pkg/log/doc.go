/*
Package log provides structured logging for the indexer using zerolog.

The root Logger is configured once at startup via Init (level name, JSON
or console output, optional writer override), then every pipeline
component derives a child logger scoped to its own fields:

	log.WithComponent("blocks-indexer")
	log.WithBlock(b.Number, b.Hash.String())
	log.WithSpecVersion(v.SpecVersion)

ARCHIVIST_LOG_LEVEL overrides the configured level, the same env-wins
layering pkg/config applies to its own values.

Per-block errors (a failed execution, a codec mismatch) are logged
through WithBlock so the number and hash are always present in the
record.
*/
package log
