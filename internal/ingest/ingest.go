// Package ingest provides the batch compile engine for spcompile.
// It reads fitted model metadata in JSON or YAML form, single states or
// whole ensembles, applies the companion mapping, compiles every state into
// a circuit and, when asked, records models, circuits and the run in the
// artifact store.
package ingest
