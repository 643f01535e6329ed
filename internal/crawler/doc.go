// Package crawler defines the listing domain shared by every stage: targets,
// candidate URLs, listing records, checkpoints and credentials, the interfaces
// of the external collaborators, the error taxonomy, and the backoff and
// pacing primitives used by discovery, extraction and enrichment.
package crawler
