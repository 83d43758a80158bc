// Package types defines the shared error taxonomy and result model used by
// every component of the orchestration layer.
//
// Errors are structured (*Error) with a machine-readable code, the violated
// scope or window where relevant, and a retry-after hint. Dedup followers
// always observe the leader's exact classified outcome, so the taxonomy here
// is the single contract between components and callers.
package types
