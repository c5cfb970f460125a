// Package harvest defines the domain types and ports shared by the batch
// fetch-and-checkpoint pipeline: identifiers queued in a ledger, results
// returned by a bulk fetch capability, and the per-batch accounting that ties
// them together.
package harvest
