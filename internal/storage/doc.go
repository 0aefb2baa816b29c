// Package storage is the campaign record store.
//
// Each campaign has three independently appendable collections:
//   - the campaign record (rewritten whole on every update)
//   - the response log (append-only)
//   - the follow-up log (append-only)
//
// Update serializes read-modify-write cycles per campaign id, so the
// dispatcher and the receipt correlator can mutate the same record
// concurrently without losing increments.
package storage
