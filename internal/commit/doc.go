// Package commit implements the transactional commit handler: it stages
// a unit of change, validates the commit message against the canonical
// pipeline format, persists with bounded retry, and verifies or rolls
// back the result.
//
// An empty staged diff is a skip, never a failure — Execute returns an
// empty commit id and no error so that idempotent phases can call it
// unconditionally. Message validation is advisory except for structural
// failures: unknown personas and unusual step numbers produce warnings,
// and near-miss messages can be repaired with CorrectMessageFormat.
package commit
