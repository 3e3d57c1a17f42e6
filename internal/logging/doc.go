// Package logging provides the shared structured logger for phased.
//
// The Logger wraps Zap with context-aware methods so that run and phase
// correlation fields (run_id, target_id, phase) attach automatically to
// every entry. One Logger is constructed in main and passed by reference
// into every component; there are no package-level logger globals.
//
// Sensitive fields are masked by the RedactingEncoder before they reach
// any sink. Tests use NewTestLogger, which records entries through a zap
// observer and offers assertion helpers.
package logging
