// Package runs drives production runs through their lifecycle.
//
// States:
//   - IDLE -> RUNNING -> HOLD | COMPLETED | ABORTED
//   - HOLD -> RUNNING | ABORTED
//
// Every operation runs in one store transaction: the run row is locked, the
// status and step index are checked, the guard is consulted for advance and
// complete, then the run, its step executions and one audit event are written
// together. Nothing is retried here; transient failures surface to the caller.
//
// Auditing:
//   - Successful operations append exactly one audit event in their transaction.
//   - Rejected operations write nothing.
//   - Export to external sinks happens after commit and never fails the operation.
package runs
