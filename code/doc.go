// Package code evaluates guest programs end to end.
//
// An [Evaluator] takes a [Request] through a fixed sequence of stages:
//
//	received → compiling → sandbox-initializing → capabilities-injected
//	→ executing-entry-point → draining → result-extraction → disposed
//
// Compilation failures stop before any sandbox exists, and types-only
// requests never create one. Once a sandbox is created it is disposed on
// every exit path, including guest exceptions, timeouts and host panics.
//
// # Failures
//
// Every failure is folded into the [Result] and classified by [Kind]:
//
//   - [KindCompile]: syntax or type violation; guest code never ran
//   - [KindSecurity]: access to a global or capability outside the allow-list
//   - [KindRuntime]: an exception escaped the entry point
//   - [KindTimeout]: the hard budget ran out with operations pending
//   - [KindSerialization]: a value could not cross the boundary
//
// Result.Err carries a [*CodeError] so callers can use errors.Is with the
// sentinel of each kind.
//
// # Capability Call Tracing
//
// Every capability invocation is recorded in a [CapabilityCall] with its
// arguments, result or error, and duration, in completion order.
package code
