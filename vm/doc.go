// Package vm implements the Springboard execution core.
//
// This package contains:
//   - Fixed-width stack slots and method signatures
//   - The method table with atomically published compilation state
//   - The managed stack and per-call execution context
//   - Bytecode definitions, decoding and disassembly
//   - The bytecode interpreter
//   - The dispatch layer bridging interpreted, compiled and host code
//   - Profiling, the JIT driver and the threaded-code backend
//
// Two calling conventions meet in the dispatch layer. Managed code and
// compiled code call InvokeFromLanguage with a prepared frame; embedders call
// InvokeFromHost with the arguments on top of a managed stack. Either way the
// callee's frame is released by the time the call returns.
package vm
