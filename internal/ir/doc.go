// Package ir provides the trait declaration types and the canonical
// serialization used to digest compiled programs.
//
// This package contains type definitions and hashing only. All other internal
// packages import ir; ir imports nothing internal. This keeps the declaration
// surface the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Declarations are ordered slices; declaration order is structural and
//     feeds the stable topological sort in the compiler.
//   - Digests depend on structure only (paths, kinds, deps, function names),
//     never on instance ids, wall clock time or Go function pointers.
//   - NO floats in digested data; canonical JSON rejects them.
package ir
