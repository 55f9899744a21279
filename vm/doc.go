// Package vm implements the greta object kernel.
//
// This package contains:
//   - NaN-boxed value representation
//   - Object layout and attribute slot access
//   - Class and module records with namespaced constant tables
//   - Global variable registry with hooks, traces, and aliases
//   - Deferred (autoload) constant loading
//   - Class variable resolution
//   - World snapshots
//
// A World owns all shared tables. Operations that touch shared mutable
// state take the acting Task; tasks other than the main task see frozen
// world state and may only read shareable values.
package vm
