// Package storage persists the layout over SQLite: entity strings in the
// objects table, route and locomotive relations in the relations table,
// the untyped settings store, and the hardware parameters per control.
package storage
