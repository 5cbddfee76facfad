// Package storage provides the task store and coordination KV backends.
//
// Drivers:
//   - "memory": in-process maps (tests, single node)
//   - "file": JSONL journal + snapshot for tasks; leases stay in memory
//   - "sqlite": one database file holding both tasks and the lease KV, so
//     several processes pointed at the same file form a fleet
package storage
