// Package storage provides the persistence layer used by the triage daemon.
//
// It supports:
//   - Audit log appends (one entry per triage decision)
//   - Dedup window state (to survive restarts)
//   - Learned per-category engagement snapshots
package storage
