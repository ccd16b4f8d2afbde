// Package storage provides the sqlite persistence layer used by the
// automation scheduler.
//
// It covers:
//   - Application projections and guarded bulk updates
//   - Ordered deletion of application child records
//   - The operator settings table
//   - The hash-chained audit log
package storage
