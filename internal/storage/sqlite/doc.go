// Package sqlite provides the SQLite-backed durable store for runstate.
//
// It persists snapshots and their audit transactions, using native SQLite
// transactions for the atomic snapshot+transaction write unit and for batch
// retention deletes. Recovery transactions are addressable through a
// json_extract expression index over the metadata column.
package sqlite
