// Package tracechain implements the per-batch hash-chain ledger used for
// produce traceability.
//
// Every supply-chain event for a batch is appended to that batch's chain. The
// first event links to the GenesisHash sentinel; every later event records the
// CurrentHash of its predecessor as PrevHash, so any edit to a stored event is
// detectable via Verify.
//
// Three Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - SQLiteStore: embedded single-node deployments.
//   - PostgresStore: durable, for production use.
//
// Appends to the same batch are serialised through a Locker. KeyedMutex covers a
// single process; RedisLocker and PostgresLocker cover multiple replicas.
package tracechain
