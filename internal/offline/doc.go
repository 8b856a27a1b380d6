// Package offline holds the vocabulary shared by the offline synchronization
// engine: entity types and their collections, the fixed sync order, the error
// taxonomy, and the session/result types reported after a pass.
//
// Subpackages:
//
//	store/         SQLite-backed indexed key-value collections
//	model/         domain records with syncMeta
//	queue/         per-entity mutation queue recorders
//	remote/        remote sync adapter (HTTP) and an in-memory test server
//	conflict/      entity-specific conflict resolution
//	events/        typed lifecycle event notifier
//	connectivity/  debounced online/offline monitor with reachability probes
//	metrics/       session history, health checks, Prometheus collectors
//	sync/          the single-flight sync orchestrator
//	daemon/        background runner (timer, connectivity triggers, reload)
//	dashboard/     WebSocket event stream and HTTP status endpoints
//	transfer/      JSONL export/import of queued mutations
//	loadtest/      offline backlog generator and drain benchmark
package offline
