// Package engine provides the core types and workflows of the instanced
// deployment orchestrator.
//
// # Overview
//
// instanced manages application instances of three kinds:
//
//   - cloud: provisioned by us on a serverless compute provider
//   - local: running on this host, reached over loopback HTTP
//   - remote: running anywhere, reached over HTTP(S)
//
// Every instance moves through one lifecycle regardless of kind:
//
//	creating ──► idle ◄──► active
//	    │          │          │
//	    ▼          ▼          ▼
//	  error ◄──────┴──────────┘      connecting ──► idle/active/error
//	    │
//	    ▼
//	 unlinked  (left only by an explicit relink)
//
// # Components
//
//   - Registry: durable record of instances, configurations, service profiles
//     and sealed provider credentials (implemented in pkg/stores)
//   - Propagator: pushes a configuration to an instance's control endpoint in a
//     single call and probes its health, mapping the outcome onto the lifecycle
//   - Provisioner: creates the provider resource, grants public invocation,
//     polls for the address and finalizes the record
//   - JobQueue: bounded worker pool running provisioning detached from the
//     request, with explicit backpressure (ErrQueueFull)
//   - Reconciler: compares recorded cloud instances with the provider's live
//     listing per (project, region), correcting addresses and removing orphans
//   - Orchestrator: composition root exposing every tenant-scoped operation
//
// Lifecycle events are delivered through a broadcast.Hub.
//
// # Concurrency
//
// Registry writes use optimistic versioning: UpdateInstance fails with
// ErrVersionConflict when the record changed since it was read, and internal
// writers re-read and retry. Probes and pushes to one instance are serialized
// within the process. Instance limits are enforced by a single atomic
// count-and-insert (ReserveInstance).
//
// # Error Classification
//
// Errors are EngineError values classified for retry logic and carrying a code
// for programmatic handling:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting, quota or a full queue
//   - Conflict: concurrent modification or a reached limit
//   - Permanent: non-recoverable errors
//
// Use the helpers to inspect them:
//
//	if engine.HasCode(err, engine.ErrCodeUnauthorized) {
//	    // the instance rejected our token
//	}
package engine
