/*
Package domain contains the core domain models of the weft engine.

It defines the vocabulary shared by the graph model, the node runtime, both
schedulers and the persistence adapters. This package is kept pure and free of
external dependencies like I/O or persistence, following Hexagonal Architecture
principles.

# Key Entities

  - NodeState / RunStatus: execution state machines of nodes and runs.
  - Continuation: the durable record of a suspended node, keyed by correlator id.
  - RunRecord: a serialisable snapshot of a run, used for crash recovery.
  - LifecycleHooks: callbacks emitted by the schedulers for observability.
  - Errors: the error taxonomy (graph build, contract violations, timeouts,
    unsupported capabilities, cancellation) and the aggregate RunError.
*/
package domain
