/*
Package ports defines the driven ports (interfaces) of the weft engine.

These interfaces decouple the schedulers from storage backends, so the same
engine runs against in-memory, filesystem or redis persistence.

# Key Interfaces

  - ContinuationStore: durable correlator id -> suspended node state, with an
    atomic Take for exactly-once resumption.
  - RunStore: run snapshots used to recover runs after a restart.
  - DistributedLocker: cross-process locking for shared stores.

The contract suites (RunContinuationStoreContract, RunRunStoreContract) are
exported so every adapter verifies the same behaviour.
*/
package ports
