// Package block implements the virtual-disk graph layer: every disk a guest
// sees is a directed graph of storage nodes (raw images, copy-on-write
// overlays, protocol endpoints) with atomic operations for opening,
// reconfiguring, snapshotting and tearing the graph down.
//
// Concurrency model:
//
// The graph is shared, mutable, process-wide state. The Graph registry
// serializes name lookups and membership internally, but structural
// mutations (open, close, reopen commit, chain rewiring, bitmap
// freeze/reclaim) are NOT serialized against each other by this package.
// Correctness relies on the contract from the original design:
//
//   - callers drain guest I/O on the affected subtree before structural
//     changes (Close, Commit and reopen do their own flush+drain),
//   - reference counting keeps nodes alive while referenced,
//   - operation blockers prevent semantically conflicting operations,
//     rather than data races.
//
// Guest I/O (ReadSectors/WriteSectors) is tracked per node so that
// DrainedBegin can block new requests and wait out in-flight ones.
package block
