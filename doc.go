// Package cadence reconciles conflicting, multi-sourced, time-versioned
// assertions about the items of a construction project.
//
// The unit of assertion is the snapshot triple (item, context, source): WHAT
// is being described, WHEN on the project timeline the assertion takes effect,
// and WHO SAYS so. From accumulated snapshots the engine computes which value
// is effective for an item at any milestone (carry-forward resolution),
// detects a single source contradicting itself across time (changes), detects
// independent sources disagreeing at the same point in time (conflicts), and
// diffs the resolved state of a population of items between two milestones.
//
// Persistence is delegated to a Store; the memstore and neo4jstore packages
// provide an in-memory and a Neo4j-backed implementation respectively. Type
// semantics (which item types are milestones, which assert snapshots, which
// never participate in conflicts) come from an immutable Registry that
// callers construct once and pass in explicitly.
package cadence
