/*
Package graph maintains the in-memory task dependency graph.

Tasks come from the board; edges run from a dependency to its dependents,
so an edge A->B means B cannot start until A is done. The graph resolves
symbolic task references ("Original ID: <sym>" lines in descriptions),
drops dependencies on unknown tasks, rejects edges that would close a
cycle, and answers the questions the matcher and context builder ask:
dependency and dependent lookup, topological order, and the critical path
weighted by estimated hours.

The graph is single-writer multi-reader. Dependency inference takes the
writer side via Replace or AddEdge; every other component reads.
*/
package graph
