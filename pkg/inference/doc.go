/*
Package inference derives task dependencies from a task set.

The pipeline has five stages. A pattern pass applies canonical ordering
rules to task names (infrastructure before features, design before
implementation, implementation before testing, testing before deployment,
and backend before frontend within a component). Pairs the patterns did not
settle with high confidence, but that share enough vocabulary to look
related, go to the Oracle in batches. The two edge sets merge: agreement
boosts confidence and marks the edge origin "both"; disagreement prefers
the mandatory side, then the higher confidence. DFS cycle breaking then
drops the lowest-confidence non-mandatory edge of each cycle; a cycle of
only mandatory edges is a CircularDependencyError. Results are memoized in
a TTL cache keyed by a digest of the task set, persisted in the ledger's
dependency_cache collection.

Oracle failure never fails inference: the inferer serves a stale cache
entry if one exists, otherwise degrades to the pattern-only edge set.
*/
package inference
