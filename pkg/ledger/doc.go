/*
Package ledger persists assignment state across restarts.

The Store interface is a durable set of collections holding JSON records
keyed by id. Two backends implement it: FileStore writes one JSON file per
collection with temp+rename atomicity, and BoltStore keeps one bbolt bucket
per collection. Both stamp records with _stored_at and both guarantee that
a reader sees either the previous snapshot or the next complete one.

Ledger wraps a Store with the typed assignment API the coordinator uses:
write-through saves, agent and task lookup, reversion counters, and the
dependency inference cache.
*/
package ledger
