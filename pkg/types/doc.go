/*
Package types defines the shared data model for Marcus task coordination.

All components exchange these types: board tasks and patches, registered
agents, dependency edges with inference provenance, durable assignment
records, and the error taxonomy used across tool handlers.

The types here are plain data with JSON tags matching the persisted layout.
Behavior lives in the component packages (graph, matcher, lease, monitor);
this package only carries small pure helpers such as PriorityScore and
ClassOrder so scoring weights stay in one place.
*/
package types
