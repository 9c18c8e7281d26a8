/*
Package registry holds the plug-in tables of the activity pipeline:
activity types (aggregation pivots and per-stream routing), entity types
(producers, per-format transformers, propagation policies), named
associations and stream types.

Domain modules populate the registry during startup; Seal freezes the
tables before the pipeline accepts activity, so every later lookup sees an
immutable configuration. Absent entity-type members fall back to defaults:
the producer echoes the seed's resourceData, the transformer reduces an
entity to {objectType, oae:id} and propagation admits only the entity's own
produced routes.
*/
package registry
