/*
Package types defines the data model of the activity pipeline: activity
seeds submitted by domain code, produced entities, routes, routed
activities, aggregate keys and statuses, feeds and the typed errors the
pipeline surfaces.

Entities are loose maps (objectType, oae:id plus producer payload) because
their shape belongs to the domain modules that register producers and
transformers; the pipeline only reads the well-known properties defined
here.
*/
package types
