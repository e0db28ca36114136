/*
Package types defines the core data structures shared across the registry.

This package contains the domain model the catalog persists: images and
their properties, tags, locations and memberships, plus the RequestContext
that accompanies every operation. These types carry no I/O; the catalog,
visibility and lifecycle packages operate on them.

# Core Types

Image:
  - Image: the central catalog record (identity, format, size, checksum,
    ownership, visibility, protection, timestamps)
  - Property: a user-defined key/value pair attached to one image
  - Tag: a short string label attached to one image
  - Location: a URL (plus opaque driver hints) where a body can be fetched
  - Membership: a sharing grant from an image's owner to another tenant

Status:
  - Status and the fixed set of values an image may take across its
    lifetime (queued, saving, active, killed, pending_delete, deleted)

Context:
  - RequestContext: the security principal accompanying every operation

# Thread Safety

Values in this package carry no internal synchronization. Callers that
share a *Image (or similar) across goroutines are responsible for their
own locking; the catalog package takes a row-level lock per image for the
duration of a single transaction and otherwise treats these as plain data.
*/
package types
