/*
Package registry is the registry service: the validation and
reconciliation layer that sits between a transport (pkg/api) and the raw
persistence layer (pkg/catalog), acting as a validating proxy in front
of the raw repository.

Every operation here authorizes through pkg/visibility before touching
the catalog, rejects reserved property names and readonly attributes on
create, and reconciles properties/tags/memberships as a single
transaction via pkg/catalog's own reconciliation helpers. It never talks
to the object store directly; pkg/lifecycle is the layer that
orchestrates a registry Service together with pkg/store to implement
the upload/download state machine.
*/
package registry
