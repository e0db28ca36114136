/*
Package health provides reusable HTTP reachability checks, plus a
Status type tracking consecutive failures/successes against a threshold
before flipping healthy/unhealthy.

In this service the lifecycle controller uses them on download: it
probes an http-scheme Location's URL before streaming from it and keeps
a Status per location, so a replica that keeps failing is marked
LocationStatusFailed and skipped without being removed. The catalog
does not use this package; its Store.Ping is a plain database/sql
query, and nothing calls it on connection checkout.
*/
package health
