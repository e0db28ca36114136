// Package scrubber implements the Scrubber: a background worker
// that periodically drains catalog rows sitting in pending_delete,
// invoking the Object-Store Dispatcher's delete on every location and
// finally completing the pending_delete → deleted transition.
//
// It runs as a ticker-driven loop guarded by a single mutex so at most
// one cycle runs at a time, with a metrics.Timer wrapping each cycle
// and per-item error handling that logs and continues rather than
// aborting the whole sweep. It additionally bounds per-image retries,
// since an image stuck failing to delete from a backend must not retry
// forever.
package scrubber
