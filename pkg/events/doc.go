/*
Package events is a small in-process pub/sub broker used to fan out
lifecycle notifications without coupling the lifecycle controller or
scrubber to whatever eventually consumes them (a metrics exporter, an
audit log, a message queue shim).

	lifecycle.Controller ──Publish(image.send)──▶ Broker ──▶ subscriber 1
	scrubber.Scrubber     ──Publish(image.deleted)──┘          subscriber 2

Delivery is fire-and-forget: Publish never blocks on a slow
subscriber — each Subscriber channel has its own bounded buffer, and a
full buffer drops the event rather than stalling the publisher.
*/
package events
