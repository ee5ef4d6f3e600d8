// Package payments is the inbound webhook boundary for payment provider
// events.
//
// Every request is verified against the provider's shared secret before
// anything else looks at the body: a bad or missing signature is a 400
// and the event is never processed. The signature header carries a signed
// timestamp, bounding replays to the configured tolerance window.
//
// Event handling itself is an optional capability. Deployments that wire
// no Handler still verify and reject traffic correctly, answering with an
// explicit "not configured" status instead of pretending to accept.
package payments
