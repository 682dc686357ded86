// Package analytics contains transports implementing the vitals.Analytics capability.
//
// MeasurementProtocol posts events to the GA4 Measurement Protocol in batches, NATSPublisher
// publishes each command on a NATS subject, and Fanout combines transports.
package analytics
