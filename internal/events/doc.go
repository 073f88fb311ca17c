// Package events publishes relay domain events.
//
// Events are wrapped in an Envelope carrying an ID, type, time and tenant,
// and published to a RabbitMQ topic exchange with the event type as routing
// key. Nop is used when no broker is configured; Recorder keeps events in
// memory for tests.
package events
