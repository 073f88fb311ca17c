// Package webhook receives gateway message events.
//
// The HTTP handler acknowledges every delivery before looking at it. The
// Router then resolves which connected channel a message belongs to,
// deduplicates it (an in-memory seen cache in front of the store's unique
// message key), opens or updates the chat's session and hands contact
// messages to a Dispatcher. Messages of one chat are processed one at a time
// in the order they were delivered.
package webhook
