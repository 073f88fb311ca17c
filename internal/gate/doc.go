// Package gate decides whether an inbound message gets an automated reply.
//
// Evaluate checks, in order: an active human takeover, an expired takeover
// (cleared, then evaluation continues), the tenant's schedule, and finally the
// scenario match. With no match the profile's fallback mode applies: reply in
// the default style, or hand the chat to a person with a notice.
//
// Scenario matching is delegated to a Matcher; the rest is deterministic for
// a given session, profile and clock.
package gate
