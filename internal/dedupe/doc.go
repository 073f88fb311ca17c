// Package dedupe claims webhook delivery keys so a message redelivered by the
// gateway within a short window is handled once.
//
// The cache is a fast in-process filter. The store's unique
// (session_id, external_id) index remains the durable guarantee.
package dedupe
