// Package reconcile keeps stored channel status in line with the gateway.
//
// Status is only checked when a caller asks: the operator UI polls
// CheckStatus and GetQR. Status changes are compare-and-swap writes, so
// concurrent checks cannot move a channel backwards, and the webhook callback
// is registered at most once per channel, retried on later checks when it
// fails.
package reconcile
