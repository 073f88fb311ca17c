// Package gatewayclient adapts the external messaging gateway to the relay.
//
// The gateway exposes two APIs: a manager API, authenticated with the partner
// token, that creates, funds and deletes channels; and a gate API,
// authenticated with each channel's own token, for health, pairing QR,
// webhook settings and sending.
//
// Every error wraps one of ErrUnavailable, ErrRejected, ErrNotFound or
// ErrAlreadyAuthenticated, so callers decide with errors.Is:
//
//	if errors.Is(err, gatewayclient.ErrUnavailable) {
//	    // keep the local state and try again on the next poll
//	}
package gatewayclient
