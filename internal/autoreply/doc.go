// Package autoreply answers contact messages on behalf of a tenant.
//
// It is the Dispatcher behind the webhook router: for each recorded contact
// message it loads the tenant's reply profile, asks the gate whether to
// reply, and then either composes a reply, sends a notice, or pauses the
// session for a person to take over.
package autoreply
