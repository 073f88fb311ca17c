// Package compose builds reply instructions and delivers automated replies.
//
// BuildInstructions is a pure function of the reply profile, the matched
// scenario, the tenant's knowledge entries and the channel overrides. The
// Composer passes those instructions and the recent conversation to a
// completion provider, converts the markdown answer to chat formatting and
// sends it through the gateway.
package compose
