// Package profile models a tenant's reply profile.
//
// Profiles are stored as JSON in one of two shapes. The current shape nests
// scenarios under "flow"; the legacy shape is a flat set of fields. Parse
// returns a Document tagged with its Kind, and Migrate converts either shape
// to a Profile without touching the stored bytes.
package profile
