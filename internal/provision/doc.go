// Package provision drives a tenant's channel from creation to ready-to-pair.
//
// Provision runs the gateway create and fund calls and stores the channel as
// pending before returning. Waiting for the gateway to report the channel
// ready happens in a background Attempt, which Cancel, DeleteChannel and
// Shutdown stop cooperatively. Gateway work that the relay will not track is
// undone with compensating deletes.
package provision
