// Package server assembles the relay process.
//
// New wires the SQLite store, the gateway client, the completion provider and
// the event publisher from configuration, then builds the provisioning
// orchestrator, the status reconciler, the reply gate and composer and the
// webhook router on top of them. One HTTP mux carries the health endpoints,
// the gateway webhook and the tenant-scoped operator API under /api.
//
// Run listens on plain TCP or, when tailscale is enabled, on the tailnet via
// tsnet. With Funnel on and no public_url configured, the webhook address is
// taken from the node's DNS name once the tailnet is up.
package server
