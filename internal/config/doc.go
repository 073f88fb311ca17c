// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// The file is YAML unless its name ends in .toml. The path comes from the
// --config flag, falling back to the RELAY_CONFIG environment variable and
// then ./config.yaml.
//
// # Environment Variables
//
// Values can reference environment variables, expanded before parsing:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// After parsing, RELAY_* variables override individual fields (see the env
// tags on each struct), so secrets can stay out of the file entirely.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  provision_timeout: "120s"
//	  poll_interval: "2s"
//	webhook:
//	  dedupe_ttl: "10m"
//
// # Configuration Sections
//
//	server:      http_addr, public_url (webhook callback base)
//	tailscale:   enabled, hostname, auth_key, state_dir, ephemeral, funnel
//	database:    path (SQLite file)
//	auth:        jwt_secret (operator tokens, at least 32 bytes)
//	gateway:     manager_url, gate_url, partner_token, channel_validity_days,
//	             provision_timeout, poll_interval, request_timeout
//	webhook:     path, dedupe_ttl, dedupe_size, max_body_bytes
//	completion:  provider (anthropic|openai), api_key, base_url, model,
//	             max_tokens, history_limit
//	events:      amqp_url (empty disables publishing), exchange
//	logging:     level (debug|info|warn|error), format (text|json)
package config
