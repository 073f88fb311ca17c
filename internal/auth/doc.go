// Package auth authenticates operators calling the relay's HTTP API.
//
// # Tokens
//
// Operators present HS256 JWTs signed with auth.jwt_secret:
//
//	Authorization: Bearer <token>
//
// Claims:
//   - sub: operator id, recorded as the actor of audit entries
//   - tenant_id: the tenant the operator manages (required for operators)
//   - role: "operator" (default) or "admin"
//
// Admin tokens may omit tenant_id and select a tenant per request with the
// X-Tenant-ID header.
//
// Tokens are minted with the CLI:
//
//	coven-relay token --tenant acme --subject alice --ttl 720h
//
// # Middleware
//
//	HTTPAuthMiddleware(verifier, logger) // verifies and attaches AuthContext
//	RequireAdminHTTP()                  // admin-only routes
//
// Handlers read the operator with FromContext and check resource ownership
// with CanAccessTenant.
package auth
