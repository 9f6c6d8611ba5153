// Package internal contains the core implementation packages for livegate.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - config: Configuration loading, validation, snapshots and hot reload
//   - errors: Typed GateError values shared by every package
//   - logging: Structured logging over log/slog with rotating file output
//   - security: Admission gates, rate limits, IP reputation and the audit log
//   - gateway: WebSocket transport, session registry and event routing
//   - throttle: Per-key event coalescing and priority-based delivery
//   - admin: Operator HTTP API and the Prometheus endpoint
//   - version: Build information
//
// # Request Flow
//
// A WebSocket handshake passes the security connection gate before the
// upgrade. Each inbound frame then passes the event gate and reaches a
// gateway Handler with its sanitized payload. Outbound domain events go
// through the throttle Distributor, which holds low priority events for
// coalescing and delivers critical ones immediately.
//
// # Security Considerations
//
//   - Every gate fails closed; an internal fault rejects the request
//   - Security settings are immutable snapshots swapped atomically
//   - Every rejection is recorded in the audit log
//   - Transport errors name only the category, never the detail
package internal
