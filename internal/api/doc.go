// Package api provides the HTTP REST API and WebSocket server for the
// Meross bridge.
//
// It exposes the device registry, per-device diagnostics, a raw protocol
// request endpoint, and a WebSocket stream of state updates to clients
// (dashboards, automation controllers).
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// All routes under /api/v1 except /health require a JWT bearer token
// signed with the configured secret. WebSocket clients pass the token as
// a query parameter since browsers cannot set headers on upgrade requests.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
