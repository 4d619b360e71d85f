// Package api implements the bridge's local HTTP API. There is no
// authentication; bind it to a trusted interface.
//
// # Routes
//
//	GET  /api/v1/health                 liveness, MQTT and PC-link state
//	GET  /api/v1/status                 runtime and frame counters
//	GET  /api/v1/modules                configured modules with known outputs
//	GET  /api/v1/modules/{id}           one module
//	POST /api/v1/modules/{id}/command   on/off/set/read, answers with the ack
//	POST /api/v1/refresh                request outputs of every module
//	GET  /api/v1/frames?limit=N         recorded frame log, newest first
//	GET  /api/v1/addresses              addresses seen on the bus
//	GET  /api/v1/ws                     live frames, buttons and lines
//	GET  /metrics                       Prometheus exposition
//
// # Commands
//
// A command answers with the acknowledgment the bridge also publishes on
// MQTT. Failed acknowledgments map to HTTP status: NOT_CONFIGURED 404,
// INVALID_COMMAND and INVALID_PARAMETERS 400, DEVICE_UNREACHABLE 503 and
// BRIDGE_ERROR 500.
//
// # WebSocket
//
// Clients send {"type":"subscribe","payload":{"channels":["frames"]}} and
// may add "addresses":["C9A5"] to receive frames of those modules only.
// Events that do not fit a slow client's buffer are dropped and counted in
// /api/v1/status.
//
// # Graceful Degradation
//
// Without a PC-link, reads and the WebSocket feed still work and commands
// fail with DEVICE_UNREACHABLE. Without frame recording, /frames and
// /addresses answer 503.
package api
