/*
Package api implements the pulse HTTP front end: the WebSocket push
endpoint, event ingestion and the health and metrics endpoints.

# Endpoints

	GET  /ws                 WebSocket, authenticated with a bearer token
	                         or the access_token query parameter
	POST /api/v1/events      record an analytics event (rate limited)
	GET  /api/v1/events      query the caller's or an owned business's events
	GET  /health             component health, 503 when a component is down
	GET  /health/snapshot    snapshot scheduler status
	GET  /ready              readiness of the critical components
	GET  /live               liveness
	GET  /metrics            prometheus

# Connection lifecycle

	  client ──GET /ws──► Resolve token ──fail──► 401
	                          │
	                          ▼
	                  registry.Acquire ──timeout──► 503
	                          │
	                          ▼
	                      Upgrade, join user:{id}
	                          │
	           ┌──────────────┴──────────────┐
	           ▼                             ▼
	      read loop                     write loop
	   Touch + control msgs         drains conn.Send()
	           │                             │
	           └──────────► Release ◄────────┘
	                  LeaveAll, push.Remove
	                  on last connection

A connection has exactly one writer goroutine. Replies (pong) and pushes
both go through the connection buffer, so a slow client only loses its
own messages.

# Control messages

Clients send JSON text frames:

	{"type":"join","topic":"business:42:user:7"}
	{"type":"leave","topic":"business:42:user:7"}
	{"type":"set_refresh_interval","seconds":10}
	{"type":"ping"}

Only ping is answered. Malformed or unauthorized messages are logged,
counted in pulse_control_messages_total and otherwise ignored. Joining
a business topic requires the Entitlements collaborator to confirm
ownership.
*/
package api
