// Package bridge implements session.Client on top of a protocol sidecar reached over
// WebSocket (subprotocol waplex.bridge.v1, CBOR frames).
//
// One Client owns at most one connection at a time. A reader goroutine translates sidecar
// envelopes into session events and mirrors credential updates into the session directory;
// a heartbeat goroutine pings the sidecar and drops the connection after repeated failures.
package bridge
