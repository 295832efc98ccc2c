// Package v1 defines the waplex bridge protocol v1 contract.
//
// The bridge protocol runs between a waplex session handle and the protocol sidecar that
// speaks the messaging network's wire protocol. One WebSocket connection carries exactly one
// session. Frames are binary and CBOR-encoded with core deterministic encoding so both
// sides produce identical bytes for identical envelopes.
//
// This package is intentionally stable and dependency-light.
package v1
