// Package transport provides the TCP transport of the DA protocol.
//
// The transport layer handles:
//   - TCP connections between clients and the simulation server
//   - Length-prefixed message framing
//   - Per-connection identifiers for protocol logging
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      CBOR Messages             │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// Frames carry a 4-byte big-endian length followed by the payload. Payloads
// larger than MaxMessageSize (1 MiB by default) are rejected on both sides.
package transport
