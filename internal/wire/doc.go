// Package wire defines the frames exchanged between herald nodes, the
// Registration Service, and client front-ends, together with a strict codec
// and a small TCP transport.
//
// # Frame Layout
//
// Every frame is a fixed binary header followed by a JSON body:
//
//	┌──────────────┬──────────────┬────────┬─────────────────────┐
//	│ HeaderLength │ TotalLength  │  Kind  │  JSON body          │
//	│   uint16 BE  │  uint32 BE   │ uint8  │  TotalLength - 7 B  │
//	└──────────────┴──────────────┴────────┴─────────────────────┘
//
// TotalLength covers the header and the body and may not exceed MaxFrameSize.
//
// # Decoding
//
// Decoding never interprets frame content as anything but data. A frame is
// rejected with a *ProtocolError when the header is short or inconsistent,
// the kind is unknown, the body has unknown fields or trailing bytes, or the
// message violates the schema of its kind. Callers drop the connection on a
// ProtocolError and carry on.
//
// # Transport
//
// Transport opens one connection per message (Send) or per request/response
// exchange (Request). Dial failures are reported as *PeerDownError so the
// election and broker can skip a crashed peer for the current operation.
package wire
