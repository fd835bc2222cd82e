// Package mux multiplexes many independent, ordered byte streams over a
// single encrypted connection established by package noise.
//
// # Frame format
//
// Every frame on the wire carries a 9-byte header followed by up to
// MaxFrameLength bytes of payload:
//
//	stream_id(4) flags(1) length(4)
//
// Flags is a non-exclusive bitmask, but OPEN and RST frames must carry a
// zero-length payload, and OPEN must not co-occur with DATA or FIN in the
// same frame; DecodeFrame rejects violations as a ProtocolError. Stream id 0
// is reserved and never assigned to a substream.
//
// # Id parity
//
// The side that dialed the connection opens odd-numbered substreams
// starting at 1; the side that accepted it opens even-numbered substreams
// starting at 2. Neither side needs to coordinate id assignment with the
// other.
//
// # Flow control
//
// Each substream starts with InitialWindow bytes of credit in each
// direction. A receiver that lets its unclaimed credit drop below half of
// InitialWindow sends a window update so the sender does not stall.
//
// # Ownership
//
// A Session is driven by exactly one goroutine (see Session.Serve). All other
// access goes through a Control handle, whose methods enqueue a command and
// wait for the driver to act on it. This mirrors how a single-writer event
// loop avoids the lock contention a shared mutex would otherwise need.
package mux
