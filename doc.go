// Package betanet composes package noise and package mux into a single
// authenticated, encrypted, stream-multiplexed transport over any
// io.ReadWriter.
//
// Dial performs a Noise XK handshake as the initiator and returns a Session
// ready to open substreams. Accept performs the handshake as the responder,
// checking the connecting peer's static key against a caller-supplied
// policy before a Session is handed back.
//
// Callers that need direct access to the handshake or the multiplexer can
// use package noise and package mux themselves; this package only wires
// the common path together.
package betanet
