// Package noise implements the mutual-authentication handshake that
// elevates a raw byte stream into a confidential, integrity-protected
// channel.
//
// It drives a single pattern, `Noise_XK_25519_ChaChaPoly_BLAKE2s`, using
// the formally verified github.com/flynn/noise library for the underlying
// symmetric-state machine. XK fits the peer model this package assumes:
// the initiator already knows the responder's long-term static public key
// (supplied out of band), while the responder learns — and must verify —
// the initiator's static key during the exchange itself.
//
// # Message flow
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e, es
//	                                        <- e, ee
//	-> s, se
//	[session established — 3 messages total]
//
// Every message is framed with a 2-byte big-endian length prefix capped at
// 65535 bytes; that framing exists only for the handshake and is discarded
// once [Initiate] or [Respond] returns a [Transport]. All subsequent
// traffic is framed by package mux and decrypted through the Transport's
// AEAD states.
//
// # Prologue
//
// Both sides mix the literal 16 bytes "betanet-noise-xk" into the
// handshake transcript before the first message, binding the session to
// this protocol and preventing cross-protocol confusion with unrelated
// Noise-based wire formats.
//
// # Responder authentication
//
// Unlike a bare Noise XK responder, [Respond] always checks the
// authenticated initiator static key it learns in message 3 against a
// caller-supplied [PeerAuthorizer] before returning a Transport. A mismatch
// fails the handshake with reason ReasonPeerNotAuthorized. Noise's
// cryptographic authentication alone only proves the initiator controls
// *some* Curve25519 private key; this check additionally requires it be
// the expected one.
//
// # Single use
//
// A handshake is a value, not a session: [Initiate] and [Respond] consume
// the stream and either return a [Transport] or an error. There is no
// partial-handshake type exposed to callers, so there is nothing to
// accidentally re-enter after success or failure.
package noise
