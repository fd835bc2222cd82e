package noise

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	flynnnoise "github.com/flynn/noise"
	"github.com/opd-ai/betanet/crypto"
	"github.com/sirupsen/logrus"
)

// Prologue is mixed into the handshake transcript before any message is
// exchanged, binding both peers to this protocol.
const Prologue = "betanet-noise-xk"

// MaxHandshakeMessage is the largest handshake message the 2-byte length
// prefix can carry.
const MaxHandshakeMessage = 65535

// HandshakeFailReason classifies why a handshake did not produce a Transport.
type HandshakeFailReason int

const (
	// ReasonTruncated means the stream closed before the handshake finished.
	ReasonTruncated HandshakeFailReason = iota
	// ReasonOversize means a framed message exceeded MaxHandshakeMessage.
	ReasonOversize
	// ReasonBadMAC means a message failed to decrypt or authenticate.
	ReasonBadMAC
	// ReasonPeerNotAuthorized means the authenticated remote static key did
	// not satisfy the caller's policy.
	ReasonPeerNotAuthorized
	// ReasonTimeout means the handshake deadline elapsed before completion.
	ReasonTimeout
)

func (r HandshakeFailReason) String() string {
	switch r {
	case ReasonTruncated:
		return "truncated"
	case ReasonOversize:
		return "oversize"
	case ReasonBadMAC:
		return "bad_mac"
	case ReasonPeerNotAuthorized:
		return "peer_not_authorized"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// HandshakeError reports a fatal handshake failure. It is always terminal:
// the stream and any partial handshake state must be discarded.
type HandshakeError struct {
	Reason HandshakeFailReason
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("noise: handshake failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("noise: handshake failed (%s)", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func fail(reason HandshakeFailReason, err error) error {
	return &HandshakeError{Reason: reason, Err: err}
}

// PeerAuthorizer decides whether an authenticated remote static key is
// acceptable. Respond calls it only after the initiator's key has been
// cryptographically verified; the check here is policy, not cryptography.
type PeerAuthorizer func(remoteStatic [32]byte) error

// ExpectedPeer returns a PeerAuthorizer that accepts exactly one public key,
// compared in constant time.
func ExpectedPeer(pub [32]byte) PeerAuthorizer {
	return func(remoteStatic [32]byte) error {
		if subtle.ConstantTimeCompare(pub[:], remoteStatic[:]) != 1 {
			return errors.New("noise: remote static key does not match expected peer")
		}
		return nil
	}
}

// AnyPeer accepts any authenticated remote static key. Useful for trust-on-
// first-use deployments that record the key after the fact.
func AnyPeer() PeerAuthorizer {
	return func([32]byte) error { return nil }
}

// Transport holds the bidirectional AEAD state produced by a successful
// handshake, plus the remote peer's verified static public key.
type Transport struct {
	send         *flynnnoise.CipherState
	recv         *flynnnoise.CipherState
	RemoteStatic [32]byte
}

// Encrypt authenticates and encrypts plaintext, appending the result to out.
// The nonce is managed internally and increases monotonically; callers must
// not keep using a Transport past a nonce overflow.
func (t *Transport) Encrypt(out, plaintext []byte) ([]byte, error) {
	return t.send.Encrypt(out, nil, plaintext)
}

// Decrypt authenticates and decrypts ciphertext, appending the plaintext to
// out. An error here means the channel is no longer trustworthy and the
// session must be torn down.
func (t *Transport) Decrypt(out, ciphertext []byte) ([]byte, error) {
	return t.recv.Decrypt(out, nil, ciphertext)
}

func cipherSuite() flynnnoise.CipherSuite {
	return flynnnoise.NewCipherSuite(flynnnoise.DH25519, flynnnoise.CipherChaChaPoly, flynnnoise.HashBLAKE2s)
}

func newHandshakeState(localPriv [32]byte, remotePub *[32]byte, initiator bool) (*flynnnoise.HandshakeState, error) {
	kp, err := crypto.FromSecretKey(localPriv)
	if err != nil {
		return nil, fmt.Errorf("derive static keypair: %w", err)
	}

	staticKey := flynnnoise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, kp.Private[:])
	copy(staticKey.Public, kp.Public[:])

	cfg := flynnnoise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       flynnnoise.HandshakeXK,
		Initiator:     initiator,
		Prologue:      []byte(Prologue),
		StaticKeypair: staticKey,
	}
	if remotePub != nil {
		cfg.PeerStatic = append([]byte(nil), remotePub[:]...)
	}
	return flynnnoise.NewHandshakeState(cfg)
}

// Initiate performs the three-message XK handshake as the initiator, who
// already knows the responder's static public key. It blocks until the
// handshake completes, fails, or ctx is done.
func Initiate(ctx context.Context, stream io.ReadWriter, localPriv, remotePub [32]byte) (*Transport, error) {
	log := logrus.WithFields(logrus.Fields{"package": "noise", "role": "initiator"})

	hs, err := newHandshakeState(localPriv, &remotePub, true)
	if err != nil {
		return nil, fail(ReasonBadMAC, err)
	}

	// Message 1: -> e, es
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fail(ReasonBadMAC, err)
	}
	if err := writeFramed(ctx, stream, msg1); err != nil {
		return nil, err
	}

	// Message 2: <- e, ee
	msg2, err := readFramed(ctx, stream)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, fail(ReasonBadMAC, err)
	}

	// Message 3: -> s, se (completes the handshake for the initiator)
	msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fail(ReasonBadMAC, err)
	}
	if err := writeFramed(ctx, stream, msg3); err != nil {
		return nil, err
	}
	if cs1 == nil || cs2 == nil {
		return nil, fail(ReasonBadMAC, errors.New("handshake did not complete after message 3"))
	}

	log.Debug("handshake complete")
	return &Transport{send: cs1, recv: cs2, RemoteStatic: remotePub}, nil
}

// Respond performs the three-message XK handshake as the responder, who
// learns the initiator's static public key during message 3. The learned
// key is checked against authorize before a Transport is returned.
func Respond(ctx context.Context, stream io.ReadWriter, localPriv [32]byte, authorize PeerAuthorizer) (*Transport, error) {
	log := logrus.WithFields(logrus.Fields{"package": "noise", "role": "responder"})

	hs, err := newHandshakeState(localPriv, nil, false)
	if err != nil {
		return nil, fail(ReasonBadMAC, err)
	}

	// Message 1: <- e, es
	msg1, err := readFramed(ctx, stream)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fail(ReasonBadMAC, err)
	}

	// Message 2: -> e, ee
	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fail(ReasonBadMAC, err)
	}
	if err := writeFramed(ctx, stream, msg2); err != nil {
		return nil, err
	}

	// Message 3: <- s, se (completes the handshake for the responder)
	msg3, err := readFramed(ctx, stream)
	if err != nil {
		return nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, fail(ReasonBadMAC, err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, fail(ReasonBadMAC, errors.New("handshake did not complete after message 3"))
	}

	var remoteStatic [32]byte
	peer := hs.PeerStatic()
	if len(peer) != 32 {
		return nil, fail(ReasonBadMAC, errors.New("responder did not learn a 32-byte initiator static key"))
	}
	copy(remoteStatic[:], peer)

	if authorize == nil {
		return nil, fail(ReasonPeerNotAuthorized, errors.New("noise: no PeerAuthorizer supplied"))
	}
	if err := authorize(remoteStatic); err != nil {
		return nil, fail(ReasonPeerNotAuthorized, err)
	}

	log.Debug("handshake complete")
	// flynn/noise hands both sides the same (cs1, cs2) pair: cs1 carries
	// initiator-to-responder traffic and cs2 responder-to-initiator. The
	// initiator therefore sends on cs1; the responder swaps the pair here so
	// it sends on cs2 and receives on cs1.
	return &Transport{send: cs2, recv: cs1, RemoteStatic: remoteStatic}, nil
}

// readFramed reads a 2-byte big-endian length prefix followed by that many
// bytes, respecting ctx cancellation.
func readFramed(ctx context.Context, r io.Reader) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			done <- result{nil, fail(ReasonTruncated, err)}
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				done <- result{nil, fail(ReasonTruncated, err)}
				return
			}
		}
		done <- result{buf, nil}
	}()

	select {
	case res := <-done:
		return res.buf, res.err
	case <-ctx.Done():
		return nil, fail(ReasonTimeout, ctx.Err())
	}
}

// writeFramed writes payload prefixed with its 2-byte big-endian length.
func writeFramed(ctx context.Context, w io.Writer, payload []byte) error {
	if len(payload) > MaxHandshakeMessage {
		return fail(ReasonOversize, fmt.Errorf("message length %d exceeds %d", len(payload), MaxHandshakeMessage))
	}

	done := make(chan error, 1)
	go func() {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			done <- fail(ReasonTruncated, err)
			return
		}
		if len(payload) > 0 {
			if _, err := w.Write(payload); err != nil {
				done <- fail(ReasonTruncated, err)
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fail(ReasonTimeout, ctx.Err())
	}
}
