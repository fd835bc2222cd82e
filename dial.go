package betanet

import (
	"context"
	"io"
	"time"

	"github.com/opd-ai/betanet/mux"
	"github.com/opd-ai/betanet/noise"
	"github.com/sirupsen/logrus"
)

// HandshakeTimeout bounds how long Dial and Accept wait for the Noise
// handshake to complete before giving up.
const HandshakeTimeout = 30 * time.Second

// Session is an established, multiplexed transport connection. Use
// OpenStream to create outbound substreams and AcceptStream to receive
// ones the peer opens; Close tears the whole connection down.
type Session struct {
	mux    *mux.Session
	ctrl   mux.Control
	Remote [32]byte
}

// OpenStream opens a new outbound substream and returns it once the driver
// has assigned an id and sent the OPEN frame to the peer.
func (s *Session) OpenStream(ctx context.Context) (*mux.Substream, error) {
	return s.ctrl.OpenStream(ctx)
}

// AcceptStream blocks until the peer opens a substream.
func (s *Session) AcceptStream(ctx context.Context) (*mux.Substream, error) {
	return s.mux.AcceptStream(ctx)
}

// Close shuts the session down, closing every substream and the underlying
// stream.
func (s *Session) Close() error {
	return s.ctrl.Close()
}

// Done returns a channel closed once the session has finished shutting
// down, whether via Close or a fatal transport error.
func (s *Session) Done() <-chan struct{} {
	return s.mux.Done()
}

// Dial performs a Noise XK handshake as the initiator over stream, then
// starts a multiplexed Session on top of it. remotePub is the responder's
// static public key, obtained out of band.
func Dial(ctx context.Context, stream io.ReadWriter, localPriv, remotePub [32]byte) (*Session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	transport, err := noise.Initiate(hsCtx, stream, localPriv, remotePub)
	if err != nil {
		return nil, newConnectionError("dial", err)
	}

	logrus.WithFields(logrus.Fields{"package": "betanet", "role": "dialer"}).Debug("handshake complete, starting session")

	muxSession := mux.NewSession(stream, transport, true)
	go muxSession.Serve()

	return &Session{mux: muxSession, ctrl: muxSession.Control(), Remote: transport.RemoteStatic}, nil
}
