package betanet

import (
	"context"
	"io"

	"github.com/opd-ai/betanet/mux"
	"github.com/opd-ai/betanet/noise"
	"github.com/sirupsen/logrus"
)

// Accept performs a Noise XK handshake as the responder over stream, then
// starts a multiplexed Session on top of it. authorize is checked against
// the initiator's static key once it is learned during the handshake;
// pass noise.AnyPeer() to accept any authenticated peer.
func Accept(ctx context.Context, stream io.ReadWriter, localPriv [32]byte, authorize noise.PeerAuthorizer) (*Session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	transport, err := noise.Respond(hsCtx, stream, localPriv, authorize)
	if err != nil {
		return nil, newConnectionError("accept", err)
	}

	logrus.WithFields(logrus.Fields{"package": "betanet", "role": "listener"}).Debug("handshake complete, starting session")

	muxSession := mux.NewSession(stream, transport, false)
	go muxSession.Serve()

	return &Session{mux: muxSession, ctrl: muxSession.Control(), Remote: transport.RemoteStatic}, nil
}
