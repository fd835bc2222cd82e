package mux

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// aeadTransport is the minimal interface Session needs from a completed
// Noise handshake. It is satisfied by *noise.Transport; defining it here
// keeps this package from depending on noise's concrete type and makes the
// driver trivially testable with a fake cipher.
type aeadTransport interface {
	Encrypt(out, plaintext []byte) ([]byte, error)
	Decrypt(out, ciphertext []byte) ([]byte, error)
}

// command is the set of requests a Control handle can enqueue for the
// driver goroutine to act on. Only the driver ever touches Session's
// substream table; every other goroutine reaches it through these.
type command interface{ isCommand() }

type cmdOpenStream struct {
	result chan openResult
}

func (cmdOpenStream) isCommand() {}

type openResult struct {
	stream *Substream
	err    error
}

type cmdCloseSession struct {
	done chan error
}

func (cmdCloseSession) isCommand() {}

type cmdCreditConsumed struct {
	streamID uint32
	n        uint32
}

func (cmdCreditConsumed) isCommand() {}

type cmdWriteChunk struct {
	streamID uint32
	data     []byte
	fin      bool
	done     chan error
}

func (cmdWriteChunk) isCommand() {}

type cmdResetStream struct {
	streamID uint32
	code     ResetCode
	done     chan error
}

func (cmdResetStream) isCommand() {}

// Session is a single multiplexed connection. It is driven by exactly one
// goroutine started with Serve; all other interaction happens through
// Control or a Substream returned by OpenStream/AcceptStream.
type Session struct {
	conn        io.ReadWriter
	transport   aeadTransport
	initiator   bool
	maxFrameLen uint32
	openTimeout func() <-chan struct{}

	cmdCh    chan command
	acceptCh chan *Substream

	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}

	log *logrus.Entry
}

// cmdQueueCapacity bounds the MPSC command queue shared by every Control
// handle cloned from a Session.
const cmdQueueCapacity = 32

// NewSession wraps an established Transport and the stream it runs over
// into a multiplexed Session. initiator determines substream id parity:
// true assigns odd ids starting at 1, false assigns even ids starting at 2.
// Call Serve in its own goroutine to start driving the session.
func NewSession(conn io.ReadWriter, transport aeadTransport, initiator bool) *Session {
	return &Session{
		conn:        conn,
		transport:   transport,
		initiator:   initiator,
		maxFrameLen: MaxFrameLength,
		cmdCh:       make(chan command, cmdQueueCapacity),
		acceptCh:    make(chan *Substream, cmdQueueCapacity),
		doneCh:      make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"package":   "mux",
			"initiator": initiator,
		}),
	}
}

// Control is a cloneable handle for interacting with a Session from any
// goroutine. Its methods never touch Session state directly; they enqueue a
// command and wait for the driver to process it.
type Control struct {
	session *Session
}

// Control returns a new handle bound to this session. Control values are
// cheap and safe to share across goroutines.
func (s *Session) Control() Control { return Control{session: s} }

// OpenStream asks the driver to allocate and open a new substream. It
// blocks until the driver assigns an id and sends the OPEN frame, the
// session closes, ctx is done, or OpenTimeout elapses (ErrTimeout).
func (c Control) OpenStream(ctx context.Context) (*Substream, error) {
	timer := time.NewTimer(OpenTimeout)
	defer timer.Stop()

	result := make(chan openResult, 1)
	select {
	case c.session.cmdCh <- cmdOpenStream{result: result}:
	case <-c.session.doneCh:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}

	select {
	case res := <-result:
		return res.stream, res.err
	case <-c.session.doneCh:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// AcceptStream returns the next substream opened by the peer. It blocks
// until one arrives, the session closes, or ctx is done.
func (s *Session) AcceptStream(ctx context.Context) (*Substream, error) {
	select {
	case stream, ok := <-s.acceptCh:
		if !ok {
			return nil, ErrSessionClosed
		}
		return stream, nil
	case <-s.doneCh:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close asks the driver to shut the session down, closing every substream
// and the underlying stream. It is idempotent.
func (c Control) Close() error {
	done := make(chan error, 1)
	select {
	case c.session.cmdCh <- cmdCloseSession{done: done}:
	case <-c.session.doneCh:
		return c.session.waitErr()
	}

	select {
	case err := <-done:
		return err
	case <-c.session.doneCh:
		return c.session.waitErr()
	}
}

// Done returns a channel closed once the session's driver loop has exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) waitErr() error {
	<-s.doneCh
	return s.closeErr
}

// creditConsumed tells the driver that n application-read bytes freed up
// receive credit on streamID, which may trigger a window-update frame.
func (s *Session) creditConsumed(streamID uint32, n uint32) {
	select {
	case s.cmdCh <- cmdCreditConsumed{streamID: streamID, n: n}:
	case <-s.doneCh:
	}
}

// enqueueWrite is called by Substream.Write to hand a chunk to the driver
// for framing and scheduling.
func (s *Session) enqueueWrite(streamID uint32, data []byte, fin bool, done chan error) {
	select {
	case s.cmdCh <- cmdWriteChunk{streamID: streamID, data: data, fin: fin, done: done}:
	case <-s.doneCh:
		done <- ErrSessionClosed
	}
}

// resetStream is called by Substream.Reset to ask the driver to emit an
// RST frame and drop the stream's local state.
func (s *Session) resetStream(streamID uint32, code ResetCode, done chan error) {
	select {
	case s.cmdCh <- cmdResetStream{streamID: streamID, code: code, done: done}:
	case <-s.doneCh:
		done <- ErrSessionClosed
	}
}

func (s *Session) nextLocalID(current uint32) (uint32, error) {
	if current == 0 {
		if s.initiator {
			return 1, nil
		}
		return 2, nil
	}
	next := current + 2
	if next < current {
		return 0, &ProtocolError{Kind: ErrIDExhausted, Detail: "local stream id space exhausted"}
	}
	return next, nil
}
