package mux

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
)

// OpenTimeout bounds how long OpenStream waits for the driver to assign an
// id and emit the OPEN frame before giving up.
const OpenTimeout = 10 * time.Second

// recordHeaderLen is the length of the length-prefix wrapping each
// encrypted wire record. It is wider than the handshake's 2-byte prefix
// because a full mux frame plus its AEAD tag can exceed 65535 bytes.
const recordHeaderLen = 4

const maxRecordLen = MaxFrameLength + HeaderLength + 16 // +16 for the AEAD tag

// pendingWrite is one chunk waiting to be framed and sent for a substream.
type pendingWrite struct {
	data []byte
	fin  bool
	done chan error
}

type streamEntry struct {
	stream     *Substream
	sendCredit uint32 // bytes this side may still send to the peer
	peerCredit uint32 // bytes of receive window granted to the peer
	pending    []pendingWrite
	opened     bool // OPEN frame already sent for this id
}

// driver holds all state exclusively owned by the Serve goroutine. Nothing
// here is touched by any other goroutine.
type driver struct {
	session *Session

	streams map[uint32]*streamEntry
	nextID  uint32

	writeRing []uint32 // round-robin order of stream ids with pending data

	framesIn  chan frameResult
	readerErr chan error
}

type frameResult struct {
	frame Frame
	err   error
}

// Serve drives the session until the underlying stream fails, Control.Close
// is called, or an unrecoverable protocol error occurs. It must be run in
// its own goroutine; Serve returns once the session is fully torn down.
func (s *Session) Serve() error {
	d := &driver{
		session:  s,
		streams:  make(map[uint32]*streamEntry),
		framesIn: make(chan frameResult, 1),
	}
	return d.run()
}

func (d *driver) run() error {
	s := d.session
	go d.readLoop()

	var exitErr error
loop:
	for {
		// A non-blocking pass gives an already-ready frame or command
		// priority each iteration, so a busy writer can't starve reads.
		select {
		case res := <-d.framesIn:
			if res.err != nil {
				exitErr = res.err
				break loop
			}
			if err := d.handleFrame(res.frame); err != nil {
				exitErr = err
				break loop
			}
			continue loop
		case cmd := <-s.cmdCh:
			if closeErr, shutdown := d.handleCommand(cmd); shutdown {
				exitErr = closeErr
				break loop
			}
			continue loop
		default:
		}

		if d.drainOneWrite() {
			continue loop
		}

		select {
		case res := <-d.framesIn:
			if res.err != nil {
				exitErr = res.err
				break loop
			}
			if err := d.handleFrame(res.frame); err != nil {
				exitErr = err
				break loop
			}
		case cmd := <-s.cmdCh:
			if closeErr, shutdown := d.handleCommand(cmd); shutdown {
				exitErr = closeErr
				break loop
			}
		}
	}

	d.teardown(exitErr)
	return exitErr
}

// handleCommand processes one command from a Control handle. The bool
// return reports whether the session should shut down, in which case err
// (possibly nil) is the final Serve/Close result.
func (d *driver) handleCommand(cmd command) (err error, shutdown bool) {
	switch c := cmd.(type) {
	case cmdOpenStream:
		stream, openErr := d.openStream()
		c.result <- openResult{stream: stream, err: openErr}

	case cmdWriteChunk:
		entry, ok := d.streams[c.streamID]
		if !ok {
			c.done <- ErrSessionClosed
			return nil, false
		}
		entry.pending = append(entry.pending, pendingWrite{data: c.data, fin: c.fin, done: c.done})
		d.enqueueRing(c.streamID)

	case cmdCreditConsumed:
		d.maybeSendWindowUpdate(c.streamID, c.n)

	case cmdResetStream:
		entry, ok := d.streams[c.streamID]
		if !ok {
			c.done <- ErrSessionClosed
			return nil, false
		}
		delete(d.streams, c.streamID)
		for _, w := range entry.pending {
			w.done <- &SubstreamReset{StreamID: c.streamID, Code: c.code}
		}
		c.done <- d.writeFrame(Frame{StreamID: c.streamID, Flags: FlagRst})

	case cmdCloseSession:
		c.done <- nil
		return nil, true
	}
	return nil, false
}

func (d *driver) openStream() (*Substream, error) {
	id, err := d.session.nextLocalID(d.nextID)
	if err != nil {
		return nil, err
	}
	d.nextID = id

	stream := newSubstream(id, d.session, InitialWindow/MaxFrameLength)
	entry := &streamEntry{
		stream:     stream,
		sendCredit: InitialWindow,
		peerCredit: InitialWindow,
	}
	d.streams[id] = entry
	stream.setState(StateOpen)

	if err := d.writeFrame(Frame{StreamID: id, Flags: FlagOpen}); err != nil {
		delete(d.streams, id)
		return nil, err
	}
	entry.opened = true
	return stream, nil
}

func (d *driver) handleFrame(f Frame) error {
	entry := d.streams[f.StreamID]

	if f.Flags&FlagOpen != 0 {
		if entry != nil {
			return &ProtocolError{Kind: ErrDuplicateOpen, Detail: "duplicate OPEN for an active stream id"}
		}
		stream := newSubstream(f.StreamID, d.session, InitialWindow/MaxFrameLength)
		entry = &streamEntry{
			stream:     stream,
			sendCredit: InitialWindow,
			peerCredit: InitialWindow,
			opened:     true,
		}
		d.streams[f.StreamID] = entry
		stream.setState(StateOpen)
		select {
		case d.session.acceptCh <- stream:
		default:
			// Backlog full: drop the peer's offer rather than block the
			// driver loop. The peer will see the substream go nowhere.
		}
	}

	if entry == nil {
		// Frame referenced a stream id we never heard an OPEN for.
		return nil
	}

	if f.Flags&FlagWindow != 0 {
		if len(f.Payload) >= 4 {
			entry.sendCredit += binary.BigEndian.Uint32(f.Payload)
		}
	}

	if f.Flags&FlagData != 0 && len(f.Payload) > 0 {
		entry.stream.deliver(f.Payload)
	}

	if f.Flags&FlagRst != 0 {
		entry.stream.closeInbound(ResetNormal, true)
		delete(d.streams, f.StreamID)
		return nil
	}

	if f.Flags&FlagFin != 0 {
		entry.stream.closeInbound(ResetNormal, false)
	}

	return nil
}

// enqueueRing adds streamID to the round-robin write schedule if it is not
// already present.
func (d *driver) enqueueRing(streamID uint32) {
	for _, id := range d.writeRing {
		if id == streamID {
			return
		}
	}
	d.writeRing = append(d.writeRing, streamID)
}

// drainOneWrite sends a single frame's worth of data for the next
// substream in the round-robin ring, if any is ready. It reports whether it
// made progress.
func (d *driver) drainOneWrite() bool {
	for len(d.writeRing) > 0 {
		id := d.writeRing[0]
		d.writeRing = d.writeRing[1:]

		entry, ok := d.streams[id]
		if !ok || len(entry.pending) == 0 {
			continue
		}

		w := entry.pending[0]
		if w.fin {
			entry.pending = entry.pending[1:]
			if err := d.writeFrame(Frame{StreamID: id, Flags: FlagFin}); err != nil {
				w.done <- err
			} else {
				w.done <- nil
			}
			if len(entry.pending) > 0 {
				d.writeRing = append(d.writeRing, id)
			}
			return true
		}

		sendable := w.data
		if uint32(len(sendable)) > entry.sendCredit {
			sendable = sendable[:entry.sendCredit]
		}
		if len(sendable) == 0 {
			// No credit right now; try again once a window update arrives.
			// Put it back at the tail so other streams make progress.
			d.writeRing = append(d.writeRing, id)
			continue
		}

		err := d.writeFrame(Frame{StreamID: id, Flags: FlagData, Payload: sendable})
		if err != nil {
			w.done <- err
			entry.pending = entry.pending[1:]
			return true
		}

		entry.sendCredit -= uint32(len(sendable))
		remainder := w.data[len(sendable):]
		if len(remainder) == 0 {
			entry.pending = entry.pending[1:]
			w.done <- nil
		} else {
			entry.pending[0] = pendingWrite{data: remainder, done: w.done}
		}
		if len(entry.pending) > 0 {
			d.writeRing = append(d.writeRing, id)
		}
		return true
	}
	return false
}

// maybeSendWindowUpdate grants the peer more receive credit once the
// application has drained enough of the local receive buffer.
func (d *driver) maybeSendWindowUpdate(streamID uint32, n uint32) {
	entry, ok := d.streams[streamID]
	if !ok {
		return
	}
	if n > entry.peerCredit {
		n = entry.peerCredit
	}
	entry.peerCredit -= n
	if entry.peerCredit >= InitialWindow/2 {
		return
	}
	grant := InitialWindow - entry.peerCredit
	entry.peerCredit = InitialWindow
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], grant)
	_ = d.writeFrame(Frame{StreamID: streamID, Flags: FlagWindow, Payload: payload[:]})
}

func (d *driver) writeFrame(f Frame) error {
	plaintext := f.Encode(nil)
	ciphertext, err := d.session.transport.Encrypt(nil, plaintext)
	if err != nil {
		return &CryptoFailure{Err: err}
	}
	if len(ciphertext) > maxRecordLen+64 {
		return &ProtocolError{Kind: ErrOversizeFrame, Detail: "encrypted record exceeds maximum size"}
	}

	var lenBuf [recordHeaderLen]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := d.session.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = d.session.conn.Write(ciphertext)
	return err
}

// readLoop runs in its own goroutine, continuously decoding frames off the
// wire and handing them to the driver loop over framesIn. It exits when the
// underlying stream errs or the session closes.
func (d *driver) readLoop() {
	for {
		var lenBuf [recordHeaderLen]byte
		if _, err := io.ReadFull(d.session.conn, lenBuf[:]); err != nil {
			d.framesIn <- frameResult{err: err}
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxRecordLen+64 {
			d.framesIn <- frameResult{err: &ProtocolError{Kind: ErrOversizeFrame, Detail: "record length exceeds maximum"}}
			return
		}

		ciphertext := make([]byte, n)
		if _, err := io.ReadFull(d.session.conn, ciphertext); err != nil {
			d.framesIn <- frameResult{err: err}
			return
		}

		plaintext, err := d.session.transport.Decrypt(nil, ciphertext)
		if err != nil {
			d.framesIn <- frameResult{err: &CryptoFailure{Err: err}}
			return
		}

		frame, err := DecodeFrame(plaintext, d.session.maxFrameLen)
		if err != nil {
			d.framesIn <- frameResult{err: err}
			return
		}

		d.framesIn <- frameResult{frame: frame}
	}
}

func (d *driver) teardown(cause error) {
	s := d.session
	s.closeOnce.Do(func() {
		closeErr := cause
		if errors.Is(closeErr, io.EOF) {
			closeErr = nil
		}
		s.closeErr = closeErr
		for _, entry := range d.streams {
			entry.stream.teardown()
			for _, w := range entry.pending {
				w.done <- ErrSessionClosed
			}
		}
		if c, ok := s.conn.(io.Closer); ok {
			_ = c.Close()
		}
		close(s.acceptCh)
		close(s.doneCh)
		s.log.WithError(closeErr).Debug("session closed")
	})
}
