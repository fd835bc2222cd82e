package mux

import (
	"encoding/binary"
	"fmt"
)

// FrameFlag is a non-exclusive bitmask describing what a frame carries.
type FrameFlag byte

const (
	// FlagOpen marks the first frame of a new substream.
	FlagOpen FrameFlag = 1 << iota
	// FlagFin marks the sender's half of the substream as closed; no more
	// data-bearing frames will follow from this side.
	FlagFin
	// FlagRst aborts a substream abnormally. Any buffered data for the
	// substream should be discarded.
	FlagRst
	// FlagData marks the frame as carrying substream payload bytes.
	FlagData
	// FlagWindow marks the frame as a flow-control window update; the
	// payload is a big-endian uint32 credit increment and does not count
	// against the substream's receive window.
	FlagWindow
)

func (f FrameFlag) String() string {
	var out string
	add := func(name string, bit FrameFlag) {
		if f&bit != 0 {
			if out != "" {
				out += "|"
			}
			out += name
		}
	}
	add("OPEN", FlagOpen)
	add("FIN", FlagFin)
	add("RST", FlagRst)
	add("DATA", FlagData)
	add("WINDOW", FlagWindow)
	if out == "" {
		return "NONE"
	}
	return out
}

const (
	// HeaderLength is the fixed size of a frame header in bytes.
	HeaderLength = 9

	// MaxFrameLength is the default maximum payload size of a single frame.
	MaxFrameLength = 64 * 1024

	// InitialWindow is the default per-direction flow-control credit a
	// substream starts with.
	InitialWindow = 256 * 1024

	// reservedStreamID is never assigned to a substream.
	reservedStreamID = 0
)

// Frame is a single unit of the mux wire protocol.
type Frame struct {
	StreamID uint32
	Flags    FrameFlag
	Payload  []byte
}

// Encode appends the wire representation of f to dst and returns the result.
func (f Frame) Encode(dst []byte) []byte {
	var header [HeaderLength]byte
	binary.BigEndian.PutUint32(header[0:4], f.StreamID)
	header[4] = byte(f.Flags)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(f.Payload)))
	dst = append(dst, header[:]...)
	dst = append(dst, f.Payload...)
	return dst
}

// DecodeFrame parses a single frame from buf, which must contain the full
// header and payload (not just a prefix). maxFrameLen bounds the accepted
// payload length; pass MaxFrameLength unless a session negotiated otherwise.
func DecodeFrame(buf []byte, maxFrameLen uint32) (Frame, error) {
	if len(buf) < HeaderLength {
		return Frame{}, fmt.Errorf("mux: frame header truncated: got %d bytes, need %d", len(buf), HeaderLength)
	}

	streamID := binary.BigEndian.Uint32(buf[0:4])
	flags := FrameFlag(buf[4])
	length := binary.BigEndian.Uint32(buf[5:9])

	if streamID == reservedStreamID {
		return Frame{}, &ProtocolError{Kind: ErrReservedStreamID, Detail: "stream id 0 is reserved"}
	}
	if err := validateFlags(flags); err != nil {
		return Frame{}, err
	}
	if err := validateFlagPayloadPolicy(flags, length); err != nil {
		return Frame{}, err
	}
	if length > maxFrameLen {
		return Frame{}, &ProtocolError{Kind: ErrOversizeFrame, Detail: fmt.Sprintf("frame length %d exceeds max %d", length, maxFrameLen)}
	}
	if uint32(len(buf)-HeaderLength) < length {
		return Frame{}, fmt.Errorf("mux: frame payload truncated: got %d bytes, need %d", len(buf)-HeaderLength, length)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderLength:HeaderLength+length])

	return Frame{StreamID: streamID, Flags: flags, Payload: payload}, nil
}

// knownFlags is the bitwise-OR of every flag this version of the protocol
// understands. Any bit outside this set is rejected so that a future
// extension cannot be silently misinterpreted by an older peer.
const knownFlags = FlagOpen | FlagFin | FlagRst | FlagData | FlagWindow

func validateFlags(f FrameFlag) error {
	if f&^knownFlags != 0 {
		return &ProtocolError{Kind: ErrUnknownFlags, Detail: fmt.Sprintf("unknown flag bits 0x%02x", byte(f&^knownFlags))}
	}
	return nil
}

// validateFlagPayloadPolicy enforces the control-frame shape rules: OPEN and
// RST never carry a payload, and OPEN never co-occurs with DATA or FIN.
func validateFlagPayloadPolicy(f FrameFlag, length uint32) error {
	if f&FlagOpen != 0 {
		if length != 0 {
			return &ProtocolError{Kind: ErrNonEmptyControlFrame, Detail: "OPEN frame must carry zero payload"}
		}
		if f&(FlagData|FlagFin) != 0 {
			return &ProtocolError{Kind: ErrInvalidFlagCombination, Detail: "OPEN must not co-occur with DATA or FIN"}
		}
	}
	if f&FlagRst != 0 && length != 0 {
		return &ProtocolError{Kind: ErrNonEmptyControlFrame, Detail: "RST frame must carry zero payload"}
	}
	return nil
}

// readHeader decodes just the 9-byte header, leaving payload extraction to
// the caller once it knows how many more bytes to read off the wire.
func readHeader(buf [HeaderLength]byte) (streamID uint32, flags FrameFlag, length uint32) {
	streamID = binary.BigEndian.Uint32(buf[0:4])
	flags = FrameFlag(buf[4])
	length = binary.BigEndian.Uint32(buf[5:9])
	return
}
