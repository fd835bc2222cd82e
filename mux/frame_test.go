package mux

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{StreamID: 1, Flags: FlagOpen},
		{StreamID: 2, Flags: FlagFin},
		{StreamID: 3, Flags: FlagRst},
		{StreamID: 4, Flags: FlagData, Payload: make([]byte, MaxFrameLength)},
		{StreamID: 5, Flags: FlagWindow, Payload: []byte{0, 1, 0, 0}},
	}

	for _, want := range cases {
		encoded := want.Encode(nil)
		got, err := DecodeFrame(encoded, MaxFrameLength)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if got.StreamID != want.StreamID || got.Flags != want.Flags || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("roundtrip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestDecodeFrameRejectsReservedStreamID(t *testing.T) {
	f := Frame{StreamID: 0, Flags: FlagData, Payload: []byte("x")}
	_, err := DecodeFrame(f.Encode(nil), MaxFrameLength)
	if err == nil {
		t.Fatal("expected error for reserved stream id 0")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Kind != ErrReservedStreamID {
		t.Fatalf("expected ErrReservedStreamID, got %v", err)
	}
}

func TestDecodeFrameRejectsUnknownFlags(t *testing.T) {
	buf := Frame{StreamID: 1, Flags: FlagData}.Encode(nil)
	buf[4] |= 0x80 // set an undefined bit

	_, err := DecodeFrame(buf, MaxFrameLength)
	if err == nil {
		t.Fatal("expected error for unknown flag bits")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Kind != ErrUnknownFlags {
		t.Fatalf("expected ErrUnknownFlags, got %v", err)
	}
}

func TestDecodeFrameRejectsOversizePayload(t *testing.T) {
	f := Frame{StreamID: 1, Flags: FlagData, Payload: make([]byte, 100)}
	_, err := DecodeFrame(f.Encode(nil), 50)
	if err == nil {
		t.Fatal("expected error for oversize payload")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Kind != ErrOversizeFrame {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestDecodeFrameRejectsTruncatedHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3}, MaxFrameLength)
	if err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestDecodeFrameRejectsOpenWithPayload(t *testing.T) {
	f := Frame{StreamID: 1, Flags: FlagOpen, Payload: []byte("x")}
	_, err := DecodeFrame(f.Encode(nil), MaxFrameLength)
	if err == nil {
		t.Fatal("expected error for OPEN with non-zero payload")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Kind != ErrNonEmptyControlFrame {
		t.Fatalf("expected ErrNonEmptyControlFrame, got %v", err)
	}
}

func TestDecodeFrameRejectsRstWithPayload(t *testing.T) {
	f := Frame{StreamID: 1, Flags: FlagRst, Payload: []byte("x")}
	_, err := DecodeFrame(f.Encode(nil), MaxFrameLength)
	if err == nil {
		t.Fatal("expected error for RST with non-zero payload")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Kind != ErrNonEmptyControlFrame {
		t.Fatalf("expected ErrNonEmptyControlFrame, got %v", err)
	}
}

func TestDecodeFrameRejectsOpenCoOccurringWithData(t *testing.T) {
	f := Frame{StreamID: 1, Flags: FlagOpen | FlagData}
	_, err := DecodeFrame(f.Encode(nil), MaxFrameLength)
	if err == nil {
		t.Fatal("expected error for OPEN co-occurring with DATA")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Kind != ErrInvalidFlagCombination {
		t.Fatalf("expected ErrInvalidFlagCombination, got %v", err)
	}
}

func TestDecodeFrameRejectsOpenCoOccurringWithFin(t *testing.T) {
	f := Frame{StreamID: 1, Flags: FlagOpen | FlagFin}
	_, err := DecodeFrame(f.Encode(nil), MaxFrameLength)
	if err == nil {
		t.Fatal("expected error for OPEN co-occurring with FIN")
	}
	var pe *ProtocolError
	if !asProtocolError(err, &pe) || pe.Kind != ErrInvalidFlagCombination {
		t.Fatalf("expected ErrInvalidFlagCombination, got %v", err)
	}
}

func TestDecodeFrameRejectsTruncatedPayload(t *testing.T) {
	f := Frame{StreamID: 1, Flags: FlagData, Payload: []byte("hello world")}
	encoded := f.Encode(nil)
	_, err := DecodeFrame(encoded[:len(encoded)-3], MaxFrameLength)
	if err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func asProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	*target = pe
	return true
}

func FuzzFrameRoundTrip(f *testing.F) {
	f.Add(uint32(1), byte(FlagData), []byte("seed"))
	f.Add(uint32(2), byte(FlagOpen), []byte{})
	f.Add(uint32(0), byte(FlagFin), []byte{})

	f.Fuzz(func(t *testing.T, streamID uint32, flags byte, payload []byte) {
		if len(payload) > MaxFrameLength {
			return
		}
		want := Frame{StreamID: streamID, Flags: FrameFlag(flags), Payload: payload}
		encoded := want.Encode(nil)

		got, err := DecodeFrame(encoded, MaxFrameLength)
		if err != nil {
			// Rejections are fine for malformed/reserved input; the
			// property under test is "no panic, and valid input round
			// trips" rather than "everything decodes".
			return
		}
		if got.StreamID != want.StreamID {
			t.Fatalf("stream id mismatch: got %d want %d", got.StreamID, want.StreamID)
		}
		if got.Flags != want.Flags {
			t.Fatalf("flags mismatch: got %v want %v", got.Flags, want.Flags)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("payload mismatch: got %v want %v", got.Payload, want.Payload)
		}
	})
}
