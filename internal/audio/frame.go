// Package audio converts assistant text into timestamped PCM audio frames
// for the binary transport channel. It defines the framing and pacing
// contract; the speech backend is pluggable.
package audio

import "encoding/binary"

const (
	// FrameMagic identifies a converse audio frame ("CAF1").
	FrameMagic = 0x43414631

	// HeaderSize is the fixed binary header length in bytes.
	HeaderSize = 16

	// FlagEnd marks the final frame of a session.
	FlagEnd uint16 = 0x0001

	// bytesPerSample is fixed: 16-bit mono PCM.
	bytesPerSample = 2

	DefaultSampleRate      = 24000
	DefaultFrameDurationMs = 250
)

// Frame is one fixed-duration chunk of PCM audio.
type Frame struct {
	Seq         uint32
	TimestampMs uint32
	Flags       uint16
	PCM         []byte
}

// Encode serializes the frame as header + payload.
// Header layout (big endian): magic u32, flags u16, reserved u16, seq u32,
// timestampMs u32.
func (f Frame) Encode() []byte {
	out := make([]byte, HeaderSize+len(f.PCM))
	binary.BigEndian.PutUint32(out[0:4], FrameMagic)
	binary.BigEndian.PutUint16(out[4:6], f.Flags)
	binary.BigEndian.PutUint16(out[6:8], 0)
	binary.BigEndian.PutUint32(out[8:12], f.Seq)
	binary.BigEndian.PutUint32(out[12:16], f.TimestampMs)
	copy(out[HeaderSize:], f.PCM)
	return out
}

// FrameBytes returns the PCM payload length for one frame.
func FrameBytes(sampleRate, frameDurationMs int) int {
	samples := (sampleRate*frameDurationMs + 500) / 1000
	return samples * bytesPerSample
}
