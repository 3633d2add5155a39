// ABOUTME: Binary stream frame codec
// ABOUTME: Splits frames into the peak header and the interleaved sample payload
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// PeakHeaderSize is the size of the peakL/peakR header in bytes
	PeakHeaderSize = 8

	// SampleSize is the size of one float32 sample in bytes
	SampleSize = 4

	// StereoFrameSize is the size of one L,R sample pair in bytes
	StereoFrameSize = 2 * SampleSize
)

var (
	ErrShortFrame        = errors.New("frame shorter than peak header")
	ErrEmptyPayload      = errors.New("frame has no samples")
	ErrMisalignedPayload = errors.New("payload is not a whole number of stereo frames")
)

// PeakHeader holds the linear per-channel peaks of one delivered interval.
// Values above 1.0 are legal on clipping input and are kept as received.
type PeakHeader struct {
	Left  float32
	Right float32
}

// SampleBlock is an interleaved stereo payload (L, R, L, R, ...)
type SampleBlock struct {
	Samples []float32
	Offset  int // byte offset of the payload within its frame
}

// Frames returns the number of stereo sample frames in the block
func (b SampleBlock) Frames() int {
	return len(b.Samples) / 2
}

// Frame is one decoded binary stream message
type Frame struct {
	Peaks PeakHeader
	Block SampleBlock
}

// DecodeFrame decodes a little-endian binary frame:
//
//	0   float32  peakL
//	4   float32  peakR
//	8+  float32  interleaved samples
//
// The payload must hold at least one complete L,R pair.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < PeakHeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}

	payload := data[PeakHeaderSize:]
	if len(payload) == 0 {
		return Frame{}, ErrEmptyPayload
	}
	if len(payload)%StereoFrameSize != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMisalignedPayload, len(payload))
	}

	samples := make([]float32, len(payload)/SampleSize)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*SampleSize:]))
	}

	return Frame{
		Peaks: PeakHeader{
			Left:  math.Float32frombits(binary.LittleEndian.Uint32(data[0:])),
			Right: math.Float32frombits(binary.LittleEndian.Uint32(data[4:])),
		},
		Block: SampleBlock{
			Samples: samples,
			Offset:  PeakHeaderSize,
		},
	}, nil
}

// EncodeFrame builds a binary frame in the layout read by DecodeFrame
func EncodeFrame(peaks PeakHeader, samples []float32) []byte {
	buf := make([]byte, PeakHeaderSize+len(samples)*SampleSize)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(peaks.Left))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(peaks.Right))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[PeakHeaderSize+i*SampleSize:], math.Float32bits(v))
	}
	return buf
}
