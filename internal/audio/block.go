// Package audio turns a device's periodic PCM buffers into fixed-size,
// sequence-tagged blocks and hands them to the processing goroutine through a
// bounded queue.
package audio

import "time"

// BytesPerSample is fixed: devices deliver 16-bit signed little-endian PCM.
const BytesPerSample = 2

// Block is one fixed-length slab of captured PCM. Seq is assigned to every
// buffer the device delivers, so a gap seen by the consumer is exactly the
// number of blocks dropped in between.
//
// Data is owned by the consumer from Pop until its next Pop; the capture
// source recycles the backing slot afterwards. Copy it to retain it.
type Block struct {
	Seq  uint64
	Data []byte
}

// Format is the capture geometry negotiated with a device.
type Format struct {
	SampleRate int
	Channels   int
	BlockSize  int // frames per block
}

// FrameBytes is the size of one frame across all channels.
func (f Format) FrameBytes() int {
	return BytesPerSample * f.Channels
}

// BlockBytes is the byte length of every Block produced for this format.
func (f Format) BlockBytes() int {
	return f.BlockSize * f.FrameBytes()
}

// BlockDuration is the time quantum between device callbacks.
func (f Format) BlockDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.BlockSize) * time.Second / time.Duration(f.SampleRate)
}

// Status carries device-reported conditions for a buffer.
type Status uint8

const (
	// StatusInputOverflow means the device discarded input before delivery.
	StatusInputOverflow Status = 1 << iota
	// StatusInputUnderflow means the buffer is missing samples (e.g. lost frames).
	StatusInputUnderflow
)

func (s Status) String() string {
	switch s {
	case 0:
		return "ok"
	case StatusInputOverflow:
		return "input overflow"
	case StatusInputUnderflow:
		return "input underflow"
	case StatusInputOverflow | StatusInputUnderflow:
		return "input overflow, input underflow"
	default:
		return "unknown"
	}
}
