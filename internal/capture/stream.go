package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ReadFrames reads fixed-size raw RGBA frames from r and passes each to push
// until EOF or ctx is done. A trailing partial frame is discarded.
func ReadFrames(ctx context.Context, r io.Reader, width, height int, push func([]byte)) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	frame := make([]byte, width*height*4)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		push(frame)
	}
}

// ReadAudio reads little-endian float32 PCM from r in buffers of n samples
// and passes each to push until EOF or ctx is done.
func ReadAudio(ctx context.Context, r io.Reader, n int, push func([]float32)) error {
	if n <= 0 {
		return fmt.Errorf("invalid buffer size %d", n)
	}
	raw := make([]byte, n*4)
	samples := make([]float32, n)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading audio: %w", err)
		}
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		push(samples)
	}
}
