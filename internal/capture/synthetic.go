package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/clipwatch/internal/recorder"
)

// SyntheticProducer returns generated clip bytes without any device. It is
// used by the simulate source and tests.
type SyntheticProducer struct {
	// Size is the clip payload length; defaults to 1024.
	Size     int
	MimeType string
	// BeginErr, when set, is returned from every BeginClip.
	BeginErr error

	mu     sync.Mutex
	opened int
}

// BeginClip opens a synthetic sub-session.
func (p *SyntheticProducer) BeginClip(ctx context.Context) (recorder.ClipHandle, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	p.mu.Lock()
	seq := p.opened
	p.opened++
	p.mu.Unlock()
	return &syntheticHandle{producer: p, seq: seq}, nil
}

// Opened returns how many sub-sessions have been opened.
func (p *SyntheticProducer) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

type syntheticHandle struct {
	producer *SyntheticProducer
	seq      int
}

func (h *syntheticHandle) End(ctx context.Context) (recorder.Media, error) {
	size := h.producer.Size
	if size <= 0 {
		size = 1024
	}
	mime := h.producer.MimeType
	if mime == "" {
		mime = "video/webm"
	}

	header := fmt.Sprintf("synthetic-clip-%06d;", h.seq)
	data := make([]byte, size)
	for i := range data {
		if i < len(header) {
			data[i] = header[i]
		} else {
			data[i] = byte(h.seq + i)
		}
	}
	return recorder.Media{Data: data, MimeType: mime}, nil
}
