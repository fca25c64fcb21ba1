package agent

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-desk/internal/protocol"
)

// SyntheticSource produces small generated frames instead of capturing a
// real screen.
type SyntheticSource struct {
	Width         int
	Height        int
	Monitors      int
	KeyFrameEvery int64

	count atomic.Int64
}

func NewSyntheticSource(width, height, monitors int) *SyntheticSource {
	if monitors < 1 {
		monitors = 1
	}
	return &SyntheticSource{
		Width:         width,
		Height:        height,
		Monitors:      monitors,
		KeyFrameEvery: 30,
	}
}

func (s *SyntheticSource) MonitorCount() int {
	return s.Monitors
}

func (s *SyntheticSource) Capture(ctx context.Context, settings CaptureSettings) (*protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	n := s.count.Add(1)

	width, height := s.Width, s.Height
	if settings.Resolution.Width > 0 && settings.Resolution.Height > 0 {
		width, height = settings.Resolution.Width, settings.Resolution.Height
	}

	// monitor, quality and sequence number, so consecutive frames differ
	data := make([]byte, 16)
	binary.BigEndian.PutUint32(data[0:], uint32(settings.MonitorIndex))
	binary.BigEndian.PutUint32(data[4:], uint32(settings.Quality))
	binary.BigEndian.PutUint64(data[8:], uint64(n))

	keyEvery := s.KeyFrameEvery
	if keyEvery <= 0 {
		keyEvery = 1
	}

	return &protocol.Frame{
		Encoding:     settings.Encoding,
		Width:        width,
		Height:       height,
		Quality:      settings.Quality,
		IsKeyFrame:   (n-1)%keyEvery == 0,
		DataSize:     len(data),
		CaptureTime:  start.UTC(),
		EncodeTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		Data:         data,
	}, nil
}
