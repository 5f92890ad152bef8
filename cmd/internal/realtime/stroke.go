package realtime

import (
	"image/color"

	"easel/cmd/internal/canvas"
	v1 "easel/shared/contracts/realtime/v1"
)

// stroke is the Drawing state of one origin in one session. Absence of a
// stroke is the Idle state.
type stroke struct {
	origin string
	order  uint64
	tool   canvas.Tool
	color  color.NRGBA
	width  float64

	segments []canvas.Segment
	// replay holds every envelope relayed for this stroke so far, in order.
	// A connection joining mid-stroke receives it after the snapshot.
	replay []v1.Envelope
}

func (s *stroke) add(seg canvas.Segment, env v1.Envelope) {
	s.segments = append(s.segments, seg)
	s.replay = append(s.replay, env)
}

func (s *stroke) full(limit int) bool {
	return limit > 0 && len(s.segments) >= limit
}
