package realtime

import (
	"image"
	"sort"

	"easel/cmd/internal/canvas"
	v1 "easel/shared/contracts/realtime/v1"
)

// session is the relay's live state for one sessionID: the folded raster and
// the in-progress strokes. It exists while the session has subscribers.
type session struct {
	id     string
	roomID string

	raster   *canvas.Canvas
	hydrated bool
	version  int64

	strokes   map[string]*stroke
	lastSeq   map[string]int64
	strokeSeq uint64
}

func newSession(id string, width, height int) *session {
	return &session{
		id:      id,
		raster:  canvas.New(width, height),
		strokes: make(map[string]*stroke),
		lastSeq: make(map[string]int64),
	}
}

// hydrate seeds the raster from the persisted snapshot. Only the first call has an effect.
func (s *session) hydrate(img *image.RGBA, version int64) {
	if s.hydrated {
		return
	}
	s.hydrated = true
	s.version = version
	if img != nil {
		s.raster.Replace(img)
	}
}

// acceptSeq reports whether seq is fresh for origin. Zero means unsequenced.
func (s *session) acceptSeq(origin string, seq int64) bool {
	if seq <= 0 {
		return true
	}
	if seq <= s.lastSeq[origin] {
		return false
	}
	s.lastSeq[origin] = seq
	return true
}

func (s *session) strokeOf(origin string) (*stroke, bool) {
	st, ok := s.strokes[origin]
	return st, ok
}

// begin moves origin to Drawing. The caller ends any previous stroke first.
func (s *session) begin(origin string, tool canvas.Tool, seg canvas.Segment) *stroke {
	s.strokeSeq++
	st := &stroke{
		origin: origin,
		order:  s.strokeSeq,
		tool:   tool,
		color:  seg.Color,
		width:  seg.Width,
	}
	s.strokes[origin] = st
	return st
}

// end moves origin back to Idle and folds its stroke into the raster.
func (s *session) end(origin string) (*stroke, bool) {
	st, ok := s.strokes[origin]
	if !ok {
		return nil, false
	}
	delete(s.strokes, origin)
	s.raster.Apply(st.segments...)
	return st, true
}

// clear drops every in-progress stroke and blanks the raster.
func (s *session) clear() {
	clear(s.strokes)
	s.raster.Clear()
}

// forget drops origin's stroke (without folding) and seq watermark.
func (s *session) forget(origin string) {
	delete(s.strokes, origin)
	delete(s.lastSeq, origin)
}

// replay returns the envelopes of every in-progress stroke, strokes in start order.
func (s *session) replay() []v1.Envelope {
	if len(s.strokes) == 0 {
		return nil
	}
	sts := make([]*stroke, 0, len(s.strokes))
	for _, st := range s.strokes {
		sts = append(sts, st)
	}
	sort.Slice(sts, func(i, j int) bool { return sts[i].order < sts[j].order })

	var out []v1.Envelope
	for _, st := range sts {
		out = append(out, st.replay...)
	}
	return out
}
