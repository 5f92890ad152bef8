package canvas

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Tool is the drawing tool carried by a draw event.
type Tool uint8

const (
	ToolFreehand Tool = iota
	ToolRectangle
	ToolCircle
	ToolLine
)

const (
	// MaxStrokeWidth caps the accepted stroke width in pixels.
	MaxStrokeWidth = 200.0
	// MaxCoordinate bounds accepted coordinates; anything further away cannot touch the raster.
	MaxCoordinate = 1 << 15
)

var (
	ErrBadColor    = errors.New("canvas: invalid stroke color")
	ErrBadTool     = errors.New("canvas: unknown tool")
	ErrBadGeometry = errors.New("canvas: invalid geometry")
)

func (t Tool) String() string {
	switch t {
	case ToolFreehand:
		return "freehand"
	case ToolRectangle:
		return "rectangle"
	case ToolCircle:
		return "circle"
	case ToolLine:
		return "line"
	default:
		return "tool(" + strconv.Itoa(int(t)) + ")"
	}
}

// IsShape reports whether t draws a complete figure from a single update.
func (t Tool) IsShape() bool {
	return t == ToolRectangle || t == ToolCircle || t == ToolLine
}

// ParseTool maps a wire tool kind to a Tool. An empty kind and "pen" mean freehand.
func ParseTool(s string) (Tool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pen", "freehand":
		return ToolFreehand, nil
	case "rectangle", "rect":
		return ToolRectangle, nil
	case "circle":
		return ToolCircle, nil
	case "line":
		return ToolLine, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadTool, s)
	}
}

var hexColorRE = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// ParseColor parses #rgb, #rrggbb and #rrggbbaa. An empty string is black.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return color.NRGBA{A: 0xff}, nil
	}
	if !hexColorRE.MatchString(s) {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrBadColor, s)
	}

	h := s[1:]
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrBadColor, s)
	}
	return color.NRGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}, nil
}

// Segment is one rasterizable piece of a stroke: a freehand step from the
// previous point, or a whole shape spanned by two corners.
type Segment struct {
	Tool  Tool
	FromX float64
	FromY float64
	ToX   float64
	ToY   float64
	Width float64
	Color color.NRGBA
}

// Validate rejects geometry that cannot be rasterized.
func (s Segment) Validate() error {
	for _, v := range [...]float64{s.FromX, s.FromY, s.ToX, s.ToY} {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > MaxCoordinate {
			return ErrBadGeometry
		}
	}
	if math.IsNaN(s.Width) || math.IsInf(s.Width, 0) || s.Width < 0 || s.Width > MaxStrokeWidth {
		return ErrBadGeometry
	}
	return nil
}

// NormalizeWidth returns w clamped into (0, MaxStrokeWidth]; non-positive widths become 1.
func NormalizeWidth(w float64) float64 {
	if math.IsNaN(w) || w <= 0 {
		return 1
	}
	if w > MaxStrokeWidth {
		return MaxStrokeWidth
	}
	return w
}
