// Package canvas folds draw events into the session raster and converts the
// raster to and from its persisted PNG form.
//
// A Canvas is owned by a single goroutine (the relay loop) and is not safe for
// concurrent use. Frames handed to other goroutines are independent copies.
package canvas

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/fogleman/gg"
)

const (
	DefaultWidth  = 1280
	DefaultHeight = 720
)

// Background is the color of a blank canvas.
var Background = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

// Canvas is a fixed-size RGBA raster.
type Canvas struct {
	img *image.RGBA
	dc  *gg.Context
}

// New returns a blank canvas. Non-positive sizes fall back to the defaults.
func New(width, height int) *Canvas {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	c := &Canvas{img: img, dc: gg.NewContextForRGBA(img)}
	c.Clear()
	return c
}

func (c *Canvas) Width() int  { return c.img.Bounds().Dx() }
func (c *Canvas) Height() int { return c.img.Bounds().Dy() }

// Clear blanks the raster to Background.
func (c *Canvas) Clear() {
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)
}

// Apply rasterizes segments in order. Invalid segments are skipped and counted.
func (c *Canvas) Apply(segs ...Segment) (skipped int) {
	for _, s := range segs {
		if s.Validate() != nil {
			skipped++
			continue
		}
		c.stroke(s)
	}
	return skipped
}

func (c *Canvas) stroke(s Segment) {
	dc := c.dc
	dc.SetColor(s.Color)
	dc.SetLineWidth(NormalizeWidth(s.Width))
	dc.SetLineCapRound()
	dc.SetLineJoinRound()

	switch s.Tool {
	case ToolRectangle:
		x := math.Min(s.FromX, s.ToX)
		y := math.Min(s.FromY, s.ToY)
		dc.DrawRectangle(x, y, math.Abs(s.ToX-s.FromX), math.Abs(s.ToY-s.FromY))
	case ToolCircle:
		dc.DrawCircle(s.FromX, s.FromY, math.Hypot(s.ToX-s.FromX, s.ToY-s.FromY))
	default:
		dc.DrawLine(s.FromX, s.FromY, s.ToX, s.ToY)
	}
	dc.Stroke()
}

// Replace overwrites the raster with img, scaling it to the canvas size when needed.
func (c *Canvas) Replace(img image.Image) {
	if img == nil {
		c.Clear()
		return
	}
	img = fit(img, c.Width(), c.Height())
	c.Clear()
	draw.Draw(c.img, c.img.Bounds(), img, img.Bounds().Min, draw.Over)
}

// Frame returns an independent copy of the current raster.
func (c *Canvas) Frame() Frame {
	cp := image.NewRGBA(c.img.Bounds())
	copy(cp.Pix, c.img.Pix)
	return Frame{img: cp}
}

// IsBlank reports whether every pixel equals Background.
func (c *Canvas) IsBlank() bool {
	return isBlankRGBA(c.img)
}

func isBlankRGBA(img *image.RGBA) bool {
	p := img.Pix
	for i := 0; i+3 < len(p); i += 4 {
		if p[i] != Background.R || p[i+1] != Background.G || p[i+2] != Background.B || p[i+3] != Background.A {
			return false
		}
	}
	return true
}
