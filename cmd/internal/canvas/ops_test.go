package canvas

import (
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseColor(t *testing.T) {
	cases := map[string]color.NRGBA{
		"":          {A: 0xff},
		"#000":      {A: 0xff},
		"#f00":      {R: 0xff, A: 0xff},
		"#00ff00":   {G: 0xff, A: 0xff},
		"#0000FF80": {B: 0xff, A: 0x80},
	}
	for in, want := range cases {
		got, err := ParseColor(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"red", "#12", "#12345", "fff", "#ggg", "#1234567"} {
		_, err := ParseColor(bad)
		assert.ErrorIs(t, err, ErrBadColor, bad)
	}
}

func TestParseTool(t *testing.T) {
	for in, want := range map[string]Tool{
		"":          ToolFreehand,
		"pen":       ToolFreehand,
		"freehand":  ToolFreehand,
		"Rectangle": ToolRectangle,
		"circle":    ToolCircle,
		"line":      ToolLine,
	} {
		got, err := ParseTool(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTool("eraser")
	assert.ErrorIs(t, err, ErrBadTool)

	assert.True(t, ToolCircle.IsShape())
	assert.False(t, ToolFreehand.IsShape())
}

func TestSegmentValidate(t *testing.T) {
	ok := Segment{FromX: 1, FromY: 2, ToX: 3, ToY: 4, Width: 5}
	require.NoError(t, ok.Validate())

	bad := []Segment{
		{FromX: math.NaN()},
		{ToY: math.Inf(1)},
		{Width: -1},
		{Width: MaxStrokeWidth + 1},
	}
	for _, s := range bad {
		assert.ErrorIs(t, s.Validate(), ErrBadGeometry)
	}
}

func TestNormalizeWidth(t *testing.T) {
	assert.Equal(t, 1.0, NormalizeWidth(0))
	assert.Equal(t, 1.0, NormalizeWidth(math.NaN()))
	assert.Equal(t, 3.5, NormalizeWidth(3.5))
	assert.Equal(t, MaxStrokeWidth, NormalizeWidth(1000))
}
