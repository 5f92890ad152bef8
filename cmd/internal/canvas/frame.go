package canvas

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/fogleman/gg"
	"github.com/nfnt/resize"
)

// MaxEncodedBytes bounds an accepted encoded snapshot.
const MaxEncodedBytes = 8 << 20

var (
	ErrEmptyImage   = errors.New("canvas: empty image")
	ErrImageTooBig  = errors.New("canvas: image too large")
	ErrBadDataURL   = errors.New("canvas: invalid data URL")
	ErrBadImageData = errors.New("canvas: undecodable image")
)

// Frame is an immutable copy of a raster, safe to hand to another goroutine.
type Frame struct {
	img *image.RGBA
}

// Image returns the frame's pixels. Callers must not modify them.
func (f Frame) Image() *image.RGBA { return f.img }

// Bytes encodes the frame as PNG.
func (f Frame) Bytes() ([]byte, error) {
	if f.img == nil {
		return nil, ErrEmptyImage
	}
	return EncodePNG(f.img)
}

// IsBlank reports whether the frame holds an untouched canvas.
func (f Frame) IsBlank() bool {
	return f.img == nil || isBlankRGBA(f.img)
}

// EncodePNG encodes img as PNG.
func EncodePNG(img *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := gg.NewContextForRGBA(img).EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes a PNG (or JPEG) snapshot and normalizes it to width x height.
func Decode(data []byte, width, height int) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	if len(data) > MaxEncodedBytes {
		return nil, ErrImageTooBig
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImageData, err)
	}
	return toRGBA(fit(img, width, height)), nil
}

// DecodeDataURL extracts the bytes of a base64 "data:image/...;base64," URL.
func DecodeDataURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, ErrBadDataURL
	}
	meta, body, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasPrefix(meta, "image/") || !strings.HasSuffix(meta, ";base64") {
		return nil, ErrBadDataURL
	}
	if base64.StdEncoding.DecodedLen(len(body)) > MaxEncodedBytes {
		return nil, ErrImageTooBig
	}
	b, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDataURL, err)
	}
	return b, nil
}

// EncodeDataURL renders PNG bytes as a data URL.
func EncodeDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func fit(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if width <= 0 || height <= 0 || (b.Dx() == width && b.Dy() == height) {
		return img
	}
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}
