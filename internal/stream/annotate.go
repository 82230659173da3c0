// Package stream renders the presentation side of the line: annotated
// per-camera frames, the side-by-side composite and the MJPEG endpoints that
// serve them.
package stream

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorNormal   = color.RGBA{0, 200, 0, 255}
	colorAbnormal = color.RGBA{230, 30, 30, 255}
	colorLine     = color.RGBA{255, 200, 0, 255}
	colorText     = color.RGBA{255, 255, 255, 255}
	colorPaused   = color.RGBA{255, 140, 0, 255}
)

// Box is one tracked item to outline.
type Box struct {
	Rect     image.Rectangle
	Label    string
	Abnormal bool
	Counted  bool
}

// Overlay describes everything drawn on top of a camera frame.
type Overlay struct {
	LineX1, LineX2 int
	Boxes          []Box
	// Header lines are drawn top-left.
	Header      []string
	RelayPaused bool
}

// Annotate returns a copy of src with the overlay drawn on it.
func Annotate(src *image.RGBA, ov Overlay) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	drawBand(dst, ov.LineX1, ov.LineX2, colorLine)

	for _, b := range ov.Boxes {
		c := colorNormal
		if b.Abnormal {
			c = colorAbnormal
		}
		thickness := 2
		if b.Counted {
			thickness = 3
		}
		r := b.Rect
		drawBox(dst, r.Min.X, r.Min.Y, r.Dx(), r.Dy(), c, thickness)
		if b.Label != "" {
			drawLabel(dst, r.Min.X, r.Min.Y-14, b.Label, c)
		}
	}

	y := bounds.Min.Y + 4
	for _, line := range ov.Header {
		drawLabel(dst, bounds.Min.X+4, y, line, colorText)
		y += 16
	}
	if ov.RelayPaused {
		drawLabel(dst, bounds.Min.X+4, y, "RELAY PAUSED", colorPaused)
	}
	return dst
}

// drawBand draws the two vertical line markers.
func drawBand(img *image.RGBA, x1, x2 int, c color.RGBA) {
	b := img.Bounds()
	for _, x := range []int{x1, x2} {
		if x < b.Min.X || x >= b.Max.X {
			continue
		}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// drawBox draws a rectangle outline, clipped to the image.
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-1-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-1-t, j)
		}
	}
}

// drawLabel draws text on a dark background. y is the top of the label.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	bg := image.Rect(x-2, y-1, x+len(label)*7+2, y+14).Intersect(bounds)
	draw.Draw(img, bg, image.NewUniform(color.RGBA{0, 0, 0, 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}

// EncodeJPEG encodes img for the HTTP surfaces.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
