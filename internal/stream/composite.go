package stream

import (
	"image"

	"golang.org/x/image/draw"
)

// Compose places frames side by side. With more than one frame each is
// scaled to height first; the result is downscaled to maxWidth when wider.
// A zero height or maxWidth disables that step. Nil frames are skipped.
func Compose(frames []*image.RGBA, height, maxWidth int) *image.RGBA {
	live := make([]*image.RGBA, 0, len(frames))
	for _, f := range frames {
		if f != nil && !f.Bounds().Empty() {
			live = append(live, f)
		}
	}
	if len(live) == 0 {
		return nil
	}

	var out *image.RGBA
	if len(live) == 1 {
		b := live[0].Bounds()
		out = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(out, out.Bounds(), live[0], b.Min, draw.Src)
	} else {
		out = concat(live, height)
	}

	if maxWidth > 0 && out.Bounds().Dx() > maxWidth {
		b := out.Bounds()
		h := b.Dy() * maxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		out = scale(out, maxWidth, h)
	}
	return out
}

func concat(frames []*image.RGBA, height int) *image.RGBA {
	if height <= 0 {
		for _, f := range frames {
			if h := f.Bounds().Dy(); h > height {
				height = h
			}
		}
	}

	widths := make([]int, len(frames))
	total := 0
	for i, f := range frames {
		b := f.Bounds()
		widths[i] = b.Dx() * height / b.Dy()
		if widths[i] < 1 {
			widths[i] = 1
		}
		total += widths[i]
	}

	out := image.NewRGBA(image.Rect(0, 0, total, height))
	x := 0
	for i, f := range frames {
		dst := image.Rect(x, 0, x+widths[i], height)
		draw.ApproxBiLinear.Scale(out, dst, f, f.Bounds(), draw.Src, nil)
		x += widths[i]
	}
	return out
}

func scale(src *image.RGBA, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
