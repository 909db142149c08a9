package capture

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// drawCover paints src onto dst scaled to cover (crop, not letterbox),
// mirrored horizontally. Nearest-neighbor sampling is enough at 512x512; the
// generative backend re-renders every frame anyway.
func drawCover(dst *image.RGBA, src image.Image, mirror bool) {
	db := dst.Bounds()
	sb := src.Bounds()
	dw, dh := db.Dx(), db.Dy()
	sw, sh := sb.Dx(), sb.Dy()
	if dw == 0 || dh == 0 || sw == 0 || sh == 0 {
		return
	}

	scale := math.Max(float64(dw)/float64(sw), float64(dh)/float64(sh))
	cropW := float64(dw) / scale
	cropH := float64(dh) / scale
	offX := (float64(sw) - cropW) / 2
	offY := (float64(sh) - cropH) / 2

	for y := 0; y < dh; y++ {
		sy := sb.Min.Y + int(offY+float64(y)/scale)
		for x := 0; x < dw; x++ {
			fx := x
			if mirror {
				fx = dw - 1 - x
			}
			sx := sb.Min.X + int(offX+float64(fx)/scale)
			dst.Set(db.Min.X+x, db.Min.Y+y, src.At(sx, sy))
		}
	}
}

// drawPlaceholder fills dst with a slowly shifting diagonal gradient keyed to
// phase (seconds). Deterministic, never blank: downstream WHIP publishing
// needs a continuously live track even before the camera delivers frames.
func drawPlaceholder(dst *image.RGBA, phase float64) {
	b := dst.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t := float64(x+y)/float64(w+h) + phase/8
			r := uint8(90 + 80*math.Sin(2*math.Pi*t))
			g := uint8(60 + 50*math.Sin(2*math.Pi*t+2.1))
			bl := uint8(120 + 90*math.Sin(2*math.Pi*t+4.2))
			dst.SetRGBA(b.Min.X+x, b.Min.Y+y, color.RGBA{R: r, G: g, B: bl, A: 255})
		}
	}
}

// drawCaption renders a short status line near the bottom of the surface.
func drawCaption(dst *image.RGBA, text string) {
	if text == "" {
		return
	}
	b := dst.Bounds()
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	x := b.Min.X + (b.Dx()-width)/2
	if x < b.Min.X+4 {
		x = b.Min.X + 4
	}
	y := b.Max.Y - 24

	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{R: 240, G: 240, B: 240, A: 255}),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// clearSurface resets the surface to opaque black.
func clearSurface(dst *image.RGBA) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)
}
