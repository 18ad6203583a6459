// Package img contains routines for manipulating sets of grayscale face images.
package img

import (
	"image"
	"image/color"
	"math"
)

// Gray is a color with a single float32 intensity, 0 is black and 1 is white.
type Gray struct {
	Y float32
}

func (c Gray) RGBA() (r, g, b, a uint32) {
	v := uint32(clamp(c.Y) * 0xffff)
	return v, v, v, 0xffff
}

// GrayModel converts any color to Gray using the ITU-R 601 luma weights.
var GrayModel = color.ModelFunc(func(c color.Color) color.Color {
	if g, ok := c.(Gray); ok {
		return g
	}
	r, g, b, _ := c.RGBA()
	return Gray{Y: (0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)) / 0xffff}
})

// GrayImage is an image.Image with float32 pixels stored in row major order.
type GrayImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewGray(width, height int) *GrayImage {
	return &GrayImage{Pix: make([]float32, width*height), Width: width, Height: height}
}

// NewGrayFromBytes converts 8 bit pixels to the range 0-1.
func NewGrayFromBytes(width, height int, pix []byte) *GrayImage {
	m := NewGray(width, height)
	for i := range m.Pix {
		m.Pix[i] = float32(pix[i]) / 255
	}
	return m
}

func (m *GrayImage) ColorModel() color.Model { return GrayModel }

func (m *GrayImage) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

func (m *GrayImage) inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.Width && y < m.Height
}

// GrayAt returns black for points outside the image.
func (m *GrayImage) GrayAt(x, y int) Gray {
	if !m.inside(x, y) {
		return Gray{}
	}
	return Gray{Y: m.Pix[y*m.Width+x]}
}

func (m *GrayImage) At(x, y int) color.Color { return m.GrayAt(x, y) }

func (m *GrayImage) Set(x, y int, c color.Color) {
	if m.inside(x, y) {
		m.Pix[y*m.Width+x] = GrayModel.Convert(c).(Gray).Y
	}
}

func (m *GrayImage) Clone() *GrayImage {
	c := *m
	c.Pix = append([]float32(nil), m.Pix...)
	return &c
}

// Sample returns the bilinear interpolated intensity at a fractional position.
func (m *GrayImage) Sample(x, y float64) float32 {
	fx, fy := math.Floor(x), math.Floor(y)
	ix, iy := int(fx), int(fy)
	dx, dy := float32(x-fx), float32(y-fy)
	top := lerp(m.GrayAt(ix, iy).Y, m.GrayAt(ix+1, iy).Y, dx)
	bottom := lerp(m.GrayAt(ix, iy+1).Y, m.GrayAt(ix+1, iy+1).Y, dx)
	return lerp(top, bottom, dy)
}

// new image where each pixel is taken from the source position returned by fn
func (m *GrayImage) remap(fn func(x, y int) (int, int)) *GrayImage {
	dst := NewGray(m.Width, m.Height)
	i := 0
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			dst.Pix[i] = m.GrayAt(fn(x, y)).Y
			i++
		}
	}
	return dst
}

// Highlight converts to RGBA for display. Misclassified images are tinted red.
func Highlight(src *GrayImage, on bool) image.Image {
	dst := image.NewRGBA(src.Bounds())
	for i, v := range src.Pix {
		c := uint8(clamp(v) * 255)
		px := dst.Pix[4*i : 4*i+4]
		if on {
			px[0], px[1], px[2] = 0xff, c/2, c/2
		} else {
			px[0], px[1], px[2] = c, c, c
		}
		px[3] = 0xff
	}
	return dst
}

// Rescale maps the pixel range of src to 0-1 for display.
func Rescale(src *GrayImage) *GrayImage {
	dst := NewGray(src.Width, src.Height)
	if len(src.Pix) == 0 {
		return dst
	}
	lo, hi := src.Pix[0], src.Pix[0]
	for _, v := range src.Pix[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	if hi-lo < epsilon {
		return dst
	}
	for i, v := range src.Pix {
		dst.Pix[i] = (v - lo) / (hi - lo)
	}
	return dst
}

func lerp(a, b, t float32) float32 { return a + (b-a)*t }

func clamp(x float32) float32 { return min(max(x, 0), 1) }
