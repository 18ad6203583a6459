package img

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// Blur is a separable convolution applied along the rows and then the columns of an image.
// The kernel weights are renormalised where it overlaps the image edge.
type Blur struct {
	kernel []float32
	radius int
	w, h   int
	tmp    []float32
}

// NewGaussian returns a gaussian blur with the given standard deviation, the kernel extends radius
// pixels either side of the centre.
func NewGaussian(sigma float64, radius, width, height int) *Blur {
	norm := distuv.Normal{Mu: 0, Sigma: sigma}
	kernel := make([]float32, 2*radius+1)
	for i := range kernel {
		kernel[i] = float32(norm.Prob(float64(i - radius)))
	}
	return NewBlur(kernel, width, height)
}

// NewBlur creates a blur from a symmetric kernel of odd length.
func NewBlur(kernel []float32, width, height int) *Blur {
	if len(kernel)%2 != 1 {
		panic("NewBlur: kernel length must be odd")
	}
	return &Blur{kernel: kernel, radius: len(kernel) / 2, w: width, h: height, tmp: make([]float32, width*height)}
}

// Apply the blur to in and write the result to out. Not safe for concurrent use.
func (b *Blur) Apply(in, out []float32) {
	b.pass(in, b.tmp, b.w, 1, b.h, b.w)
	b.pass(b.tmp, out, b.h, b.w, b.w, 1)
}

// one dimensional convolution of lines of given size, elements are step apart and lines stride apart
func (b *Blur) pass(in, out []float32, size, step, lines, stride int) {
	for i := 0; i < size; i++ {
		lo, hi := max(i-b.radius, 0), min(i+b.radius, size-1)
		k := b.kernel[lo-i+b.radius : hi-i+b.radius+1]
		var norm float32
		for _, wt := range k {
			norm += wt
		}
		for line := 0; line < lines; line++ {
			pos := line*stride + lo*step
			var sum float32
			for _, wt := range k {
				sum += wt * in[pos]
				pos += step
			}
			out[line*stride+i*step] = sum / norm
		}
	}
}
