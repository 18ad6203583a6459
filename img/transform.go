package img

import (
	"math"
	"math/rand"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r2"
)

const epsilon = 1e-5

// TransType is a bitmask of image transformations.
type TransType int

const NoTrans TransType = 0

const (
	Scale TransType = 1 << iota
	Rotate
	Elastic
	HorizFlip
	Pan
	Normalise
)

// Distortions applied to face images when Distort is set in the config
var FaceTrans = Scale | Rotate | HorizFlip | Pan

var transNames = []string{"Scale", "Rotate", "Elastic", "HorizFlip", "Pan", "Normalise"}

func (t TransType) String() string {
	var names []string
	for i, name := range transNames {
		if t&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// Limits for the random distortions at Amount = 1
var (
	MaxScale     = 0.1
	MaxRotate    = 10.0
	ElasticScale = 0.5
	BlurRadius   = 9
	BlurSigma    = 4.0
	PanPixels    = 3
)

// Transformer applies a random sequence of transformations to images from a data set.
// Each worker thread has its own random source and scratch buffers.
type Transformer struct {
	Amount  float64
	Trans   TransType
	data    *Data
	w, h    int
	workers []*worker
}

type worker struct {
	rng    *rand.Rand
	blur   *Blur
	noise  [2][]float32
	offset [2][]float32
}

func NewTransformer(data *Data, trans TransType, rng *rand.Rand) *Transformer {
	t := &Transformer{Amount: 1, Trans: trans, data: data, h: data.Dims[1], w: data.Dims[2]}
	for i := runtime.GOMAXPROCS(0); i > 0; i-- {
		wk := &worker{
			rng:  rand.New(rand.NewSource(rng.Int63())),
			blur: NewGaussian(BlurSigma, BlurRadius, t.w, t.h),
		}
		for j := range wk.noise {
			wk.noise[j] = make([]float32, t.w*t.h)
			wk.offset[j] = make([]float32, t.w*t.h)
		}
		t.workers = append(t.workers, wk)
	}
	return t
}

// TransformBatch returns a transformed copy of each image, split across the worker threads.
// It panics if any of the images cannot be transformed.
func (t *Transformer) TransformBatch(src []*GrayImage) []*GrayImage {
	dst := make([]*GrayImage, len(src))
	errs := make([]error, len(t.workers))
	var wg sync.WaitGroup
	for thread := range t.workers {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			for i := thread; i < len(src); i += len(t.workers) {
				var err error
				if dst[i], err = t.Transform(src[i], thread); err != nil && errs[thread] == nil {
					errs[thread] = err
				}
			}
		}(thread)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			panic(err)
		}
	}
	return dst
}

// Transform applies the enabled transformations to m using the given worker thread.
func (t *Transformer) Transform(m *GrayImage, thread int) (*GrayImage, error) {
	if m.Width != t.w || m.Height != t.h {
		return m, errors.Errorf("Transform: image size %dx%d expecting %dx%d", m.Width, m.Height, t.w, t.h)
	}
	wk := t.workers[thread%len(t.workers)]
	if t.Trans&(Scale|Rotate|Elastic) != 0 {
		m = t.distort(m, wk)
	}
	if t.Trans&HorizFlip != 0 && wk.rng.Intn(2) == 1 {
		m = m.remap(func(x, y int) (int, int) { return t.w - 1 - x, y })
	}
	if t.Trans&Pan != 0 {
		n := int(math.Round(float64(PanPixels) * t.Amount))
		ox, oy := wk.rng.Intn(2*n+1)-n, wk.rng.Intn(2*n+1)-n
		if ox != 0 || oy != 0 {
			m = m.remap(func(x, y int) (int, int) { return reflect(x-ox, t.w), reflect(y-oy, t.h) })
		}
	}
	if t.Trans&Normalise != 0 {
		return t.normalise(m)
	}
	return m, nil
}

// scale to zero mean and unit variance using the data set statistics
func (t *Transformer) normalise(m *GrayImage) (*GrayImage, error) {
	if len(t.data.Mean) == 0 || len(t.data.StdDev) == 0 || t.data.StdDev[0] < epsilon {
		return m, errors.New("normalise: data set mean and stddev not set")
	}
	dst := m.Clone()
	mean, scale := t.data.Mean[0], 1/t.data.StdDev[0]
	for i := range dst.Pix {
		dst.Pix[i] = (dst.Pix[i] - mean) * scale
	}
	return dst, nil
}

// Each output pixel is sampled from the source after rotating and scaling about the image centre
// and adding a smoothed random offset.
func (t *Transformer) distort(src *GrayImage, wk *worker) *GrayImage {
	amount := t.Amount
	for _, buf := range wk.offset {
		clear(buf)
	}
	if t.Trans&Elastic != 0 {
		for j, buf := range wk.noise {
			for i := range buf {
				buf[i] = 2*wk.rng.Float32() - 1
			}
			wk.blur.Apply(buf, wk.offset[j])
		}
	}
	elastic := amount * ElasticScale * float64(max(t.w, t.h))
	scale := r2.Vec{X: 1, Y: 1}
	if t.Trans&Scale != 0 {
		scale.X += amount * MaxScale * (2*wk.rng.Float64() - 1)
		scale.Y += amount * MaxScale * (2*wk.rng.Float64() - 1)
	}
	var angle float64
	if t.Trans&Rotate != 0 {
		angle = amount * MaxRotate * (2*wk.rng.Float64() - 1) * math.Pi / 180
	}
	centre := r2.Vec{X: float64(t.w-1) / 2, Y: float64(t.h-1) / 2}
	rot := r2.NewRotation(angle, centre)
	dst := NewGray(t.w, t.h)
	for y := 0; y < t.h; y++ {
		for x := 0; x < t.w; x++ {
			i := x + y*t.w
			p := rot.Rotate(r2.Vec{X: float64(x), Y: float64(y)})
			sx := centre.X + (p.X-centre.X)*scale.X + elastic*float64(wk.offset[0][i])
			sy := centre.Y + (p.Y-centre.Y)*scale.Y + elastic*float64(wk.offset[1][i])
			dst.Pix[i] = src.Sample(sx, sy)
		}
	}
	return dst
}

// reflect coordinate at the image edge
func reflect(x, n int) int {
	switch {
	case x < 0:
		return -x - 1
	case x >= n:
		return 2*n - x - 1
	default:
		return x
	}
}
