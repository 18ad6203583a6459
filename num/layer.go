package num

import (
	"fmt"
	"math"
	"math/rand"
)

// Layer interface type represents a DNN layer
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
	String() string
	Release()
}

// NormLayer is a batch normalisation layer which may hold running averages of the batch mean and variance.
// SetRows limits the batch statistics to the first rows of the input, the rest are padding and their
// output and gradient are zero. Zero uses all rows.
type NormLayer interface {
	Layer
	Stats() (mean, variance Array)
	SetRows(rows int)
}

type layerImpl interface {
	Layer
	fprop(trainMode bool)
	bpropData()
	bpropFilter()
	bpropBias()
}

// Forward propagation
func Fprop(layer Layer, trainMode bool) Function {
	l := layer.(layerImpl)
	return NewFunction(l.Type()+"_fprop", func() { l.fprop(trainMode) })
}

// Backward propagation
func BpropData(layer Layer) Function {
	l := layer.(layerImpl)
	return NewFunction(l.Type()+"_bprop", l.bpropData)
}

func BpropFilter(layer Layer) Function {
	l := layer.(layerImpl)
	if !l.HasParams() {
		panic("BpropFilter: layer has no parameters")
	}
	return NewFunction(l.Type()+"_bprop_filter", l.bpropFilter)
}

func BpropBias(layer Layer) Function {
	l := layer.(layerImpl)
	if !l.HasParams() {
		panic("BpropBias: layer has no parameters")
	}
	return NewFunction(l.Type()+"_bprop_bias", l.bpropBias)
}

// common fields for all layer types
type layerBase struct {
	name      string
	inShape   []int
	outShape  []int
	filtShape []int
	biasShape []int
	threads   int
	src, ddst Array
	dst, dsrc Array
	w, b      Array
	dw, db    Array
}

func newLayerBase(d cpuDevice, name string, inShape, outShape []int) layerBase {
	return layerBase{
		name:     name,
		inShape:  inShape,
		outShape: outShape,
		threads:  d.threads,
		dst:      d.NewArray(Float32, outShape...),
		dsrc:     d.NewArray(Float32, inShape...),
	}
}

func (l *layerBase) Type() string { return l.name }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) FilterShape() []int { return l.filtShape }

func (l *layerBase) BiasShape() []int { return l.biasShape }

func (l *layerBase) HasParams() bool { return l.filtShape != nil }

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.dsrc }

func (l *layerBase) SetSrc(a Array) {
	if a.Size() != Prod(l.inShape) {
		panic(fmt.Sprintf("%s: SetSrc input shape %v expecting %v", l.name, a.Dims(), l.inShape))
	}
	l.src = a
}

func (l *layerBase) SetDiffDst(a Array) {
	if a.Size() != Prod(l.outShape) {
		panic(fmt.Sprintf("%s: SetDiffDst shape %v expecting %v", l.name, a.Dims(), l.outShape))
	}
	l.ddst = a
}

func (l *layerBase) SetParams(W, B, dW, dB Array) {
	if !l.HasParams() {
		panic(l.name + ": layer has no parameters")
	}
	if !SameShape(W.Dims(), l.filtShape) || !SameShape(dW.Dims(), l.filtShape) {
		panic(fmt.Sprintf("%s: weights shape %v expecting %v", l.name, W.Dims(), l.filtShape))
	}
	if !SameShape(B.Dims(), l.biasShape) || !SameShape(dB.Dims(), l.biasShape) {
		panic(fmt.Sprintf("%s: bias shape %v expecting %v", l.name, B.Dims(), l.biasShape))
	}
	l.w, l.b, l.dw, l.db = W, B, dW, dB
}

func (l *layerBase) String() string {
	s := fmt.Sprintf("[%s] inShape=%v outShape=%v", l.name, l.inShape, l.outShape)
	if l.HasParams() {
		s += fmt.Sprintf(" filter=%v bias=%v", l.filtShape, l.biasShape)
	}
	return s + "\n"
}

func (l *layerBase) Release() {}

func (l *layerBase) bpropFilter() {}

func (l *layerBase) bpropBias() {}

// Fully connected layer: dst = src * W + B
type linearLayer struct {
	layerBase
}

func (d cpuDevice) LinearLayer(nBatch, nIn, nOut int) Layer {
	l := &linearLayer{layerBase: newLayerBase(d, "linear", []int{nBatch, nIn}, []int{nBatch, nOut})}
	l.filtShape = []int{nIn, nOut}
	l.biasShape = []int{nOut}
	return l
}

func (l *linearLayer) fprop(trainMode bool) {
	src, dst := l.src.Reshape(l.inShape...), l.dst
	Copy(dst, l.b).fn()
	Gemm(1, 1, src, l.w, dst, NoTrans, NoTrans).fn()
}

func (l *linearLayer) bpropData() {
	Gemm(1, 0, l.ddst.Reshape(l.outShape...), l.w, l.dsrc, NoTrans, Trans).fn()
}

func (l *linearLayer) bpropFilter() {
	Gemm(1, 0, l.src.Reshape(l.inShape...), l.ddst.Reshape(l.outShape...), l.dw, Trans, NoTrans).fn()
}

func (l *linearLayer) bpropBias() {
	sumRows(l.ddst.Float32(), l.db.Float32(), l.outShape[0], l.outShape[1])
}

// db[j] = sum_i dy[i,j]
func sumRows(dy, db []float32, rows, cols int) {
	for j := range db[:cols] {
		db[j] = 0
	}
	for i := 0; i < rows; i++ {
		for j, v := range dy[i*cols : (i+1)*cols] {
			db[j] += v
		}
	}
}

// Convolution layer with square filters, zero padding and bias, uses im2col + gemm per sample.
type convLayer struct {
	layerBase
	size, stride, pad int
	col               [][]float32
	dwTemp            [][]float32
}

// ConvOutSize returns the output size along one axis of a convolution or pooling layer.
func ConvOutSize(in, size, stride, pad int) int {
	return (in+2*pad-size)/stride + 1
}

func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	if stride < 1 {
		stride = 1
	}
	hOut := ConvOutSize(h, size, stride, pad)
	wOut := ConvOutSize(w, size, stride, pad)
	if hOut < 1 || wOut < 1 {
		panic(fmt.Sprintf("ConvLayer: input %dx%d too small for filter size %d", h, w, size))
	}
	l := &convLayer{
		layerBase: newLayerBase(d, "conv", []int{nBatch, depth, h, w}, []int{nBatch, nFeats, hOut, wOut}),
		size:      size,
		stride:    stride,
		pad:       pad,
	}
	l.filtShape = []int{nFeats, depth, size, size}
	l.biasShape = []int{nFeats}
	colSize := depth * size * size * hOut * wOut
	for i := 0; i < d.threads; i++ {
		l.col = append(l.col, make([]float32, colSize))
		l.dwTemp = append(l.dwTemp, make([]float32, Prod(l.filtShape)))
	}
	return l
}

func (l *convLayer) dims() (n, c, h, w, f, ho, wo int) {
	return l.inShape[0], l.inShape[1], l.inShape[2], l.inShape[3], l.outShape[1], l.outShape[2], l.outShape[3]
}

func (l *convLayer) fprop(trainMode bool) {
	n, c, h, w, f, ho, wo := l.dims()
	inSize, outSize, k := c*h*w, f*ho*wo, c*l.size*l.size
	src, dst := l.src.Float32(), l.dst.Float32()
	wmat := blasMat(f, k, l.w.Float32())
	bias := l.b.Float32()
	parallel(l.threads, n, func(worker, i int) {
		col := l.col[worker]
		im2col(src[i*inSize:(i+1)*inSize], col, c, h, w, ho, wo, l.size, l.stride, l.pad)
		out := dst[i*outSize : (i+1)*outSize]
		for j := 0; j < f; j++ {
			for p := j * ho * wo; p < (j+1)*ho*wo; p++ {
				out[p] = bias[j]
			}
		}
		gemm(NoTrans, NoTrans, 1, 1, wmat, blasMat(k, ho*wo, col), blasMat(f, ho*wo, out))
	})
}

func (l *convLayer) bpropData() {
	n, c, h, w, f, ho, wo := l.dims()
	inSize, outSize, k := c*h*w, f*ho*wo, c*l.size*l.size
	ddst, dsrc := l.ddst.Float32(), l.dsrc.Float32()
	wmat := blasMat(f, k, l.w.Float32())
	parallel(l.threads, n, func(worker, i int) {
		col := l.col[worker]
		gemm(Trans, NoTrans, 1, 0, wmat, blasMat(f, ho*wo, ddst[i*outSize:(i+1)*outSize]), blasMat(k, ho*wo, col))
		col2im(col, dsrc[i*inSize:(i+1)*inSize], c, h, w, ho, wo, l.size, l.stride, l.pad)
	})
}

func (l *convLayer) bpropFilter() {
	n, c, h, w, f, ho, wo := l.dims()
	inSize, outSize, k := c*h*w, f*ho*wo, c*l.size*l.size
	src, ddst := l.src.Float32(), l.ddst.Float32()
	for _, dw := range l.dwTemp {
		for i := range dw {
			dw[i] = 0
		}
	}
	parallel(l.threads, n, func(worker, i int) {
		col := l.col[worker]
		im2col(src[i*inSize:(i+1)*inSize], col, c, h, w, ho, wo, l.size, l.stride, l.pad)
		gemm(NoTrans, Trans, 1, 1, blasMat(f, ho*wo, ddst[i*outSize:(i+1)*outSize]), blasMat(k, ho*wo, col), blasMat(f, k, l.dwTemp[worker]))
	})
	dw := l.dw.Float32()
	copy(dw, l.dwTemp[0])
	for _, temp := range l.dwTemp[1:] {
		for i, v := range temp {
			dw[i] += v
		}
	}
}

func (l *convLayer) bpropBias() {
	n, _, _, _, f, ho, wo := l.dims()
	ddst, db := l.ddst.Float32(), l.db.Float32()
	for j := range db {
		db[j] = 0
	}
	plane := ho * wo
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			var sum float32
			for _, v := range ddst[(i*f+j)*plane : (i*f+j+1)*plane] {
				sum += v
			}
			db[j] += sum
		}
	}
}

// unroll input patches for one sample into columns: col[(ch*size+ky)*size+kx, oy*wo+ox]
func im2col(in, col []float32, c, h, w, ho, wo, size, stride, pad int) {
	row := 0
	for ch := 0; ch < c; ch++ {
		for ky := 0; ky < size; ky++ {
			for kx := 0; kx < size; kx++ {
				out := col[row*ho*wo : (row+1)*ho*wo]
				for oy := 0; oy < ho; oy++ {
					y := oy*stride + ky - pad
					for ox := 0; ox < wo; ox++ {
						x := ox*stride + kx - pad
						if y < 0 || y >= h || x < 0 || x >= w {
							out[oy*wo+ox] = 0
						} else {
							out[oy*wo+ox] = in[(ch*h+y)*w+x]
						}
					}
				}
				row++
			}
		}
	}
}

// inverse of im2col, values which map to the same input are summed
func col2im(col, in []float32, c, h, w, ho, wo, size, stride, pad int) {
	for i := range in {
		in[i] = 0
	}
	row := 0
	for ch := 0; ch < c; ch++ {
		for ky := 0; ky < size; ky++ {
			for kx := 0; kx < size; kx++ {
				src := col[row*ho*wo : (row+1)*ho*wo]
				for oy := 0; oy < ho; oy++ {
					y := oy*stride + ky - pad
					if y < 0 || y >= h {
						continue
					}
					for ox := 0; ox < wo; ox++ {
						x := ox*stride + kx - pad
						if x >= 0 && x < w {
							in[(ch*h+y)*w+x] += src[oy*wo+ox]
						}
					}
				}
				row++
			}
		}
	}
}

// Max pooling layer with no padding, the index of the max value is saved for back propagation.
type poolLayer struct {
	layerBase
	size, stride int
	index        []int32
}

func (d cpuDevice) MaxPoolLayer(inShape []int, size, stride int) Layer {
	if len(inShape) != 4 {
		panic("MaxPoolLayer: expect 4 dimensional input")
	}
	if stride < 1 {
		stride = size
	}
	hOut := ConvOutSize(inShape[2], size, stride, 0)
	wOut := ConvOutSize(inShape[3], size, stride, 0)
	outShape := []int{inShape[0], inShape[1], hOut, wOut}
	l := &poolLayer{layerBase: newLayerBase(d, "maxPool", inShape, outShape), size: size, stride: stride}
	l.index = make([]int32, Prod(outShape))
	return l
}

func (l *poolLayer) fprop(trainMode bool) {
	n, c, h, w := l.inShape[0], l.inShape[1], l.inShape[2], l.inShape[3]
	ho, wo := l.outShape[2], l.outShape[3]
	src, dst := l.src.Float32(), l.dst.Float32()
	parallel(l.threads, n*c, func(worker, plane int) {
		in := src[plane*h*w : (plane+1)*h*w]
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				best := (oy*l.stride)*w + ox*l.stride
				for ky := 0; ky < l.size; ky++ {
					for kx := 0; kx < l.size; kx++ {
						pos := (oy*l.stride+ky)*w + ox*l.stride + kx
						if in[pos] > in[best] {
							best = pos
						}
					}
				}
				out := plane*ho*wo + oy*wo + ox
				dst[out] = in[best]
				l.index[out] = int32(best)
			}
		}
	})
}

func (l *poolLayer) bpropData() {
	n, c, h, w := l.inShape[0], l.inShape[1], l.inShape[2], l.inShape[3]
	ho, wo := l.outShape[2], l.outShape[3]
	ddst, dsrc := l.ddst.Float32(), l.dsrc.Float32()
	for i := range dsrc {
		dsrc[i] = 0
	}
	for plane := 0; plane < n*c; plane++ {
		for j := plane * ho * wo; j < (plane+1)*ho*wo; j++ {
			dsrc[plane*h*w+int(l.index[j])] += ddst[j]
		}
	}
}

// Batch normalisation without scale or offset parameters. Mean and variance are calculated per channel
// over the batch and spatial dimensions.
type batchNormLayer struct {
	layerBase
	epsilon    float64
	avgFactor  float64
	mean       []float64
	invStd     []float64
	runMean    Array
	runVar     Array
	batchStats bool
	rows       int
}

func (d cpuDevice) BatchNormLayer(inShape []int, epsilon, avgFactor float64) Layer {
	if len(inShape) != 2 && len(inShape) != 4 {
		panic("BatchNormLayer: expect 2 or 4 dimensional input")
	}
	l := &batchNormLayer{
		layerBase: newLayerBase(d, "batchNorm", inShape, inShape),
		epsilon:   epsilon,
		avgFactor: avgFactor,
		mean:      make([]float64, inShape[1]),
		invStd:    make([]float64, inShape[1]),
		runMean:   d.NewArray(Float32, inShape[1]),
		runVar:    d.NewArray(Float32, inShape[1]),
	}
	rv := l.runVar.Float32()
	for i := range rv {
		rv[i] = 1
	}
	return l
}

func (l *batchNormLayer) Stats() (mean, variance Array) {
	return l.runMean, l.runVar
}

func (l *batchNormLayer) SetRows(rows int) {
	if rows < 0 || rows > l.inShape[0] {
		panic(fmt.Sprintf("SetRows: %d rows invalid for batch of %d", rows, l.inShape[0]))
	}
	l.rows = rows
}

// n is the number of valid rows
func (l *batchNormLayer) dims() (n, c, plane int) {
	n, c, plane = l.inShape[0], l.inShape[1], 1
	if l.rows > 0 {
		n = l.rows
	}
	if len(l.inShape) == 4 {
		plane = l.inShape[2] * l.inShape[3]
	}
	return
}

// zero the rows after the first n
func (l *batchNormLayer) clearPadding(data []float32, n int) {
	clear(data[n*Prod(l.inShape[1:]):])
}

func (l *batchNormLayer) fprop(trainMode bool) {
	n, c, plane := l.dims()
	src, dst := l.src.Float32(), l.dst.Float32()
	l.batchStats = trainMode || l.avgFactor <= 0
	rm, rv := l.runMean.Float32(), l.runVar.Float32()
	parallel(l.threads, c, func(worker, ch int) {
		var mean, variance float64
		if l.batchStats {
			for i := 0; i < n; i++ {
				for _, v := range src[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					mean += float64(v)
				}
			}
			mean /= float64(n * plane)
			for i := 0; i < n; i++ {
				for _, v := range src[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= float64(n * plane)
			if trainMode && l.avgFactor > 0 {
				rm[ch] = float32((1-l.avgFactor)*float64(rm[ch]) + l.avgFactor*mean)
				rv[ch] = float32((1-l.avgFactor)*float64(rv[ch]) + l.avgFactor*variance)
			}
		} else {
			mean, variance = float64(rm[ch]), float64(rv[ch])
		}
		invStd := 1 / math.Sqrt(variance+l.epsilon)
		l.mean[ch], l.invStd[ch] = mean, invStd
		for i := 0; i < n; i++ {
			for j := (i*c + ch) * plane; j < (i*c+ch+1)*plane; j++ {
				dst[j] = float32((float64(src[j]) - mean) * invStd)
			}
		}
	})
	l.clearPadding(dst, n)
}

// gradient including the dependency of the batch mean and variance on the input
func (l *batchNormLayer) bpropData() {
	n, c, plane := l.dims()
	xhat, ddst, dsrc := l.dst.Float32(), l.ddst.Float32(), l.dsrc.Float32()
	m := float64(n * plane)
	parallel(l.threads, c, func(worker, ch int) {
		var sumDy, sumDyX float64
		if l.batchStats {
			for i := 0; i < n; i++ {
				for j := (i*c + ch) * plane; j < (i*c+ch+1)*plane; j++ {
					sumDy += float64(ddst[j])
					sumDyX += float64(ddst[j]) * float64(xhat[j])
				}
			}
		}
		invStd := l.invStd[ch]
		for i := 0; i < n; i++ {
			for j := (i*c + ch) * plane; j < (i*c+ch+1)*plane; j++ {
				if l.batchStats {
					dsrc[j] = float32(invStd / m * (m*float64(ddst[j]) - sumDy - float64(xhat[j])*sumDyX))
				} else {
					dsrc[j] = float32(invStd * float64(ddst[j]))
				}
			}
		}
	})
	l.clearPadding(dsrc, n)
}

// Inverted dropout: in training mode each value is zeroed with probability ratio and the rest are scaled by 1/(1-ratio).
type dropoutLayer struct {
	layerBase
	ratio float64
	mask  []float32
	rng   *rand.Rand
}

func (d cpuDevice) DropoutLayer(inShape []int, ratio float64, seed int64) Layer {
	if ratio < 0 || ratio >= 1 {
		panic(fmt.Sprintf("DropoutLayer: invalid ratio %g", ratio))
	}
	return &dropoutLayer{
		layerBase: newLayerBase(d, "dropout", inShape, inShape),
		ratio:     ratio,
		mask:      make([]float32, Prod(inShape)),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (l *dropoutLayer) fprop(trainMode bool) {
	src, dst := l.src.Float32(), l.dst.Float32()
	scale := float32(1 / (1 - l.ratio))
	for i := range l.mask {
		if !trainMode {
			l.mask[i] = 1
		} else if l.rng.Float64() < l.ratio {
			l.mask[i] = 0
		} else {
			l.mask[i] = scale
		}
		dst[i] = src[i] * l.mask[i]
	}
}

func (l *dropoutLayer) bpropData() {
	ddst, dsrc := l.ddst.Float32(), l.dsrc.Float32()
	for i, m := range l.mask {
		dsrc[i] = ddst[i] * m
	}
}
