package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/jnb666/deepemotion/num"
	"github.com/pkg/errors"
)

// Layer is one stage of the network. Fprop and Bprop add their work to the queue and return the
// output or input gradient array.
type Layer interface {
	Init(q num.Queue, inShape []int, rng *rand.Rand) error
	InShape() []int
	OutShape() []int
	Fprop(q num.Queue, in num.Array, trainMode bool) num.Array
	Bprop(q num.Queue, grad num.Array) num.Array
	Output() num.Array
	Name() string
	Type() string
	ToString() string
}

// ParamLayer has trainable weights and biases.
type ParamLayer interface {
	Layer
	InitParams(q num.Queue, init InitType, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(q num.Queue, W, B num.Array)
}

// OutputLayer is the last layer and computes the loss for each sample. LossGrad sets grad to the
// gradient of the summed loss with respect to the layer input, it is called after Loss.
type OutputLayer interface {
	Layer
	Loss(q num.Queue, yOneHot, yPred, loss num.Array)
	LossGrad(q num.Queue, yOneHot, yPred, grad num.Array)
}

// LayerConfig is the serialised form of a layer in the network config: the layer type name and its
// JSON encoded settings.
type LayerConfig struct {
	Type string
	Data json.RawMessage
}

// ConfigLayer is implemented by each of the layer settings types.
type ConfigLayer interface {
	Marshal() LayerConfig
}

type layerSettings interface {
	create() Layer
}

var layerTypes = map[string]func() layerSettings{
	"conv":       func() layerSettings { return new(Conv) },
	"maxPool":    func() layerSettings { return new(Pool) },
	"batchNorm":  func() layerSettings { return new(BatchNorm) },
	"linear":     func() layerSettings { return new(Linear) },
	"activation": func() layerSettings { return new(Activation) },
	"dropout":    func() layerSettings { return new(Dropout) },
	"flatten":    func() layerSettings { return new(Flatten) },
}

// Unmarshal decodes the settings and creates the layer.
func (l LayerConfig) Unmarshal() (Layer, error) {
	newSettings, ok := layerTypes[l.Type]
	if !ok {
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
	s := newSettings()
	if len(l.Data) != 0 {
		if err := json.Unmarshal(l.Data, s); err != nil {
			return nil, errors.Wrapf(err, "error decoding %s layer", l.Type)
		}
	}
	if a, ok := s.(*Activation); ok && a.Atype != "relu" && a.Atype != "softmax" {
		return nil, errors.Errorf("activation type %q invalid", a.Atype)
	}
	return s.create(), nil
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

func encode(typ string, settings any) LayerConfig {
	data, err := json.Marshal(settings)
	if err != nil {
		panic(err)
	}
	return LayerConfig{Type: typ, Data: data}
}

// Conv is a convolution with Nfeats square filters. With Pad set the spatial size is unchanged for stride 1.
type Conv struct {
	Nfeats int
	Size   int
	Stride int
	Pad    bool
}

func (c Conv) Marshal() LayerConfig {
	c.Stride = max(c.Stride, 1)
	return encode("conv", c)
}

func (c Conv) ToString() string { return fmt.Sprintf("conv %+v", c) }

func (c *Conv) create() Layer { return &convLayer{Conv: *c} }

// Pool is max pooling, Stride defaults to Size.
type Pool struct {
	Size, Stride int
}

func (c Pool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return encode("maxPool", c)
}

func (c Pool) ToString() string { return fmt.Sprintf("maxPool %+v", c) }

func (c *Pool) create() Layer { return &poolLayer{Pool: *c} }

// BatchNorm normalises each feature without a learned scale and offset. If AvgFactor is set then
// running averages of the mean and variance are kept in training and used in eval and predict modes.
type BatchNorm struct {
	Epsilon   float64
	AvgFactor float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Epsilon == 0 {
		c.Epsilon = 1e-4
	}
	return encode("batchNorm", c)
}

func (c BatchNorm) ToString() string { return fmt.Sprintf("batchNorm %+v", c) }

func (c *BatchNorm) create() Layer { return &batchNormLayer{BatchNorm: *c} }

// Linear is a fully connected layer with Nout outputs.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig { return encode("linear", c) }

func (c Linear) ToString() string { return fmt.Sprintf("linear %+v", c) }

func (c *Linear) create() Layer { return &linearLayer{Linear: *c} }

// Activation is relu or softmax. A named activation can be returned with the predictions.
type Activation struct {
	Atype string
	Name  string `json:",omitempty"`
}

func (c Activation) Marshal() LayerConfig { return encode("activation", c) }

func (c Activation) ToString() string {
	if c.Name == "" {
		return c.Atype
	}
	return c.Atype + " " + c.Name
}

func (c *Activation) create() Layer {
	if c.Atype == "softmax" {
		return &softmaxLayer{}
	}
	return &reluLayer{Activation: *c}
}

// Dropout zeros each input with probability Ratio when training.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig { return encode("dropout", c) }

func (c Dropout) ToString() string { return fmt.Sprintf("dropout %+v", c) }

func (c *Dropout) create() Layer { return &dropoutLayer{Dropout: *c} }

// Flatten converts [n c h w] input to [n c*h*w].
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig { return LayerConfig{Type: "flatten"} }

func (c *Flatten) create() Layer { return &flattenLayer{} }

func wantDims(layer string, shape []int, n int) error {
	if len(shape) != n {
		return errors.Errorf("%s: expect %d dimensional input, got %v", layer, n, shape)
	}
	return nil
}

// numLayer adapts a num.Layer, which does the work on the queue
type numLayer struct {
	impl num.Layer
}

func (l *numLayer) InShape() []int    { return l.impl.InShape() }
func (l *numLayer) OutShape() []int   { return l.impl.OutShape() }
func (l *numLayer) Output() num.Array { return l.impl.Dst() }
func (l *numLayer) Name() string      { return "" }
func (l *numLayer) Type() string      { return l.impl.Type() }

func (l *numLayer) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.impl.SetSrc(in)
	q.Call(num.Fprop(l.impl, trainMode))
	return l.impl.Dst()
}

func (l *numLayer) Bprop(q num.Queue, grad num.Array) num.Array {
	l.impl.SetDiffDst(grad)
	calls := []num.Function{num.BpropData(l.impl)}
	if l.impl.HasParams() {
		calls = append(calls, num.BpropFilter(l.impl), num.BpropBias(l.impl))
	}
	q.Call(calls...)
	return l.impl.DiffSrc()
}

type convLayer struct {
	Conv
	params
	numLayer
}

func (l *convLayer) Init(q num.Queue, inShape []int, rng *rand.Rand) error {
	if err := wantDims("conv", inShape, 4); err != nil {
		return err
	}
	pad := 0
	if l.Pad {
		pad = l.Size / 2
	}
	l.impl = q.ConvLayer(inShape[0], inShape[1], inShape[2], inShape[3], l.Nfeats, l.Size, l.Stride, pad)
	l.params = newParams(q, l.impl)
	return nil
}

// filter shape is [nout nin h w]
func (l *convLayer) InitParams(q num.Queue, init InitType, rng *rand.Rand) {
	fs := l.impl.FilterShape()
	area := float64(fs[2] * fs[3])
	l.randomise(q, init, area*float64(fs[1]), area*float64(fs[0]), rng)
}

type poolLayer struct {
	Pool
	numLayer
}

func (l *poolLayer) Init(q num.Queue, inShape []int, rng *rand.Rand) error {
	if err := wantDims("maxPool", inShape, 4); err != nil {
		return err
	}
	if min(inShape[2], inShape[3]) < l.Size {
		return errors.Errorf("maxPool: input %v smaller than pool size %d", inShape, l.Size)
	}
	l.impl = q.MaxPoolLayer(inShape, l.Size, l.Stride)
	return nil
}

type batchNormLayer struct {
	BatchNorm
	numLayer
}

func (l *batchNormLayer) Init(q num.Queue, inShape []int, rng *rand.Rand) error {
	l.impl = q.BatchNormLayer(inShape, l.Epsilon, l.AvgFactor)
	return nil
}

// Stats returns the running mean and variance.
func (l *batchNormLayer) Stats() (mean, variance num.Array) {
	return l.impl.(num.NormLayer).Stats()
}

// setRows excludes padding rows after the first valid rows from the batch statistics.
func (l *batchNormLayer) setRows(valid int) {
	l.impl.(num.NormLayer).SetRows(valid)
}

type linearLayer struct {
	Linear
	params
	numLayer
}

func (l *linearLayer) Init(q num.Queue, inShape []int, rng *rand.Rand) error {
	if err := wantDims("linear", inShape, 2); err != nil {
		return err
	}
	l.impl = q.LinearLayer(inShape[0], inShape[1], l.Nout)
	l.params = newParams(q, l.impl)
	return nil
}

// filter shape is [nin nout]
func (l *linearLayer) InitParams(q num.Queue, init InitType, rng *rand.Rand) {
	fs := l.impl.FilterShape()
	l.randomise(q, init, float64(fs[0]), float64(fs[1]), rng)
}

// dropout is only applied when active is set
type dropoutLayer struct {
	Dropout
	numLayer
	active bool
}

func (l *dropoutLayer) Init(q num.Queue, inShape []int, rng *rand.Rand) error {
	if l.Ratio < 0 || l.Ratio >= 1 {
		return errors.Errorf("dropout: invalid ratio %g", l.Ratio)
	}
	l.impl = q.DropoutLayer(inShape, l.Ratio, rng.Int63())
	return nil
}

func (l *dropoutLayer) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	return l.numLayer.Fprop(q, in, trainMode && l.active)
}

// hostLayer has its own output and input gradient arrays
type hostLayer struct {
	inShape []int
	src     num.Array
	dst     num.Array
	dsrc    num.Array
}

func newHostLayer(q num.Queue, shape []int) hostLayer {
	return hostLayer{
		inShape: shape,
		dst:     q.NewArray(num.Float32, shape...),
		dsrc:    q.NewArray(num.Float32, shape...),
	}
}

func (l *hostLayer) InShape() []int    { return l.inShape }
func (l *hostLayer) OutShape() []int   { return l.dst.Dims() }
func (l *hostLayer) Output() num.Array { return l.dst }
func (l *hostLayer) Name() string      { return "" }

type reluLayer struct {
	Activation
	hostLayer
}

func (l *reluLayer) Init(q num.Queue, inShape []int, rng *rand.Rand) error {
	l.hostLayer = newHostLayer(q, inShape)
	return nil
}

func (l *reluLayer) Name() string { return l.Activation.Name }

func (l *reluLayer) Type() string { return "relu" }

func (l *reluLayer) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.src = in
	q.Call(num.Relu(in, l.dst))
	return l.dst
}

func (l *reluLayer) Bprop(q num.Queue, grad num.Array) num.Array {
	q.Call(num.ReluD(l.src, grad, l.dsrc))
	return l.dsrc
}

// Bprop passes the gradient through unchanged: LossGrad returns the gradient at the softmax input.
// If again is set the loss is the cross entropy of softmax applied to the output a second time.
type softmaxLayer struct {
	hostLayer
	again bool
	probs num.Array
}

func (l *softmaxLayer) Init(q num.Queue, inShape []int, rng *rand.Rand) error {
	if err := wantDims("softmax", inShape, 2); err != nil {
		return err
	}
	l.hostLayer = newHostLayer(q, inShape)
	l.probs = q.NewArray(num.Float32, inShape...)
	return nil
}

func (l *softmaxLayer) Type() string     { return "softmax" }
func (l *softmaxLayer) ToString() string { return "softmax" }

func (l *softmaxLayer) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.src = in
	q.Call(num.Softmax(in, l.dst))
	return l.dst
}

func (l *softmaxLayer) Bprop(q num.Queue, grad num.Array) num.Array { return grad }

func (l *softmaxLayer) Loss(q num.Queue, yOneHot, yPred, loss num.Array) {
	if !l.again {
		q.Call(num.SoftmaxLoss(yOneHot, yPred, loss))
		return
	}
	q.Call(
		num.Softmax(yPred, l.probs),
		num.SoftmaxLoss(yOneHot, l.probs, loss),
	)
}

func (l *softmaxLayer) LossGrad(q num.Queue, yOneHot, yPred, grad num.Array) {
	if !l.again {
		q.Call(num.Copy(grad, yPred), num.Axpy(-1, yOneHot, grad))
		return
	}
	q.Call(
		num.Copy(l.dsrc, l.probs),
		num.Axpy(-1, yOneHot, l.dsrc),
		num.SoftmaxD(yPred, l.dsrc, grad),
	)
}

// flattenLayer reshapes without copying
type flattenLayer struct {
	in, out []int
	dst     num.Array
}

func (l *flattenLayer) Init(q num.Queue, inShape []int, rng *rand.Rand) error {
	l.in = inShape
	l.out = []int{inShape[0], num.Prod(inShape[1:])}
	return nil
}

func (l *flattenLayer) InShape() []int    { return l.in }
func (l *flattenLayer) OutShape() []int   { return l.out }
func (l *flattenLayer) Output() num.Array { return l.dst }
func (l *flattenLayer) Name() string      { return "" }
func (l *flattenLayer) Type() string      { return "flatten" }
func (l *flattenLayer) ToString() string  { return "flatten" }

func (l *flattenLayer) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.dst = in.Reshape(l.out...)
	return l.dst
}

func (l *flattenLayer) Bprop(q num.Queue, grad num.Array) num.Array {
	return grad.Reshape(l.in...)
}

// params holds the weights, biases and their gradients, shared with the num.Layer
type params struct {
	w, b, dw, db num.Array
}

func newParams(q num.Queue, layer num.Layer) params {
	fs, bs := layer.FilterShape(), layer.BiasShape()
	p := params{
		w:  q.NewArray(num.Float32, fs...),
		dw: q.NewArray(num.Float32, fs...),
		b:  q.NewArray(num.Float32, bs...),
		db: q.NewArray(num.Float32, bs...),
	}
	layer.SetParams(p.w, p.b, p.dw, p.db)
	return p
}

func (p params) Params() (W, B num.Array) { return p.w, p.b }

func (p params) ParamGrads() (dW, dB num.Array) { return p.dw, p.db }

func (p params) SetParams(q num.Queue, W, B num.Array) {
	q.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

// randomise sets random weights scaled by the fan in and fan out and zero biases
func (p params) randomise(q num.Queue, init InitType, fanIn, fanOut float64, rng *rand.Rand) {
	var sample func() float64
	switch init {
	case GlorotNormal:
		sd := math.Sqrt(2 / (fanIn + fanOut))
		sample = func() float64 { return sd * rng.NormFloat64() }
	case RandomNormal:
		sd := math.Sqrt(1 / fanIn)
		sample = func() float64 { return sd * rng.NormFloat64() }
	default:
		limit := math.Sqrt(6 / (fanIn + fanOut))
		sample = func() float64 { return limit * (2*rng.Float64() - 1) }
	}
	w := make([]float32, p.w.Size())
	for i := range w {
		w[i] = float32(sample())
	}
	q.Call(num.Write(p.w, w), num.Fill(p.b, 0))
}
