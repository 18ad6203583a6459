// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jnb666/deepemotion/num"
	"github.com/pkg/errors"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	BatchSize int
	Step      int
	Epoch     int
	Hooks     []Hook
	queue     num.Queue
	opt       Optimiser
	params    []*Param
	inShape   []int
	classes   num.Array
	losses    num.Array
	inputGrad num.Array
}

// Param is a trainable weight or bias array with its gradient and optimiser state
type Param struct {
	Name  string
	Value num.Array
	Grad  num.Array
	State []num.Array
}

// New function creates a new network with the given layers. inShape is the shape of one input sample.
func New(q num.Queue, conf Config, batchSize int, inShape []int, rng *rand.Rand) (*Network, error) {
	opt, err := NewOptimiser(conf)
	if err != nil {
		return nil, err
	}
	n := &Network{Config: conf, BatchSize: batchSize, queue: q, opt: opt}
	n.inShape = append([]int{batchSize}, inShape...)
	shape := n.inShape
	count := map[string]int{}
	for i, l := range conf.Layers {
		layer, err := l.Unmarshal()
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if err = layer.Init(q, shape, rng); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		switch lay := layer.(type) {
		case *softmaxLayer:
			lay.again = !conf.SingleSoftmax
		case *dropoutLayer:
			lay.active = conf.TrainDropout
		}
		n.Layers = append(n.Layers, layer)
		if pl, ok := layer.(ParamLayer); ok {
			count[layer.Type()]++
			name := fmt.Sprintf("%s%d", layer.Type(), count[layer.Type()])
			W, B := pl.Params()
			dW, dB := pl.ParamGrads()
			n.params = append(n.params, n.newParam(name+"/W", W, dW), n.newParam(name+"/B", B, dB))
		}
		shape = layer.OutShape()
		if conf.DebugLevel >= 1 {
			fmt.Printf("layer %2d: %-30s %v\n", i, layer.ToString(), shape)
		}
	}
	if len(n.Layers) == 0 {
		return nil, errors.New("network has no layers")
	}
	if _, ok := n.OutLayer().(OutputLayer); !ok {
		return nil, errors.New("final layer should be softmax activation")
	}
	n.classes = q.NewArray(num.Int32, batchSize)
	n.losses = q.NewArray(num.Float32, batchSize)
	n.inputGrad = q.NewArray(num.Float32, shape...)
	return n, nil
}

func (n *Network) newParam(name string, w, dw num.Array) *Param {
	p := &Param{Name: name, Value: w, Grad: dw}
	for i := 0; i < n.opt.Slots(); i++ {
		p.State = append(p.State, n.queue.NewArrayLike(w))
	}
	return p
}

// Trainable parameters
func (n *Network) Params() []*Param {
	return n.params
}

// Initialise network weights and optimiser state
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(n.queue, n.WeightInit, rng)
		}
	}
	for _, p := range n.params {
		for _, s := range p.State {
			n.queue.Call(num.Fill(s, 0))
		}
	}
	n.Step = 0
	n.Epoch = 0
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// CopyTo copies the weights, biases and batch norm running averages to net, which must have
// the same layers.
func (n *Network) CopyTo(net *Network) {
	q := n.queue
	for i, src := range n.Layers {
		if p, ok := src.(ParamLayer); ok {
			w, b := p.Params()
			net.Layers[i].(ParamLayer).SetParams(q, w, b)
		}
		if bn, ok := src.(*batchNormLayer); ok {
			mean, variance := bn.Stats()
			dstMean, dstVar := net.Layers[i].(*batchNormLayer).Stats()
			q.Call(num.Copy(dstMean, mean), num.Copy(dstVar, variance))
		}
	}
	q.Finish()
	net.Step, net.Epoch = n.Step, n.Epoch
}

func (n *Network) OutLayer() Layer {
	return n.Layers[len(n.Layers)-1]
}

// Activation returns the layer with the given activation name, or nil.
func (n *Network) Activation(name string) Layer {
	if i := slices.IndexFunc(n.Layers, func(l Layer) bool { return l.Name() == name }); i >= 0 {
		return n.Layers[i]
	}
	return nil
}

// ActivationNames lists the named layers in order.
func (n *Network) ActivationNames() (names []string) {
	for _, l := range n.Layers {
		if name := l.Name(); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// setValid limits the batch norm statistics to the first valid rows of the batch.
func (n *Network) setValid(valid int) {
	for _, layer := range n.Layers {
		if l, ok := layer.(*batchNormLayer); ok {
			l.setRows(valid)
		}
	}
}

// Fprop runs the input forward through each layer and returns the softmax output.
func (n *Network) Fprop(input num.Array, trainMode bool) num.Array {
	out := input
	for i, layer := range n.Layers {
		out = layer.Fprop(n.queue, out, trainMode)
		n.debugArray("fprop", i, out)
	}
	return out
}

// Bprop propagates the gradient of the loss with respect to the softmax input back to the first layer.
func (n *Network) Bprop(grad num.Array) {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(n.queue, grad)
		n.debugArray("bprop", i, grad)
	}
}

func (n *Network) debugArray(pass string, layer int, a num.Array) {
	if n.DebugLevel >= 3 {
		fmt.Printf("%s layer %d output:\n%s", pass, layer, a.String(n.queue))
	}
}

// Apply one optimiser step to all of the parameters and increment the global step
func (n *Network) Update() {
	n.Step++
	for _, p := range n.params {
		n.opt.Update(n.queue, n.Step, p.Value, p.Grad, p.State)
	}
}

// String returns the config settings followed by each layer and its input shape.
func (n *Network) String() string {
	var b strings.Builder
	b.WriteString(n.Config.configString())
	b.WriteString("\n== Network ==")
	shape := n.inShape
	for i, layer := range n.Layers {
		fmt.Fprintf(&b, "\n%2d: %-25s %v", i, layer.ToString(), shape)
		shape = layer.OutShape()
	}
	return b.String()
}

// Print network weights
func (n *Network) PrintWeights() {
	for _, p := range n.params {
		fmt.Printf("== %s ==\n%s\n", p.Name, p.Value.String(n.queue))
	}
}

// SetSeed returns a generator with the given seed, or seeded from the time if seed <= 0.
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UnixNano()
	}
	fmt.Println("random seed =", seed)
	return rand.New(rand.NewSource(seed))
}

// CheckErr prints the error with its stack trace and exits.
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
