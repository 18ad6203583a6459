package nnet

import (
	"fmt"
	"log"

	"github.com/jnb666/deepemotion/num"
	"github.com/jnb666/deepemotion/summary"
	"github.com/pkg/errors"
)

// Execution mode for the model function
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
	ModePredict
)

var modeNames = []string{"train", "eval", "predict"}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Parse mode from name
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if s == name {
			return Mode(i), nil
		}
	}
	return 0, errors.Errorf("invalid mode %q: should be train, eval or predict", s)
}

// Predictions for the valid rows of a batch
type Predictions struct {
	Classes       []int32
	Probabilities [][]float32
	Activations   map[string]Activations
}

// Activations of a named layer for each sample, Shape is the per sample shape
type Activations struct {
	Shape []int
	Data  [][]float32
}

// Spec is the result of running the model function
type Spec struct {
	Mode        Mode
	Predictions *Predictions
	Loss        float64
	Metrics     map[string]float64
	Step        int
	Hooks       []Hook
}

// Streaming accuracy metric
type Accuracy struct {
	Correct, Total int
}

func (a *Accuracy) Update(pred, labels []int32) {
	for i, p := range pred {
		if p == labels[i] {
			a.Correct++
		}
	}
	a.Total += len(pred)
}

func (a *Accuracy) Value() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Total)
}

func (a *Accuracy) Reset() {
	a.Correct, a.Total = 0, 0
}

// ModelFn runs the network on one batch.
// In predict mode it returns the predicted classes, probabilities and named activations.
// In eval mode it returns the mean loss over the batch and updates the accuracy metric.
// In train mode it also back propagates the loss, applies the optimiser and increments the global step.
// If metric is nil then the accuracy for this batch only is returned.
func (n *Network) ModelFn(mode Mode, b Batch, metric *Accuracy) (Spec, error) {
	if b.Valid <= 0 || b.Valid > n.BatchSize {
		return Spec{}, errors.Errorf("ModelFn: invalid batch with %d valid rows", b.Valid)
	}
	if !num.SameShape(b.X.Dims(), n.inShape) {
		return Spec{}, errors.Errorf("ModelFn: input shape %v expecting %v", b.X.Dims(), n.inShape)
	}
	q := n.queue
	n.setValid(b.Valid)
	yPred := n.Fprop(b.X, mode == ModeTrain)
	q.Call(num.Unhot(yPred, n.classes))
	classes := make([]int32, n.BatchSize)
	q.Call(num.Read(n.classes, classes))

	if mode == ModePredict {
		pred := n.predictions(yPred, classes[:b.Valid])
		return Spec{Mode: mode, Predictions: pred, Step: n.Step}, nil
	}
	if b.Y == nil || b.YOneHot == nil {
		return Spec{}, errors.Errorf("ModelFn: labels required in %s mode", mode)
	}
	// mean cross entropy over the valid rows
	out := n.OutLayer().(OutputLayer)
	out.Loss(q, b.YOneHot, yPred, n.losses)
	losses := make([]float32, n.BatchSize)
	labels := make([]int32, n.BatchSize)
	q.Call(
		num.Read(n.losses, losses),
		num.Read(b.Y, labels),
	).Finish()
	var loss float64
	for _, v := range losses[:b.Valid] {
		loss += float64(v)
	}
	loss /= float64(b.Valid)
	if metric == nil {
		metric = new(Accuracy)
	}
	metric.Update(classes[:b.Valid], labels[:b.Valid])
	spec := Spec{
		Mode:        mode,
		Predictions: &Predictions{Classes: classes[:b.Valid]},
		Loss:        loss,
		Metrics:     map[string]float64{"accuracy": metric.Value()},
		Step:        n.Step,
	}
	if mode == ModeEval {
		return spec, nil
	}
	if mode != ModeTrain {
		return Spec{}, errors.Errorf("ModelFn: invalid mode %s", mode)
	}
	// gradient of the mean loss over the valid rows
	out.LossGrad(q, b.YOneHot, yPred, n.inputGrad)
	q.Call(num.Scale(1/float32(b.Valid), n.inputGrad))
	if b.Valid < n.BatchSize {
		q.Call(maskRows(n.inputGrad, b.Valid))
	}
	n.Bprop(n.inputGrad)
	n.Update()
	q.Finish()
	spec.Step = n.Step
	spec.Hooks = n.Hooks
	return spec, nil
}

// zero the gradient for padding rows after the first valid rows
func maskRows(a num.Array, valid int) num.Function {
	return num.NewFunction("mask_rows", func() {
		data := a.Float32()
		cols := a.Size() / a.Dims()[0]
		for i := valid * cols; i < len(data); i++ {
			data[i] = 0
		}
	})
}

func (n *Network) predictions(yPred num.Array, classes []int32) *Predictions {
	q := n.queue
	valid := len(classes)
	p := &Predictions{Classes: classes, Activations: map[string]Activations{}}
	p.Probabilities = readRows(q, yPred, valid)
	for _, name := range n.ActivationNames() {
		out := n.Activation(name).Output()
		p.Activations[name] = Activations{Shape: out.Dims()[1:], Data: readRows(q, out, valid)}
	}
	return p
}

// copy first rows of array to host
func readRows(q num.Queue, a num.Array, rows int) [][]float32 {
	buf := make([]float32, a.Size())
	q.Call(num.Read(a, buf)).Finish()
	cols := a.Size() / a.Dims()[0]
	res := make([][]float32, rows)
	for i := range res {
		res[i] = buf[i*cols : (i+1)*cols]
	}
	return res
}

// Hook is called after each training step
type Hook interface {
	AfterStep(net *Network, spec Spec) error
}

// Create the default training hooks: a summary hook if a writer is given and a logging hook.
func TrainingHooks(conf Config, w *summary.Writer) []Hook {
	var hooks []Hook
	if w != nil && conf.SaveSteps > 0 {
		hooks = append(hooks, &SummaryHook{Every: conf.SaveSteps, Writer: w})
	}
	if conf.LogEvery > 0 {
		hooks = append(hooks, &LoggingHook{Every: conf.LogEvery})
	}
	return hooks
}

// LoggingHook logs the loss, accuracy and step every n steps
type LoggingHook struct {
	Every int
}

func (h *LoggingHook) AfterStep(net *Network, spec Spec) error {
	if spec.Step%h.Every == 0 {
		log.Printf("step %d: loss = %.4f accuracy = %.4f", spec.Step, spec.Loss, spec.Metrics["accuracy"])
	}
	return nil
}

// SummaryHook writes the loss, accuracy, activation histograms and parameter summaries every n steps
type SummaryHook struct {
	Every  int
	Writer *summary.Writer
}

func (h *SummaryHook) AfterStep(net *Network, spec Spec) error {
	if spec.Step%h.Every != 0 {
		return nil
	}
	w := h.Writer
	step := spec.Step
	// the first write error is returned after the rest of the step is written
	var err error
	keep := func(e error) {
		if err == nil {
			err = e
		}
	}
	keep(w.Scalar(step, "Loss", spec.Loss))
	keep(w.Scalar(step, "Accuracy", spec.Metrics["accuracy"]))
	for _, name := range net.ActivationNames() {
		out := net.Activation(name).Output()
		buf := make([]float32, out.Size())
		net.queue.Call(num.Read(out, buf)).Finish()
		keep(w.Histogram(step, name+"_activations", buf))
	}
	for _, p := range net.params {
		buf := make([]float32, p.Value.Size())
		net.queue.Call(num.Read(p.Value, buf)).Finish()
		hist := summary.NewHistogram(buf, summary.Buckets)
		keep(w.Histogram(step, p.Name, buf))
		keep(w.Scalar(step, p.Name+"/mean", hist.Mean))
		keep(w.Scalar(step, p.Name+"/stddev", hist.StdDev))
	}
	keep(w.Flush())
	return errors.Wrapf(err, "summary at step %d", step)
}
