package nnet

import (
	"encoding/gob"
	"math"
	"math/rand"
	"os"
	"path"
	"reflect"
	"slices"
	"testing"

	"github.com/jnb666/deepemotion/num"
	"github.com/jnb666/deepemotion/summary"
)

const (
	batch   = 4
	classes = 2
)

var dev = num.NewDevice(2)

func testConfig() Config {
	conf := DefaultConfig()
	conf.Eta = 0.01
	conf.TrainBatch = batch
	conf.TestBatch = batch
	conf.MaxEpoch = 2
	conf.LogEvery = 0
	return conf.AddLayers(
		Conv{Nfeats: 4, Size: 3, Pad: true},
		Activation{Atype: "relu", Name: "conv1_relu"},
		BatchNorm{},
		Pool{Size: 2},
		Flatten{},
		Linear{Nout: 8},
		Activation{Atype: "relu"},
		Dropout{Ratio: 0.5},
		Linear{Nout: classes},
		Activation{Atype: "softmax"},
	)
}

// bright images are class 1, dark images class 0
func testData(n int, rng *rand.Rand) Data {
	labels := make([]int32, n)
	inputs := make([]float32, n*36)
	for i := range labels {
		labels[i] = int32(i % 2)
		for j := 0; j < 36; j++ {
			inputs[i*36+j] = rng.Float32()*0.5 + 0.5*float32(labels[i])
		}
	}
	return NewData(classes, []int{1, 6, 6}, labels, inputs)
}

func newNetwork(t *testing.T, conf Config, rng *rand.Rand) *Network {
	net, err := New(dev.NewQueue(), conf, batch, []int{1, 6, 6}, rng)
	if err != nil {
		t.Fatal(err)
	}
	net.InitWeights(rng)
	t.Logf("\n%s", net)
	return net
}

func getParams(net *Network) [][]float32 {
	var res [][]float32
	for _, p := range net.Params() {
		res = append(res, readArray(net.queue, p.Value))
	}
	return res
}

func TestShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	net := newNetwork(t, testConfig(), rng)
	expect := [][]int{
		{batch, 4, 6, 6}, {batch, 4, 6, 6}, {batch, 4, 6, 6}, {batch, 4, 3, 3}, {batch, 36},
		{batch, 8}, {batch, 8}, {batch, 8}, {batch, classes}, {batch, classes},
	}
	for i, l := range net.Layers {
		if !reflect.DeepEqual(l.OutShape(), expect[i]) {
			t.Errorf("layer %d %s: got shape %v expect %v", i, l.ToString(), l.OutShape(), expect[i])
		}
	}
	names := []string{}
	for _, p := range net.Params() {
		names = append(names, p.Name)
	}
	if !reflect.DeepEqual(names, []string{"conv1/W", "conv1/B", "linear1/W", "linear1/B", "linear2/W", "linear2/B"}) {
		t.Error("param names got", names)
	}
	if !reflect.DeepEqual(net.ActivationNames(), []string{"conv1_relu"}) {
		t.Error("activation names got", net.ActivationNames())
	}
}

func TestModeDispatch(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	net := newNetwork(t, testConfig(), rng)
	dset := NewDataset(dev, testData(8, rng), batch, 0, true, rng)
	dset.Rewind()
	b := dset.NextBatch()
	before := getParams(net)

	spec, err := net.ModelFn(ModePredict, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := spec.Predictions
	if spec.Step != 0 || net.Step != 0 || spec.Hooks != nil || spec.Metrics != nil {
		t.Error("predict should not update step or return metrics")
	}
	if len(p.Classes) != batch || len(p.Probabilities) != batch {
		t.Fatal("invalid predictions", p)
	}
	for i, row := range p.Probabilities {
		sum := 0.0
		best := 0
		for j, v := range row {
			sum += float64(v)
			if v > row[best] {
				best = j
			}
		}
		if math.Abs(sum-1) > 1e-5 || int32(best) != p.Classes[i] {
			t.Errorf("row %d: probabilities %v class %d", i, row, p.Classes[i])
		}
	}
	act, ok := p.Activations["conv1_relu"]
	if !ok || !reflect.DeepEqual(act.Shape, []int{4, 6, 6}) || len(act.Data) != batch || len(act.Data[0]) != 144 {
		t.Error("invalid activations", act.Shape)
	}
	if !reflect.DeepEqual(before, getParams(net)) {
		t.Error("predict mode should not change parameters")
	}

	metric := new(Accuracy)
	spec, err = net.ModelFn(ModeEval, b, metric)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("eval loss=%.4f metrics=%v", spec.Loss, spec.Metrics)
	if spec.Loss <= 0 || net.Step != 0 || metric.Total != batch {
		t.Error("invalid eval result", spec.Loss, net.Step, metric.Total)
	}
	if _, ok := spec.Metrics["accuracy"]; !ok {
		t.Error("missing accuracy metric")
	}
	if !reflect.DeepEqual(before, getParams(net)) {
		t.Error("eval mode should not change parameters")
	}

	net.Hooks = []Hook{&LoggingHook{Every: 1}}
	for step := 1; step <= 3; step++ {
		spec, err = net.ModelFn(ModeTrain, b, nil)
		if err != nil {
			t.Fatal(err)
		}
		if spec.Step != step || net.Step != step || len(spec.Hooks) != 1 {
			t.Errorf("train step got %d expect %d", spec.Step, step)
		}
	}
	if reflect.DeepEqual(before, getParams(net)) {
		t.Error("train mode should update parameters")
	}
	if _, err = net.ModelFn(ModeEval, Batch{X: b.X, Valid: batch}, nil); err == nil {
		t.Error("expected error with no labels")
	}
}

func TestTrain(t *testing.T) {
	t.Run("double_softmax", func(t *testing.T) { trainNetwork(t, false) })
	t.Run("single_softmax", func(t *testing.T) { trainNetwork(t, true) })
}

func trainNetwork(t *testing.T, single bool) {
	rng := rand.New(rand.NewSource(3))
	conf := testConfig()
	conf.Layers = conf.Layers[:len(conf.Layers)-3]
	conf = conf.AddLayers(Linear{Nout: classes}, Activation{Atype: "softmax"})
	conf.Shuffle = false
	conf.SingleSoftmax = single
	net := newNetwork(t, conf, rng)
	dset := NewDataset(dev, testData(16, rng), batch, 0, true, rng)
	metric := new(Accuracy)
	var losses []float64
	for epoch := 0; epoch < 20; epoch++ {
		loss, err := TrainEpoch(net, dset, metric)
		if err != nil {
			t.Fatal(err)
		}
		losses = append(losses, loss)
	}
	t.Logf("losses: %.4f", losses)
	if net.Step != 80 {
		t.Error("expected 80 steps, got", net.Step)
	}
	if losses[19] >= losses[0] {
		t.Error("loss should decrease during training")
	}
	test := NewDataset(dev, testData(10, rng), batch, 0, false, rng)
	pred := make([]int32, 10)
	_, acc, err := Evaluate(net, test, pred)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("accuracy=%.2f pred=%v", acc, pred)
	if acc < 0.8 {
		t.Error("accuracy too low", acc)
	}
}

func TestDataset(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	d := NewDataset(dev, testData(10, rng), 4, 0, false, rng)
	if d.Batches != 3 {
		t.Fatal("expected 3 batches, got", d.Batches)
	}
	d.Rewind()
	var b Batch
	for i := 0; i < 3; i++ {
		b = d.NextBatch()
	}
	if b.Valid != 2 || !reflect.DeepEqual(b.Index, []int{8, 9, 0, 1}) {
		t.Error("final batch got", b.Valid, b.Index)
	}
	labels := make([]int32, 4)
	dev.NewQueue().Call(num.Read(b.Y, labels)).Finish()
	if !reflect.DeepEqual(labels, []int32{0, 1, 0, 1}) {
		t.Error("labels got", labels)
	}
	d2 := NewDataset(dev, testData(10, rng), 4, 0, true, rng)
	if d2.Batches != 2 {
		t.Error("expected 2 batches with remainder dropped, got", d2.Batches)
	}
	d2.NextEpoch(true)
	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		for _, ix := range d2.NextBatch().Index {
			seen[ix] = true
		}
	}
	if len(seen) != 8 {
		t.Error("expected 8 distinct samples, got", len(seen))
	}
}

func TestCheckpoint(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	conf := testConfig()
	conf.Layers[2] = BatchNorm{AvgFactor: 0.1}.Marshal()
	net := newNetwork(t, conf, rng)
	dset := NewDataset(dev, testData(8, rng), batch, 0, true, rng)
	if _, err := TrainEpoch(net, dset, new(Accuracy)); err != nil {
		t.Fatal(err)
	}
	net.Epoch = 1
	dir := t.TempDir()
	if err := net.SaveCheckpoint(dir); err != nil {
		t.Fatal(err)
	}
	if !CheckpointExists(dir) {
		t.Fatal("checkpoint not found")
	}
	net2 := newNetwork(t, conf, rand.New(rand.NewSource(6)))
	if err := net2.LoadCheckpoint(dir); err != nil {
		t.Fatal(err)
	}
	if net2.Step != 2 || net2.Epoch != 1 {
		t.Error("got step", net2.Step, "epoch", net2.Epoch)
	}
	if !reflect.DeepEqual(getParams(net), getParams(net2)) {
		t.Error("parameters differ after restore")
	}
	m1, _ := net.Layers[2].(*batchNormLayer).Stats()
	m2, _ := net2.Layers[2].(*batchNormLayer).Stats()
	if !reflect.DeepEqual(readArray(net.queue, m1), readArray(net2.queue, m2)) {
		t.Error("batch norm stats differ after restore")
	}
	for i, p := range net.Params() {
		if !reflect.DeepEqual(readArray(net.queue, p.State[0]), readArray(net2.queue, net2.Params()[i].State[0])) {
			t.Error("optimiser state differs for", p.Name)
		}
	}
}

func TestCheckpointErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	net := newNetwork(t, testConfig(), rng)
	net.Step = 3

	dir := t.TempDir()
	if err := os.Mkdir(path.Join(dir, CheckpointFile), 0755); err != nil {
		t.Fatal(err)
	}
	if err := net.SaveCheckpoint(dir); err == nil {
		t.Error("expected error when checkpoint path is a directory")
	}
	if _, err := os.Stat(path.Join(dir, "."+CheckpointFile)); !os.IsNotExist(err) {
		t.Error("temp file left behind:", err)
	}

	// last parameter truncated
	dir = t.TempDir()
	if err := net.SaveCheckpoint(dir); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path.Join(dir, CheckpointFile))
	if err != nil {
		t.Fatal(err)
	}
	var c checkpoint
	err = gob.NewDecoder(f).Decode(&c)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	c.Params["linear2/W"] = c.Params["linear2/W"][:1]
	if err = writeCheckpoint(path.Join(dir, CheckpointFile), c); err != nil {
		t.Fatal(err)
	}
	net2 := newNetwork(t, testConfig(), rand.New(rand.NewSource(12)))
	before := getParams(net2)
	if err = net2.LoadCheckpoint(dir); err == nil {
		t.Fatal("expected error for wrong size parameter")
	}
	t.Log(err)
	if !reflect.DeepEqual(before, getParams(net2)) || net2.Step != 0 {
		t.Error("network modified by failed restore")
	}
}

func TestCopyTo(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	net := newNetwork(t, testConfig(), rng)
	net2 := newNetwork(t, testConfig(), rng)
	net.Step = 5
	net.CopyTo(net2)
	if !reflect.DeepEqual(getParams(net), getParams(net2)) || net2.Step != 5 {
		t.Error("copy failed")
	}
}

func TestInvalidConfig(t *testing.T) {
	conf := testConfig()
	conf.Layers = append(conf.Layers, LayerConfig{Type: "bogus"})
	if _, err := New(dev.NewQueue(), conf, batch, []int{1, 6, 6}, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for invalid layer type")
	}
	conf = testConfig()
	conf.Layers = conf.Layers[:len(conf.Layers)-1]
	if _, err := New(dev.NewQueue(), conf, batch, []int{1, 6, 6}, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for missing output layer")
	}
	conf = testConfig()
	conf.Optimiser = "rmsprop"
	if err := conf.Validate(); err == nil {
		t.Error("expected error for invalid optimiser")
	}
}

func TestSoftmaxLoss(t *testing.T) {
	q := dev.NewQueue()
	row := []float32{1, 0, 0, 0, 0, 0, 0}
	yPred := q.NewArray(num.Float32, 1, 7)
	yOneHot := q.NewArray(num.Float32, 1, 7)
	loss := q.NewArray(num.Float32, 1)
	grad := q.NewArray(num.Float32, 1, 7)
	q.Call(num.Write(yPred, row), num.Write(yOneHot, row))
	for _, again := range []bool{true, false} {
		l := &softmaxLayer{again: again}
		if err := l.Init(q, []int{1, 7}, nil); err != nil {
			t.Fatal(err)
		}
		l.Loss(q, yOneHot, yPred, loss)
		l.LossGrad(q, yOneHot, yPred, grad)
		got := readArray(q, loss)[0]
		expect := 0.0
		if again {
			expect = math.Log(math.E+6) - 1
		}
		t.Logf("again=%v loss=%.5f grad=%.4f", again, got, readArray(q, grad))
		if math.Abs(float64(got)-expect) > 1e-5 {
			t.Errorf("again=%v: loss got %.6f expect %.6f", again, got, expect)
		}
		sum := 0.0
		for _, g := range readArray(q, grad) {
			sum += float64(g)
		}
		if math.Abs(sum) > 1e-5 {
			t.Errorf("again=%v: gradient should sum to zero, got %g", again, sum)
		}
	}
}

func TestDropoutSwitch(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	for _, on := range []bool{false, true} {
		conf := testConfig()
		conf.TrainDropout = on
		conf.SingleSoftmax = on
		net := newNetwork(t, conf, rng)
		l := net.Layers[7].(*dropoutLayer)
		if l.active != on || net.OutLayer().(*softmaxLayer).again == on {
			t.Fatal("layer options not set from config")
		}
		q := net.queue
		in := q.NewArray(num.Float32, batch, 8)
		q.Call(num.Fill(in, 1))
		out := readArray(q, l.Fprop(q, in, true))
		zeros := 0
		for _, v := range out {
			if v == 0 {
				zeros++
			}
		}
		t.Logf("dropout on=%v: %d of %d dropped", on, zeros, len(out))
		if on && zeros == 0 {
			t.Error("expected some outputs to be dropped")
		}
		if !on && slices.ContainsFunc(out, func(v float32) bool { return v != 1 }) {
			t.Error("expected input to pass through, got", out)
		}
	}
}

func TestPaddedBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	net := newNetwork(t, testConfig(), rng)
	data := testData(5, rng).(memData)
	padded := NewDataset(dev, data, batch, 0, false, rng)
	defer padded.Release()
	padded.Rewind()
	padded.NextBatch()
	b := padded.NextBatch()
	if b.Valid != 1 || !reflect.DeepEqual(b.Index, []int{4, 0, 1, 2}) {
		t.Fatal("final batch got", b.Valid, b.Index)
	}
	spec, err := net.ModelFn(ModePredict, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := spec.Predictions.Probabilities[0]

	alone := NewDataset(dev, NewData(classes, data.shape, data.labels[4:], data.inputs[4*36:]), batch, 0, false, rng)
	defer alone.Release()
	alone.Rewind()
	b = alone.NextBatch()
	if b.Valid != 1 {
		t.Fatal("single sample batch got", b.Valid, b.Index)
	}
	if spec, err = net.ModelFn(ModePredict, b, nil); err != nil {
		t.Fatal(err)
	}
	expect := spec.Predictions.Probabilities[0]
	t.Logf("padded %.5f alone %.5f", got, expect)
	for i := range expect {
		if math.Abs(float64(got[i]-expect[i])) > 1e-5 {
			t.Errorf("class %d: padded batch got %g, alone %g", i, got[i], expect[i])
		}
	}
}

func TestSummaryHookNonFinite(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	net := newNetwork(t, testConfig(), rng)
	dir := t.TempDir()
	w, err := summary.NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	out := net.Activation("conv1_relu").Output()
	buf := make([]float32, out.Size())
	for i := range buf {
		if i%2 == 0 {
			buf[i] = float32(math.NaN())
		} else {
			buf[i] = float32(math.Inf(1))
		}
	}
	net.queue.Call(num.Write(out, buf)).Finish()

	h := &SummaryHook{Every: 1, Writer: w}
	spec := Spec{Step: 1, Loss: 0.5, Metrics: map[string]float64{"accuracy": 0.5}}
	if err = h.AfterStep(net, spec); err != nil {
		t.Fatal(err)
	}
	spec.Step, spec.Loss = 2, math.NaN()
	if err = h.AfterStep(net, spec); err == nil {
		t.Error("expected error for NaN loss")
	} else {
		t.Log(err)
	}
	events, err := summary.ReadEvents(dir)
	if err != nil {
		t.Fatal(err)
	}
	var hists, step2 int
	for _, e := range events {
		if e.Tag == "conv1_relu_activations" {
			hists++
			if e.Hist.Count != 0 || e.Hist.Dropped != len(buf) {
				t.Error("activations histogram got", e.Hist.Count, e.Hist.Dropped)
			}
		}
		if e.Step == 2 {
			step2++
		}
	}
	if hists != 2 || step2 == 0 {
		t.Errorf("got %d activation histograms and %d events at step 2", hists, step2)
	}
}
