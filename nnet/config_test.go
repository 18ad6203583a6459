package nnet

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/jnb666/deepemotion/summary"
)

func TestConfigSaveLoad(t *testing.T) {
	saved := DataDir
	DataDir = t.TempDir()
	defer func() { DataDir = saved }()

	conf := testConfig()
	conf.DataSet = "fer2013"
	if err := conf.Save("test.conf"); err != nil {
		t.Fatal(err)
	}
	if !FileExists("test.conf") {
		t.Fatal("config file not found")
	}
	conf2, err := LoadConfig("test.conf")
	if err != nil {
		t.Fatal(err)
	}
	t.Log(conf2)
	if !reflect.DeepEqual(conf.Fields(), conf2.Fields()) || conf2.DataSet != "fer2013" || conf2.Eta != conf.Eta {
		t.Error("config differs after load")
	}
	if len(conf2.Layers) != len(conf.Layers) {
		t.Fatal("layers differ after load")
	}
	for i, l := range conf2.Layers {
		if l.String() != conf.Layers[i].String() {
			t.Errorf("layer %d: got %s expect %s", i, l, conf.Layers[i])
		}
	}
	if _, err := LoadConfig("missing.conf"); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestSetString(t *testing.T) {
	conf := DefaultConfig()
	var err error
	if conf, err = conf.SetString("Eta", "0.05"); err != nil || conf.Eta != 0.05 {
		t.Error("set Eta failed", err)
	}
	if conf, err = conf.SetString("MaxEpoch", "7"); err != nil || conf.MaxEpoch != 7 {
		t.Error("set MaxEpoch failed", err)
	}
	if conf, err = conf.SetString("Distort", "true"); err != nil || !conf.Distort {
		t.Error("set Distort failed", err)
	}
	if conf, err = conf.SetString("WeightInit", "RandomNormal"); err != nil || conf.WeightInit != RandomNormal {
		t.Error("set WeightInit failed", err)
	}
	if c2, err := conf.SetString("MaxEpoch", "abc"); err == nil || c2.MaxEpoch != 7 {
		t.Error("expected parse error with value unchanged")
	}
	if d := conf.Describe("Eta"); d != "learning rate" {
		t.Error("describe got", d)
	}
	if _, err = conf.SetString("Layers", "x"); err == nil {
		t.Error("expected error setting layers")
	}
	if _, err = conf.SetString("NoSuchField", "1"); err == nil {
		t.Error("expected invalid field error")
	}
	if conf, err = conf.SetBool("Shuffle", false); err != nil || conf.Shuffle {
		t.Error("set Shuffle failed", err)
	}
	if _, err = conf.SetBool("Eta", true); err == nil {
		t.Error("expected error setting non bool field")
	}
}

func TestUnmarshal(t *testing.T) {
	layers := []ConfigLayer{
		Conv{Nfeats: 32, Size: 3, Pad: true}, Pool{Size: 2}, BatchNorm{}, Linear{Nout: 7},
		Activation{Atype: "relu", Name: "rect1_conv1"}, Dropout{Ratio: 0.5}, Flatten{},
	}
	types := []string{"conv", "maxPool", "batchNorm", "linear", "activation", "dropout", "flatten"}
	for i, l := range layers {
		cfg := l.Marshal()
		if cfg.Type != types[i] {
			t.Errorf("got type %s expect %s", cfg.Type, types[i])
		}
		if _, err := cfg.Unmarshal(); err != nil {
			t.Error(err)
		}
	}
	if _, err := (Activation{Atype: "tanh"}).Marshal().Unmarshal(); err == nil {
		t.Error("expected error for invalid activation")
	}
	if _, err := (LayerConfig{Type: "conv", Data: []byte("{bad")}).Unmarshal(); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeTrain, ModeEval, ModePredict} {
		m2, err := ParseMode(m.String())
		if err != nil || m2 != m {
			t.Errorf("parse %s failed: %v", m, err)
		}
	}
	if _, err := ParseMode("infer"); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestAccuracy(t *testing.T) {
	var a Accuracy
	if a.Value() != 0 {
		t.Error("empty accuracy should be zero")
	}
	a.Update([]int32{1, 2, 3, 4}, []int32{1, 2, 0, 0})
	a.Update([]int32{5}, []int32{5})
	if a.Correct != 3 || a.Total != 5 || a.Value() != 0.6 {
		t.Error("got", a)
	}
	a.Reset()
	if a.Total != 0 {
		t.Error("reset failed")
	}
}

func TestSummaryHook(t *testing.T) {
	dir := t.TempDir()
	w, err := summary.NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(8))
	conf := testConfig()
	conf.SaveSteps = 1
	conf.LogEvery = 1
	net := newNetwork(t, conf, rng)
	net.Hooks = TrainingHooks(conf, w)
	if len(net.Hooks) != 2 {
		t.Fatal("expected 2 hooks, got", len(net.Hooks))
	}
	dset := NewDataset(dev, testData(8, rng), batch, 0, true, rng)
	if _, err := TrainEpoch(net, dset, new(Accuracy)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	events, err := summary.ReadEvents(dir)
	if err != nil {
		t.Fatal(err)
	}
	steps, loss := summary.Scalars(events, "Loss")
	if !reflect.DeepEqual(steps, []int{1, 2}) || len(loss) != 2 {
		t.Error("loss summary got", steps, loss)
	}
	if step, h := summary.LatestHistogram(events, "conv1_relu_activations"); step != 2 || h == nil || h.Count != batch*144 {
		t.Error("activation histogram missing")
	}
	hists := summary.Tags(events, summary.HistogramKind)
	t.Log(hists)
	if len(hists) != 7 {
		t.Error("expected 7 histogram tags, got", len(hists))
	}
}
