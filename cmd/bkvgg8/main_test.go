package main

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/jnb666/deepemotion/nnet"
	"github.com/jnb666/deepemotion/num"
)

func TestShapes(t *testing.T) {
	conf := config(0)
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}
	if conf.LogEvery != 1 || conf.SaveSteps != 100 || conf.SingleSoftmax || conf.TrainDropout {
		t.Errorf("got LogEvery=%d SaveSteps=%d SingleSoftmax=%v TrainDropout=%v",
			conf.LogEvery, conf.SaveSteps, conf.SingleSoftmax, conf.TrainDropout)
	}
	dev := num.NewDevice(2)
	net, err := nnet.New(dev.NewQueue(), conf, 2, []int{1, 48, 48}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("\n%s", net)
	expect := map[string][]int{
		"rect1_conv1": {2, 32, 48, 48},
		"rect2_conv1": {2, 64, 24, 24},
		"rect3_conv1": {2, 128, 12, 12},
		"rect4_conv1": {2, 256, 6, 6},
		"rect4_conv2": {2, 256, 6, 6},
	}
	if !reflect.DeepEqual(net.ActivationNames(), []string{"rect1_conv1", "rect2_conv1", "rect3_conv1", "rect4_conv1", "rect4_conv2"}) {
		t.Error("got activations", net.ActivationNames())
	}
	for name, shape := range expect {
		if got := net.Activation(name).OutShape(); !reflect.DeepEqual(got, shape) {
			t.Errorf("%s: got shape %v expect %v", name, got, shape)
		}
	}
	n := len(net.Layers)
	if got := net.Layers[n-9].OutShape(); !reflect.DeepEqual(got, []int{2, 9216}) {
		t.Error("flatten shape got", got)
	}
	if got := net.Layers[n-1].OutShape(); !reflect.DeepEqual(got, []int{2, 7}) {
		t.Error("output shape got", got)
	}
	if len(net.Params()) != 16 {
		t.Error("expected 16 parameter arrays, got", len(net.Params()))
	}
}

func TestRunningAverage(t *testing.T) {
	conf := config(0.1)
	count := 0
	for _, l := range conf.Layers {
		if l.Type == "batchNorm" {
			count++
			if l.String() != "batchNorm {Epsilon:0.0001 AvgFactor:0.1}" {
				t.Error("got", l)
			}
		}
	}
	if count != 5 {
		t.Error("expected 5 batch norm layers, got", count)
	}
}
