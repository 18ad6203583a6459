// Write the network config for the BKVGG8 facial emotion model.
package main

import (
	"flag"
	"fmt"

	"github.com/jnb666/deepemotion/nnet"
)

// convolution blocks: number of features for each conv layer and if followed by max pooling
var blocks = []struct {
	feats []int
	pool  bool
}{
	{[]int{32}, true},
	{[]int{64}, true},
	{[]int{128}, true},
	{[]int{256, 256}, false},
}

const (
	hidden  = 256
	classes = 7
	dropout = 0.5
)

func config(bnAvg float64) nnet.Config {
	conf := nnet.DefaultConfig()
	conf.DataSet = "fer2013"
	conf.Eta = 0.001
	conf.TrainBatch = 64
	conf.TestBatch = 256
	conf.MaxEpoch = 50
	conf.StopAfter = 10
	conf.LogEvery = 1
	conf.SaveSteps = 100
	conf.Normalise = true
	conf.Distort = true
	conf.LogDir = "logs/bkvgg8"

	var layers []nnet.ConfigLayer
	for i, b := range blocks {
		for j, n := range b.feats {
			layers = append(layers,
				nnet.Conv{Nfeats: n, Size: 3, Pad: true},
				nnet.Activation{Atype: "relu", Name: fmt.Sprintf("rect%d_conv%d", i+1, j+1)},
				nnet.BatchNorm{AvgFactor: bnAvg},
			)
		}
		if b.pool {
			layers = append(layers, nnet.Pool{Size: 2})
		}
	}
	layers = append(layers, nnet.Flatten{})
	for i := 0; i < 2; i++ {
		layers = append(layers, nnet.Linear{Nout: hidden}, nnet.Activation{Atype: "relu"}, nnet.Dropout{Ratio: dropout})
	}
	layers = append(layers, nnet.Linear{Nout: classes}, nnet.Activation{Atype: "softmax"})
	return conf.AddLayers(layers...)
}

func main() {
	name := flag.String("name", "bkvgg8.conf", "config file name under data dir")
	avg := flag.Float64("avg", 0, "batch norm running average factor, 0 to always use batch statistics")
	flag.Parse()
	conf := config(*avg)
	fmt.Println(conf)
	nnet.CheckErr(conf.Save(*name))
}
