// Train, evaluate or run predictions with a network model.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"

	"github.com/jnb666/deepemotion/nnet"
	"github.com/jnb666/deepemotion/num"
	"github.com/jnb666/deepemotion/summary"
	"github.com/pkg/errors"
)

// command line flags which override the model config
var settings = []struct{ flag, field string }{
	{"eta", "Eta"},
	{"seed", "RandSeed"},
	{"epochs", "MaxEpoch"},
	{"samples", "MaxSamples"},
	{"batch", "TrainBatch"},
	{"testbatch", "TestBatch"},
	{"savesteps", "SaveSteps"},
	{"logevery", "LogEvery"},
	{"logdir", "LogDir"},
	{"threads", "Threads"},
	{"distort", "Distort"},
	{"debug", "DebugLevel"},
	{"profile", "Profile"},
}

type override struct {
	field, value string
}

func configFlags() *[]override {
	var list []override
	defaults := nnet.DefaultConfig()
	for _, s := range settings {
		field := s.field
		set := func(val string) error {
			list = append(list, override{field, val})
			return nil
		}
		if _, ok := defaults.Get(field).(bool); ok {
			flag.BoolFunc(s.flag, defaults.Describe(field), set)
		} else {
			flag.Func(s.flag, fmt.Sprintf("%s (default from config)", defaults.Describe(field)), set)
		}
	}
	return &list
}

func loadConfig(model string, overrides []override) (nnet.Config, error) {
	conf, err := nnet.LoadConfig(model + ".conf")
	if err != nil {
		return conf, err
	}
	for _, o := range overrides {
		if conf, err = conf.SetString(o.field, o.value); err != nil {
			return conf, err
		}
	}
	return conf, conf.Validate()
}

func main() {
	log.SetFlags(log.Ltime)
	modeName := flag.String("mode", "train", "run mode: train, eval or predict")
	resume := flag.Bool("resume", false, "resume training from checkpoint")
	setName := flag.String("set", "test", "data set for predict mode")
	overrides := configFlags()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [opts] <model>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	mode, err := nnet.ParseMode(*modeName)
	nnet.CheckErr(err)
	conf, err := loadConfig(flag.Arg(0), *overrides)
	nnet.CheckErr(err)

	dev := num.NewDevice(conf.Threads)
	rng := nnet.SetSeed(conf.RandSeed)
	data, err := nnet.LoadData(conf.DataSet)
	nnet.CheckErr(err)

	switch mode {
	case nnet.ModeTrain:
		err = train(dev, conf, data, *resume, rng)
	case nnet.ModeEval:
		err = eval(dev, conf, data, rng)
	default:
		err = predict(dev, conf, data, *setName, rng)
	}
	nnet.CheckErr(err)
}

func train(dev num.Device, conf nnet.Config, data map[string]nnet.Data, resume bool, rng *rand.Rand) error {
	trainData := nnet.NewDataset(dev, data["train"], conf.TrainBatch, conf.MaxSamples, true, rng)
	trainData.SetTrans(conf.Normalise, conf.Distort)
	defer trainData.Release()

	q := dev.NewQueue()
	q.Profiling(conf.Profile)
	net, err := nnet.New(q, conf, trainData.BatchSize, data["train"].Shape(), rng)
	if err != nil {
		return err
	}
	net.InitWeights(rng)
	fmt.Println(net)
	if resume {
		if err = net.LoadCheckpoint(conf.LogDir); err != nil {
			return err
		}
		log.Printf("resume from step %d epoch %d", net.Step, net.Epoch)
	}
	var w *summary.Writer
	if conf.LogDir != "" {
		if w, err = summary.NewWriter(conf.LogDir); err != nil {
			return err
		}
		defer w.Close()
	}
	net.Hooks = nnet.TrainingHooks(conf, w)

	tester, err := nnet.NewTestLogger(dev.NewQueue(), conf, data, rng)
	if err != nil {
		return err
	}
	defer tester.Release()
	return nnet.Train(net, trainData, tester)
}

// restore network from the last checkpoint
func restore(dev num.Device, conf nnet.Config, shape []int, rng *rand.Rand) (*nnet.Network, error) {
	if !nnet.CheckpointExists(conf.LogDir) {
		return nil, errors.Errorf("no checkpoint found in %q", conf.LogDir)
	}
	net, err := nnet.New(dev.NewQueue(), conf, conf.TestBatch, shape, rng)
	if err != nil {
		return nil, err
	}
	if err = net.LoadCheckpoint(conf.LogDir); err != nil {
		return nil, err
	}
	log.Printf("restored model from step %d", net.Step)
	return net, nil
}

func eval(dev num.Device, conf nnet.Config, data map[string]nnet.Data, rng *rand.Rand) error {
	net, err := restore(dev, conf, data["train"].Shape(), rng)
	if err != nil {
		return err
	}
	for _, key := range nnet.DataTypes {
		d, ok := data[key]
		if !ok {
			continue
		}
		dset := nnet.NewDataset(dev, d, conf.TestBatch, conf.MaxSamples, false, rng)
		dset.SetTrans(conf.Normalise, false)
		loss, acc, err := nnet.Evaluate(net, dset, nil)
		dset.Release()
		if err != nil {
			return err
		}
		fmt.Printf("%-5s  loss = %.4f  accuracy = %.2f%%\n", key, loss, acc*100)
	}
	return nil
}

// write predicted class and probabilities for each sample as CSV to stdout
func predict(dev num.Device, conf nnet.Config, data map[string]nnet.Data, key string, rng *rand.Rand) error {
	d, ok := data[key]
	if !ok {
		return errors.Errorf("data set %q not found", key)
	}
	net, err := restore(dev, conf, d.Shape(), rng)
	if err != nil {
		return err
	}
	dset := nnet.NewDataset(dev, d, conf.TestBatch, conf.MaxSamples, false, rng)
	dset.SetTrans(conf.Normalise, false)
	defer dset.Release()
	classes := d.Classes()
	w := csv.NewWriter(os.Stdout)
	w.Write(append([]string{"index", "label", "predicted"}, classes...))
	labels := make([]int32, dset.Samples)
	index := make([]int, dset.Samples)
	for i := range index {
		index[i] = i
	}
	d.Label(index, labels)
	err = nnet.Predict(net, dset, func(b nnet.Batch, p *nnet.Predictions) error {
		for i, class := range p.Classes {
			ix := b.Index[i]
			rec := []string{strconv.Itoa(ix), classes[labels[ix]], classes[class]}
			for _, prob := range p.Probabilities[i] {
				rec = append(rec, strconv.FormatFloat(float64(prob), 'f', 4, 32))
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
	w.Flush()
	if err != nil {
		return err
	}
	return w.Error()
}
