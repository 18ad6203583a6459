// Package web has a web based interface for network training and visualisation.
package web

import (
	"encoding/gob"
	"fmt"
	"html/template"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jnb666/deepemotion/img"
	"github.com/jnb666/deepemotion/nnet"
	"github.com/jnb666/deepemotion/num"
	"github.com/jnb666/deepemotion/summary"
	"github.com/pkg/errors"
)

// Network is the model being trained together with its data and the state shared by the web pages.
// All access from the handlers should hold the lock.
type Network struct {
	sync.Mutex
	*NetworkData
	*nnet.Network
	Data    map[string]nnet.Data
	Labels  map[string][]int32
	dev     num.Device
	queue   num.Queue
	batches *nnet.Dataset
	tester  *nnet.TestBase
	distort *img.Transformer
	view    *viewData
	writer  *summary.Writer
	clients clients
	rng     *rand.Rand
	evalRng *rand.Rand
	running bool
	stop    bool
	step    int // step count at the end of the last epoch
}

// NetworkData is saved to <model>.state after each epoch. The weights are in the checkpoint file.
type NetworkData struct {
	Model string
	Conf  nnet.Config
	Stats []nnet.Stats
	Pred  map[string][]int32
}

// NewNetwork loads the saved state for the model if there is one, else the model config.
func NewNetwork(model string) (*Network, error) {
	log.Printf("loading model %s", model)
	data, err := LoadNetwork(model)
	if err != nil {
		return nil, err
	}
	n := &Network{NetworkData: data, tester: nnet.NewTestBase()}
	if err = n.Init(n.Conf); err != nil {
		return nil, err
	}
	return n, n.Import()
}

// Init builds the network and data sets for the given config.
func (n *Network) Init(conf nnet.Config) error {
	log.Printf("init network: dataSet=%s threads=%d", conf.DataSet, conf.Threads)
	n.release()
	data, err := nnet.LoadData(conf.DataSet)
	if err != nil {
		return err
	}
	n.Data = data
	if n.dev == nil {
		n.dev = num.NewDevice(conf.Threads)
	}
	n.rng = nnet.SetSeed(conf.RandSeed)
	n.evalRng = nnet.SetSeed(conf.RandSeed)
	for _, step := range []func(nnet.Config) error{n.initTraining, n.initTesting, n.initViews} {
		if err = step(conf); err != nil {
			return err
		}
	}
	return nil
}

// training batches, the network and its summary hooks
func (n *Network) initTraining(conf nnet.Config) (err error) {
	train := n.Data["train"]
	n.batches = nnet.NewDataset(n.dev, train, conf.TrainBatch, conf.MaxSamples, true, n.rng).SetTrans(conf.Normalise, conf.Distort)
	n.queue = n.dev.NewQueue()
	n.Network, err = nnet.New(n.queue, conf, n.batches.BatchSize, train.Shape(), n.rng)
	if err != nil {
		return err
	}
	if conf.DebugLevel >= 1 {
		fmt.Println(n.Network)
	}
	if conf.LogDir != "" {
		if n.writer, err = summary.NewWriter(conf.LogDir); err != nil {
			return err
		}
	}
	n.Hooks = nnet.TrainingHooks(conf, n.writer)
	return nil
}

// evaluation on each data set, saving the predictions and labels for the image pages
func (n *Network) initTesting(conf nnet.Config) error {
	if _, err := n.tester.Init(n.dev.NewQueue(), conf, n.Data, n.evalRng); err != nil {
		return err
	}
	n.tester.Predict()
	n.Labels = make(map[string][]int32, len(n.tester.Data))
	for key, dset := range n.tester.Data {
		n.Labels[key] = make([]int32, dset.Samples)
		dset.Label(seq(dset.Samples), n.Labels[key])
	}
	return nil
}

func (n *Network) initViews(conf nnet.Config) (err error) {
	n.distort = nil
	if faces, ok := n.Data["train"].(*img.Data); ok {
		n.distort = img.NewTransformer(faces, img.FaceTrans, n.evalRng)
	}
	n.view, err = newViewData(n.dev, n.Data, conf, n.evalRng)
	return err
}

func (n *Network) release() {
	n.tester.Release()
	if n.batches != nil {
		n.batches.Release()
		n.batches = nil
	}
	if n.writer != nil {
		n.writer.Close()
		n.writer = nil
	}
	if n.view != nil {
		n.view.queue.Shutdown()
		n.view = nil
	}
	if n.queue != nil {
		n.queue.Shutdown()
		n.queue = nil
	}
}

// Start rebuilds the network from conf with new random weights. Any saved events and checkpoint are removed.
func (n *Network) Start(conf nnet.Config) error {
	if conf.LogDir != "" {
		for _, name := range []string{summary.EventsFile, nnet.CheckpointFile} {
			if err := os.Remove(filepath.Join(conf.LogDir, name)); err != nil && !os.IsNotExist(err) {
				log.Println(err)
			}
		}
	}
	if err := n.Init(conf); err != nil {
		return err
	}
	n.Conf, n.Stats, n.Pred = conf, nil, map[string][]int32{}
	n.tester.Reset()
	n.initWeights()
	n.step = n.Step
	return nil
}

// Train runs in the background until MaxEpoch is reached, the stop criteria is met or stop is set.
// If restart is set then training starts again from epoch 0. Called with the lock held.
func (n *Network) Train(restart bool) error {
	log.Printf("train %s: restart=%v", n.Model, restart)
	if restart {
		if err := n.Start(n.Conf); err != nil {
			return err
		}
	}
	if n.Epoch >= n.MaxEpoch {
		return nil
	}
	n.running, n.stop = true, false
	go n.run()
	return nil
}

func (n *Network) run() {
	n.queue.Profiling(n.Profile)
	metric := new(nnet.Accuracy)
	start := time.Now()
	for {
		n.Lock()
		n.Epoch++
		epoch := n.Epoch
		n.Unlock()
		loss, err := nnet.TrainEpoch(n.Network, n.batches, metric)
		if err != nil {
			log.Println("train error:", err)
			break
		}
		done := n.tester.Test(n.Network, epoch, loss, start)
		if n.endEpoch(epoch) || done {
			break
		}
	}
	n.Lock()
	n.running, n.stop = false, false
	n.Unlock()
	log.Println("train: end")
	if n.Profile {
		fmt.Printf("== Profile ==\n%s\n", n.queue.Profile())
	}
}

// copy the latest results, notify the clients and save the state. Returns true if stop was requested.
func (n *Network) endEpoch(epoch int) bool {
	n.Lock()
	defer n.Unlock()
	for key, pred := range n.tester.Pred {
		n.Pred[key] = append(n.Pred[key][:0], pred...)
	}
	n.Stats = n.tester.Stats
	n.step = n.Step
	n.view.loadWeights(n.Network)
	n.clients.send(strconv.Itoa(epoch))
	if err := n.saveState(); err != nil {
		log.Println(err)
	}
	if n.LogDir != "" {
		if err := n.SaveCheckpoint(n.LogDir); err != nil {
			log.Println("error saving checkpoint:", err)
		}
	}
	stop := n.stop
	n.stop = false
	return stop
}

// Step is updated by the training goroutine without the lock, so the heading shows the count
// saved by endEpoch.
func (n *Network) heading() template.HTML {
	return template.HTML(fmt.Sprintf(`%s: epoch <span id="epoch">%d</span> of %d  step %d`,
		template.HTMLEscapeString(n.Model), n.Epoch, n.MaxEpoch, n.step))
}

// Import restores the weights from the checkpoint if there are saved stats, else the weights are initialised.
func (n *Network) Import() error {
	if n.LogDir == "" || len(n.Stats) == 0 || !nnet.CheckpointExists(n.LogDir) {
		n.Stats, n.tester.Stats = nil, nil
		n.initWeights()
		n.step = 0
		return nil
	}
	log.Printf("restoring weights from %s/%s", n.LogDir, nnet.CheckpointFile)
	if err := n.LoadCheckpoint(n.LogDir); err != nil {
		return err
	}
	n.step = n.Step
	n.tester.Stats = n.Stats
	n.view.loadWeights(n.Network)
	return nil
}

func (n *Network) initWeights() {
	log.Printf("random weights: %s", n.WeightInit)
	n.InitWeights(n.rng)
	n.view.loadWeights(n.Network)
}

func statePath(model string) string {
	return filepath.Join(nnet.DataDir, model+".state")
}

// write to a temporary file first so a crash does not leave a partial state file
func (d *NetworkData) saveState() error {
	name := statePath(d.Model)
	f, err := os.CreateTemp(filepath.Dir(name), ".state")
	if err != nil {
		return errors.Wrap(err, "error saving network state")
	}
	if err = gob.NewEncoder(f).Encode(d); err != nil {
		f.Close()
		os.Remove(f.Name())
		return errors.Wrap(err, "error encoding network state")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "error saving network state")
	}
	return os.Rename(f.Name(), name)
}

// LoadNetwork reads the saved state. If there is none then the config is loaded from the model .conf file.
func LoadNetwork(model string) (*NetworkData, error) {
	d := &NetworkData{Model: model}
	f, err := os.Open(statePath(model))
	if err == nil {
		log.Println("loading network state from", f.Name())
		err = gob.NewDecoder(f).Decode(d)
		f.Close()
		if err == nil {
			err = d.Conf.Validate()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error loading %s", f.Name())
		}
	} else {
		d.Conf, err = nnet.LoadConfig(model + ".conf")
	}
	if d.Pred == nil {
		d.Pred = map[string][]int32{}
	}
	return d, err
}

// seq returns 0, 1, ... n-1
func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

// mod wraps i round to hi if it is below lo, or to lo if above hi
func mod(i, lo, hi int) int {
	switch {
	case i < lo:
		return hi
	case i > hi:
		return lo
	default:
		return i
	}
}
