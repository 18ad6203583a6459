package nnet

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/jnb666/deepemotion/num"
	"github.com/jnb666/deepemotion/stats"
	"github.com/pkg/errors"
)

// Stats are recorded after each training epoch. Values has the mean training loss, then the accuracy
// for each data set in DataTypes order, with the moving average after the valid accuracy.
type Stats struct {
	Epoch     int
	Step      int
	Values    []float64
	BestSince int
	Elapsed   time.Duration
}

// StatsHeaders returns the column names for Stats.Values.
func StatsHeaders(d map[string]Data) []string {
	h := []string{"loss"}
	for _, key := range DataTypes {
		if d[key] == nil {
			continue
		}
		h = append(h, key+" acc")
		if key == "valid" {
			h = append(h, "valid avg")
		}
	}
	return h
}

// Format the loss and the accuracy values as percentages
func (s Stats) Format() []string {
	res := make([]string, len(s.Values))
	for i, v := range s.Values {
		if i == 0 {
			res[i] = fmt.Sprintf("%7.4f", v)
		} else {
			res[i] = fmt.Sprintf("%6.2f%%", 100*v)
		}
	}
	return res
}

// Tester is called after each epoch to evaluate the network. Test returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss float64, start time.Time) bool
	Release()
}

// TestBase evaluates the accuracy on each data set using a copy of the network and records the Stats.
// If there is a validation set then BestSince is the number of epochs since the moving average of
// the validation accuracy last improved.
type TestBase struct {
	Net     *Network
	Data    map[string]*Dataset
	Pred    map[string][]int32
	Stats   []Stats
	Headers []string
	ema     stats.EMA
	best    float64
	bestEp  int
}

func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}}
}

// Init loads each data set with the test batch size and creates the network used for evaluation.
func (t *TestBase) Init(q num.Queue, conf Config, data map[string]Data, rng *rand.Rand) (*TestBase, error) {
	batch := conf.TestBatch
	if batch <= 0 {
		batch = DefaultConfig().TestBatch
	}
	if conf.DebugLevel >= 1 {
		fmt.Printf("init tester: batch size=%d\n", batch)
	}
	t.Headers = StatsHeaders(data)
	t.Data = map[string]*Dataset{}
	var shape []int
	for key, d := range data {
		t.Data[key] = NewDataset(q.Dev(), d, batch, conf.MaxSamples, false, rng).SetTrans(conf.Normalise, false)
		shape = d.Shape()
	}
	if shape == nil {
		return t, errors.New("no test data")
	}
	var err error
	t.Net, err = New(q.Dev().NewQueue(), conf, batch, shape, rng)
	return t, err
}

// Predict enables saving the predicted class for every sample in Pred.
func (t *TestBase) Predict() *TestBase {
	t.Pred = map[string][]int32{}
	for key, dset := range t.Data {
		t.Pred[key] = make([]int32, dset.Len())
	}
	return t
}

// Reset clears the stats before a new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
	t.ema = stats.EMA{}
	t.best, t.bestEp = 0, 0
}

func (t *TestBase) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	net.CopyTo(t.Net)
	if net.DebugLevel >= 1 {
		fmt.Printf("== TEST EPOCH %d ==\n", epoch)
	}
	s := Stats{Epoch: epoch, Step: net.Step, Values: []float64{loss}}
	for _, key := range DataTypes {
		dset := t.Data[key]
		if dset == nil {
			continue
		}
		_, acc, err := Evaluate(t.Net, dset, t.Pred[key])
		if err != nil {
			log.Println("test error:", err)
			return true
		}
		s.Values = append(s.Values, acc)
		if key == "valid" {
			avg := t.average(acc, net.ValidEMA)
			s.Values = append(s.Values, avg)
			if t.bestEp == 0 || avg > t.best {
				t.best, t.bestEp = avg, epoch
			}
			s.BestSince = epoch - t.bestEp
		}
	}
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	switch {
	case epoch >= net.MaxEpoch, loss <= net.MinLoss:
		return true
	default:
		return net.StopAfter > 0 && s.BestSince >= net.StopAfter
	}
}

// moving average of the validation accuracy, a resumed run continues from the last saved value
func (t *TestBase) average(acc, periods float64) float64 {
	if t.ema.N == 0 && len(t.Stats) > 0 {
		prev := t.Stats[len(t.Stats)-1].Values
		t.ema.Value, t.ema.N = prev[len(prev)-1], 1
	}
	t.ema.Periods = periods
	return t.ema.Add(acc)
}

func (t *TestBase) Release() {
	for _, d := range t.Data {
		d.Release()
	}
}

type testLogger struct {
	*TestBase
}

// NewTestLogger returns a Tester which also prints the stats for each epoch to stdout.
func NewTestLogger(q num.Queue, conf Config, data map[string]Data, rng *rand.Rand) (Tester, error) {
	t, err := NewTestBase().Init(q, conf, data, rng)
	return testLogger{TestBase: t}, err
}

func (t testLogger) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	done := t.TestBase.Test(net, epoch, loss, start)
	s := t.Stats[len(t.Stats)-1]
	var b strings.Builder
	fmt.Fprintf(&b, "epoch %3d:", epoch)
	for i, val := range s.Format() {
		fmt.Fprintf(&b, "  %s =%s", t.Headers[i], val)
	}
	if s.BestSince > 0 {
		fmt.Fprintf(&b, " [%d]", s.BestSince)
	}
	fmt.Println(b.String())
	if done {
		fmt.Println("run time:", s.Elapsed.Round(10*time.Millisecond))
	}
	return done
}

// Train runs epochs from net.Epoch until test returns true, so a run can be resumed from a checkpoint.
// If LogDir is set the checkpoint is saved after each epoch.
func Train(net *Network, dset *Dataset, test Tester) error {
	metric := new(Accuracy)
	start := time.Now()
	for net.Epoch < net.MaxEpoch {
		net.Epoch++
		loss, err := TrainEpoch(net, dset, metric)
		if err != nil {
			return err
		}
		done := test.Test(net, net.Epoch, loss, start)
		if net.LogDir != "" {
			if err = net.SaveCheckpoint(net.LogDir); err != nil {
				return err
			}
		}
		if done {
			break
		}
	}
	if net.Profile {
		fmt.Printf("== Profile ==\n%s\n", net.queue.Profile())
	}
	return nil
}

// TrainEpoch updates the weights from each batch in dset and returns the mean loss.
func TrainEpoch(net *Network, dset *Dataset, metric *Accuracy) (float64, error) {
	if dset.Batches == 0 {
		return 0, errors.New("no training batches")
	}
	metric.Reset()
	dset.NextEpoch(net.Shuffle)
	var total float64
	err := batches(dset, dset.Batches, func(i int, b Batch) error {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && i == 0) {
			fmt.Printf("== train batch %d ==\n", i)
		}
		spec, err := net.ModelFn(ModeTrain, b, metric)
		if err != nil {
			return err
		}
		total += spec.Loss
		for _, h := range spec.Hooks {
			if err = h.AfterStep(net, spec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if net.DebugLevel >= 2 {
		net.PrintWeights()
	}
	return total / float64(dset.Batches), nil
}

// Evaluate returns the mean loss and the accuracy over dset. If pred is not nil the predicted class
// for each sample is saved at its index in the data set.
func Evaluate(net *Network, dset *Dataset, pred []int32) (loss, acc float64, err error) {
	metric := new(Accuracy)
	dset.Rewind()
	err = batches(dset, dset.Batches, func(_ int, b Batch) error {
		spec, err := net.ModelFn(ModeEval, b, metric)
		if err != nil {
			return err
		}
		loss += spec.Loss * float64(b.Valid)
		if pred != nil {
			for i, class := range spec.Predictions.Classes {
				pred[b.Index[i]] = class
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if metric.Total > 0 {
		loss /= float64(metric.Total)
	}
	return loss, metric.Value(), nil
}

// Predict runs each batch of dset through the network and calls fn with the results.
func Predict(net *Network, dset *Dataset, fn func(b Batch, p *Predictions) error) error {
	dset.Rewind()
	return batches(dset, dset.Batches, func(_ int, b Batch) error {
		spec, err := net.ModelFn(ModePredict, b, nil)
		if err != nil {
			return err
		}
		return fn(b, spec.Predictions)
	})
}

func batches(dset *Dataset, n int, fn func(i int, b Batch) error) error {
	for i := 0; i < n; i++ {
		if err := fn(i, dset.NextBatch()); err != nil {
			return err
		}
	}
	return nil
}
