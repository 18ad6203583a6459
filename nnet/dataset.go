package nnet

import (
	"math/rand"

	"github.com/jnb666/deepemotion/img"
	"github.com/jnb666/deepemotion/num"
)

// Batch of input data and labels. If the data set size is not a multiple of the batch size then the
// final batch is padded by wrapping round to the start of the data and only the first Valid rows are used.
type Batch struct {
	X, Y, YOneHot num.Array
	Index         []int
	Valid         int
}

// Dataset splits a Data set into batches. The next batch is loaded in the background while the
// current one is processed.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	trans     *img.Transformer
	rng       *rand.Rand
	order     []int
	slots     [2]*batchSlot
	cur       int
	next      int
	pending   chan struct{}
	xBuffer   []float32
	yBuffer   []int32
}

type batchSlot struct {
	Batch
	index []int
}

// NewDataset uses at most maxSamples from data if it is > 0. If batchSize is <= 0 then all of the samples
// are in one batch. If dropRemainder is set then the final partial batch is skipped, else it is padded.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, dropRemainder bool, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng, queue: dev.NewQueue()}
	if maxSamples > 0 {
		d.Samples = min(d.Samples, maxSamples)
	}
	d.BatchSize = batchSize
	if batchSize <= 0 || (dropRemainder && batchSize > d.Samples) {
		d.BatchSize = d.Samples
	}
	if d.BatchSize > 0 {
		d.Batches = d.Samples / d.BatchSize
		if !dropRemainder && d.Samples%d.BatchSize != 0 {
			d.Batches++
		}
	}
	shape := d.Shape()
	for i := range d.slots {
		d.slots[i] = &batchSlot{
			Batch: Batch{
				X:       dev.NewArray(num.Float32, shape...),
				Y:       dev.NewArray(num.Int32, d.BatchSize),
				YOneHot: dev.NewArray(num.Float32, d.BatchSize, len(data.Classes())),
			},
			index: make([]int, d.BatchSize),
		}
	}
	d.xBuffer = make([]float32, num.Prod(shape))
	d.yBuffer = make([]int32, d.BatchSize)
	d.order = make([]int, d.Samples)
	for i := range d.order {
		d.order[i] = i
	}
	return d
}

// SetTrans enables normalisation and random distortions when each batch is loaded. It has no effect
// unless the data is an image set.
func (d *Dataset) SetTrans(normalise, distort bool) *Dataset {
	images, ok := d.Data.(*img.Data)
	if !ok {
		return d
	}
	var trans img.TransType
	if normalise {
		trans |= img.Normalise
	}
	if distort {
		trans |= img.FaceTrans
	}
	d.trans = nil
	if trans != img.NoTrans {
		d.trans = img.NewTransformer(images, trans, d.rng)
	}
	return d
}

// Shape of the network input including the batch dimension
func (d *Dataset) Shape() []int {
	return append([]int{d.BatchSize}, d.Data.Shape()...)
}

func (d *Dataset) Release() {
	d.wait()
	for _, s := range d.slots {
		num.Release(s.X, s.Y, s.YOneHot)
	}
	d.queue.Shutdown()
}

// NextBatch returns the batch which was loaded in the background and starts loading the one after.
// The returned arrays are valid until the following call.
func (d *Dataset) NextBatch() Batch {
	d.wait()
	b := d.slots[d.cur].Batch
	d.cur = 1 - d.cur
	d.next = (d.next + 1) % d.Batches
	d.load()
	return b
}

// Rewind starts again from the first batch
func (d *Dataset) Rewind() {
	d.wait()
	d.next = 0
	d.load()
}

// NextEpoch rewinds to the start, first shuffling the samples if shuffle is set.
func (d *Dataset) NextEpoch(shuffle bool) {
	d.wait()
	if shuffle {
		d.Shuffle()
	}
	d.next = 0
	d.load()
}

// Shuffle picks a new random subset of Samples from the data in random order
func (d *Dataset) Shuffle() {
	d.order = d.rng.Perm(d.Data.Len())[:d.Samples]
}

func (d *Dataset) wait() {
	if d.pending != nil {
		<-d.pending
		d.pending = nil
	}
}

// load batch d.next into slot d.cur in the background
func (d *Dataset) load() {
	if d.Batches == 0 {
		return
	}
	done := make(chan struct{})
	d.pending = done
	s := d.slots[d.cur]
	start := d.next * d.BatchSize
	go func() {
		defer close(done)
		for i := range s.index {
			s.index[i] = d.order[(start+i)%d.Samples]
		}
		s.Index = s.index
		s.Valid = min(d.BatchSize, d.Samples-start)
		d.Input(s.index, d.xBuffer, d.trans)
		d.Label(s.index, d.yBuffer)
		d.queue.Call(
			num.Write(s.X, d.xBuffer),
			num.Write(s.Y, d.yBuffer),
			num.Onehot(s.Y, s.YOneHot, len(d.Classes())),
		).Finish()
	}()
}
