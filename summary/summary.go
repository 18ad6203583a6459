// Package summary records scalar and histogram summaries of a training run so they can be plotted later.
// Events are stored one per line in JSON format.
package summary

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"os"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Name of events file under the log directory
const EventsFile = "events.json"

// Default number of histogram buckets
var Buckets = 30

type Kind string

const (
	ScalarKind    Kind = "scalar"
	HistogramKind Kind = "histogram"
)

// Event is a single summary value
type Event struct {
	Run   string `json:",omitempty"`
	Step  int
	Time  time.Time
	Tag   string
	Kind  Kind
	Value float64    `json:",omitempty"`
	Hist  *Histogram `json:",omitempty"`
}

// Histogram of a set of values with equal width buckets. NaN and infinite values are not binned,
// Dropped is the number skipped.
type Histogram struct {
	Min, Max     float64
	Mean, StdDev float64
	Count        int
	Dropped      int `json:",omitempty"`
	Edges        []float64
	Counts       []float64
}

// Bucket centres
func (h *Histogram) Centres() []float64 {
	c := make([]float64, len(h.Counts))
	for i := range c {
		c[i] = (h.Edges[i] + h.Edges[i+1]) / 2
	}
	return c
}

// Build a histogram from data with n buckets
func NewHistogram(data []float32, n int) *Histogram {
	h := &Histogram{}
	x := make([]float64, 0, len(data))
	for _, v := range data {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			h.Dropped++
		} else {
			x = append(x, f)
		}
	}
	h.Count = len(x)
	if len(x) == 0 {
		return h
	}
	sort.Float64s(x)
	h.Min, h.Max = x[0], x[len(x)-1]
	h.Mean, h.StdDev = stat.MeanStdDev(x, nil)
	if math.IsNaN(h.StdDev) {
		h.StdDev = 0
	}
	hi := h.Max
	if hi-h.Min < 1e-12 {
		hi = h.Min + 1
	}
	// last edge is nudged up so the maximum value falls inside the final bucket
	h.Edges = floats.Span(make([]float64, n+1), h.Min, hi)
	h.Edges[n] = math.Nextafter(h.Edges[n], math.Inf(1))
	h.Counts = stat.Histogram(nil, h.Edges, x, nil)
	return h
}

// Writer appends events to a file. Each writer has a unique Run id which tags its events.
type Writer struct {
	Run string
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// Open events file for appending in the given directory, the directory is created if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "error creating log dir")
	}
	f, err := os.OpenFile(path.Join(dir, EventsFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "error opening events file")
	}
	w := &Writer{Run: uuid.NewString(), f: f, buf: bufio.NewWriter(f)}
	w.enc = json.NewEncoder(w.buf)
	return w, nil
}

func (w *Writer) write(e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Run = w.Run
	return errors.Wrap(w.enc.Encode(e), "error writing event")
}

// Record a scalar value
func (w *Writer) Scalar(step int, tag string, val float64) error {
	return w.write(Event{Step: step, Tag: tag, Kind: ScalarKind, Value: val})
}

// Record a histogram of the given values
func (w *Writer) Histogram(step int, tag string, data []float32) error {
	return w.write(Event{Step: step, Tag: tag, Kind: HistogramKind, Hist: NewHistogram(data, Buckets)})
}

func (w *Writer) Flush() error {
	return errors.Wrap(w.buf.Flush(), "error flushing events")
}

func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Read all events from the log directory
func ReadEvents(dir string) ([]Event, error) {
	f, err := os.Open(path.Join(dir, EventsFile))
	if err != nil {
		return nil, errors.Wrap(err, "error opening events file")
	}
	defer f.Close()
	return Decode(f)
}

// Decode a stream of events
func Decode(r io.Reader) ([]Event, error) {
	var events []Event
	dec := json.NewDecoder(r)
	for {
		var e Event
		err := dec.Decode(&e)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, errors.Wrapf(err, "error decoding event %d", len(events))
		}
		events = append(events, e)
	}
}

// Distinct run ids in the order they first appear
func Runs(events []Event) []string {
	var runs []string
	for _, e := range events {
		if len(runs) == 0 || runs[len(runs)-1] != e.Run {
			runs = append(runs, e.Run)
		}
	}
	return runs
}

// Events from the most recent run only
func LastRun(events []Event) []Event {
	i := len(events)
	for i > 0 && events[i-1].Run == events[len(events)-1].Run {
		i--
	}
	return events[i:]
}

// Scalar values for given tag in step order
func Scalars(events []Event, tag string) (steps []int, values []float64) {
	for _, e := range events {
		if e.Kind == ScalarKind && e.Tag == tag {
			steps = append(steps, e.Step)
			values = append(values, e.Value)
		}
	}
	return
}

// Most recent histogram with given tag, or nil if not found
func LatestHistogram(events []Event, tag string) (step int, h *Histogram) {
	for _, e := range events {
		if e.Kind == HistogramKind && e.Tag == tag && e.Step >= step {
			step, h = e.Step, e.Hist
		}
	}
	return
}

// Sorted list of distinct tags of the given kind
func Tags(events []Event, kind Kind) []string {
	seen := map[string]bool{}
	var tags []string
	for _, e := range events {
		if e.Kind == kind && !seen[e.Tag] {
			seen[e.Tag] = true
			tags = append(tags, e.Tag)
		}
	}
	sort.Strings(tags)
	return tags
}
