package num

import (
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/cpuid/v2"
)

// Max number of functions buffered on a queue before they are executed.
const QueueSize = 256

// Device allocates arrays and layers and creates queues to run functions on them.
type Device interface {
	NewQueue() Queue
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Number of worker threads used by the layer functions
	Threads() int
	LinearLayer(nBatch, nIn, nOut int) Layer
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer
	MaxPoolLayer(inShape []int, size, stride int) Layer
	BatchNormLayer(inShape []int, epsilon, avgFactor float64) Layer
	DropoutLayer(inShape []int, ratio float64, seed int64) Layer
}

// NewDevice returns a CPU device. If threads is <= 0 then the number of physical cores is used.
func NewDevice(threads int) Device {
	cpu := cpuid.CPU
	if threads <= 0 {
		threads = cpu.PhysicalCores
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	log.Printf("cpu: %s cores=%d avx2=%v fma3=%v threads=%d", cpu.BrandName, cpu.PhysicalCores,
		cpu.Supports(cpuid.AVX2), cpu.Supports(cpuid.FMA3), threads)
	return cpuDevice{threads: threads}
}

// Queue buffers functions and runs them in order on the device.
type Queue interface {
	Device
	Dev() Device
	// Call adds functions to the queue, they may not run until Finish is called.
	Call(args ...Function) Queue
	// Finish blocks until all of the queued functions have completed.
	Finish()
	Shutdown()
	// Profiling enables recording the time spent in each function
	Profiling(on bool)
	Profile() string
}

type cpuDevice struct {
	threads int
}

func (d cpuDevice) Threads() int { return d.threads }

func (d cpuDevice) NewQueue() Queue {
	return &cpuQueue{cpuDevice: d, pending: make([]Function, 0, QueueSize), timing: map[string]*timing{}}
}

type cpuQueue struct {
	cpuDevice
	pending   []Function
	profiling bool
	timing    map[string]*timing
}

type timing struct {
	calls int64
	total time.Duration
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, f := range args {
		if len(q.pending) == QueueSize {
			q.Finish()
		}
		q.pending = append(q.pending, f)
	}
	return q
}

func (q *cpuQueue) Finish() {
	for _, f := range q.pending {
		if !q.profiling {
			f.fn()
			continue
		}
		start := time.Now()
		f.fn()
		t := q.timing[f.name]
		if t == nil {
			t = new(timing)
			q.timing[f.name] = t
		}
		t.calls++
		t.total += time.Since(start)
	}
	q.pending = q.pending[:0]
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profiling {
		fmt.Printf("== Profile ==\n%s\n", q.Profile())
	}
}

func (q *cpuQueue) Profiling(on bool) { q.profiling = on }

// Profile lists the functions by total elapsed time, slowest first.
func (q *cpuQueue) Profile() string {
	names := make([]string, 0, len(q.timing))
	for name := range q.timing {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return q.timing[names[i]].total > q.timing[names[j]].total })
	var sum timing
	var b strings.Builder
	line := func(name string, t timing) {
		fmt.Fprintf(&b, "%-25s %8d calls %10.1f msec\n", name, t.calls, t.total.Seconds()*1000)
	}
	for _, name := range names {
		t := q.timing[name]
		line(name, *t)
		sum.calls += t.calls
		sum.total += t.total
	}
	line("TOTAL", sum)
	return strings.TrimSuffix(b.String(), "\n")
}

// parallel calls fn(worker, i) for each i in [0,n) from up to threads goroutines. Each goroutine
// has a distinct worker number so it can use its own scratch buffers.
func parallel(threads, n int, fn func(worker, i int)) {
	threads = min(threads, n)
	if threads <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(threads)
	for w := 0; w < threads; w++ {
		go func(worker int) {
			defer wg.Done()
			for i := int(next.Add(1) - 1); i < n; i = int(next.Add(1) - 1) {
				fn(worker, i)
			}
		}(w)
	}
	wg.Wait()
}
