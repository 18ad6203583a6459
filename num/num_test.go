package num

import (
	"math"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 6)
	if typ := x.Dtype(); typ != Float32 {
		t.Error("dtype invalid: got", typ)
	}
	x = x.Reshape(2, -1)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	str := x.String(q)
	t.Logf("x\n%s", str)
	if !strings.HasPrefix(str, "[2 3]\n") || !strings.Contains(str, "3") {
		t.Error("invalid string format")
	}
	big := dev.NewArray(Int32, 20, 30)
	if str = big.String(q); !strings.Contains(str, "Dims(20, 30)") {
		t.Error("expected excerpt for large array:", str)
	}
	q.Call(Fill(x, 4), Read(x, res)).Finish()
	for _, v := range res {
		if v != 4 {
			t.Fatal("fill failed: got", res)
		}
	}
}

func TestCopy(t *testing.T) {
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect := []float32{3, 2, 1, 3, 2, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestOnehot(t *testing.T) {
	q := dev.NewQueue()
	y := dev.NewArray(Int32, 4)
	y1h := dev.NewArray(Float32, 4, 3)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y.String(q), y1h.String(q))
	expect := []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	res2 := make([]int32, 4)
	q.Call(
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	if !reflect.DeepEqual(res2, vec) {
		t.Error("got", res2, "expect", vec)
	}
}

func TestNeq(t *testing.T) {
	q := dev.NewQueue()
	x := dev.NewArray(Int32, 4)
	y := dev.NewArray(Int32, 4)
	diff := dev.NewArray(Int32, 4)
	total := dev.NewArray(Float32)
	res := make([]float32, 1)
	q.Call(
		Write(x, []int32{1, 2, 3, 4}),
		Write(y, []int32{1, 0, 3, 0}),
		Neq(x, y, diff),
		Sum(diff, total, 0.5),
		Read(total, res),
	).Finish()
	if res[0] != 1 {
		t.Error("got", res[0], "expect 1")
	}
}

func TestGemm(t *testing.T) {
	q := dev.NewQueue()
	a := dev.NewArray(Float32, 2, 3)
	b := dev.NewArray(Float32, 3, 2)
	c := dev.NewArray(Float32, 2, 2)
	res := make([]float32, 4)
	q.Call(
		Write(a, []float32{1, 2, 3, 4, 5, 6}),
		Write(b, []float32{1, 0, 0, 1, 1, 1}),
		Gemm(1, 0, a, b, c, NoTrans, NoTrans),
		Read(c, res),
	).Finish()
	expect := []float32{4, 5, 10, 11}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	// a^T * a
	c2 := dev.NewArray(Float32, 3, 3)
	res2 := make([]float32, 9)
	q.Call(
		Gemm(1, 0, a, a, c2, Trans, NoTrans),
		Read(c2, res2),
	).Finish()
	expect2 := []float32{17, 22, 27, 22, 29, 36, 27, 36, 45}
	if !reflect.DeepEqual(res2, expect2) {
		t.Error("got", res2, "expect", expect2)
	}
	// column sums via gemv
	ones := dev.NewArray(Float32, 2)
	sums := dev.NewArray(Float32, 3)
	res3 := make([]float32, 3)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, a, ones, sums, Trans),
		Read(sums, res3),
	).Finish()
	if !reflect.DeepEqual(res3, []float32{5, 7, 9}) {
		t.Error("got", res3)
	}
}

func TestSoftmaxLoss(t *testing.T) {
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	p := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Int32, 2)
	y1h := dev.NewArray(Float32, 2, 3)
	loss := dev.NewArray(Float32, 2)
	probs := make([]float32, 6)
	res := make([]float32, 2)
	q.Call(
		Write(x, []float32{1, 2, 3, 0, 0, 0}),
		Write(y, []int32{2, 0}),
		Softmax(x, p),
		Onehot(y, y1h, 3),
		SoftmaxLoss(y1h, p, loss),
		Read(p, probs),
		Read(loss, res),
	).Finish()
	t.Logf("softmax\n%s", p.String(q))
	sum := 0.0
	for _, v := range probs[:3] {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Error("softmax row sum", sum)
	}
	if math.Abs(float64(probs[3])-1.0/3) > 1e-6 {
		t.Error("uniform softmax got", probs[3:])
	}
	expect0 := -math.Log(math.Exp(3) / (math.Exp(1) + math.Exp(2) + math.Exp(3)))
	if math.Abs(float64(res[0])-expect0) > 1e-5 || math.Abs(float64(res[1])-math.Log(3)) > 1e-5 {
		t.Error("loss got", res, "expect", expect0, math.Log(3))
	}
}

func TestSoftmaxD(t *testing.T) {
	q := dev.NewQueue()
	xd := []float32{0.5, -1, 2, 0, 0, 0}
	coeff := []float32{1, 2, -1, 0.5, 0, 3}
	x := dev.NewArray(Float32, 2, 3)
	p := dev.NewArray(Float32, 2, 3)
	c := dev.NewArray(Float32, 2, 3)
	dx := dev.NewArray(Float32, 2, 3)
	grad := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Write(c, coeff),
		Softmax(x, p),
		SoftmaxD(p, c, dx),
		Read(dx, grad),
	).Finish()
	// objective is sum of coeff * softmax(x)
	objective := func(in []float32) float64 {
		out := make([]float32, 6)
		q.Call(Write(x, in), Softmax(x, p), Read(p, out)).Finish()
		var sum float64
		for i, v := range out {
			sum += float64(coeff[i] * v)
		}
		return sum
	}
	const h = 1e-3
	for i := range xd {
		in := slices.Clone(xd)
		in[i] += h
		fp := objective(in)
		in[i] -= 2 * h
		fm := objective(in)
		if est := (fp - fm) / (2 * h); math.Abs(est-float64(grad[i])) > 1e-3 {
			t.Errorf("%d: gradient %g numeric %g", i, grad[i], est)
		}
	}
}

func TestAdam(t *testing.T) {
	q := dev.NewQueue()
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	m := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	res := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, 1}),
		Write(dw, []float32{0.5, -2}),
		AdamUpdate(w, dw, m, v, 0.1, 0.9, 0.999, 1e-8, 1),
		Read(w, res),
	).Finish()
	// first bias corrected step moves each weight by eta against the gradient sign
	if math.Abs(float64(res[0])-0.9) > 1e-4 || math.Abs(float64(res[1])-1.1) > 1e-4 {
		t.Error("got", res, "expect [0.9 1.1]")
	}
}

func TestProfile(t *testing.T) {
	q := dev.NewQueue()
	q.Profiling(true)
	x := dev.NewArray(Float32, 10)
	for i := 0; i < QueueSize+10; i++ {
		q.Call(Fill(x, float32(i)), Scale(2, x))
	}
	q.Finish()
	res := make([]float32, 10)
	q.Call(Read(x, res)).Finish()
	if res[0] != float32(2*(QueueSize+9)) {
		t.Error("got", res[0])
	}
	prof := q.Profile()
	t.Logf("profile\n%s", prof)
	if !strings.Contains(prof, "TOTAL") {
		t.Error("missing total in profile")
	}
}

func TestParallel(t *testing.T) {
	for _, threads := range []int{1, 3, 8} {
		var mu sync.Mutex
		seen := make([]int, 50)
		parallel(threads, len(seen), func(worker, i int) {
			if worker >= threads {
				t.Error("invalid worker", worker)
			}
			mu.Lock()
			seen[i]++
			mu.Unlock()
		})
		for i, n := range seen {
			if n != 1 {
				t.Fatalf("threads=%d: index %d called %d times", threads, i, n)
			}
		}
	}
}
