// Package num has the array type and the functions run on it by a device queue: element wise maths,
// blas matrix multiplication, activations, the loss and the optimiser updates.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// DataType is the element type of an array.
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	} else if t == Float32 {
		return "float32"
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Element is the set of Go types which can be copied to and from an array.
type Element interface {
	int32 | float32
}

// TransType selects if a matrix argument is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Function is a deferred operation which is run when the queue is flushed.
type Function struct {
	name string
	fn   func()
}

// NewFunction wraps fn so it can be added to a queue. The name is used for profiling.
func NewFunction(name string, fn func()) Function {
	return Function{name: name, fn: fn}
}

func (f Function) String() string { return f.name }

// argument checks panic with the function name as a prefix
func check(fname string, ok bool, format string, args ...any) {
	if !ok {
		panic(fname + ": " + fmt.Sprintf(format, args...))
	}
}

func checkType(fname string, dtype DataType, arrays ...Array) {
	for _, a := range arrays {
		check(fname, a.Dtype() == dtype, "%s array where %s expected", a.Dtype(), dtype)
	}
}

func checkShape(fname string, arrays ...Array) {
	for _, a := range arrays[1:] {
		check(fname, SameShape(a.Dims(), arrays[0].Dims()), "shape %v does not match %v", a.Dims(), arrays[0].Dims())
	}
}

// Read copies the array contents to data.
func Read[T Element](a Array, data []T) Function {
	return NewFunction("read", func() {
		switch d := any(data).(type) {
		case []float32:
			copy(d, a.Float32())
		case []int32:
			copy(d, a.Int32())
		}
	})
}

// Write copies data to the array.
func Write[T Element](a Array, data []T) Function {
	return NewFunction("write", func() {
		switch d := any(data).(type) {
		case []float32:
			copy(a.Float32(), d)
		case []int32:
			copy(a.Int32(), d)
		}
	})
}

// Fill sets every element to value
func Fill(a Array, value float32) Function {
	return NewFunction("fill", func() {
		if a.Dtype() == Int32 {
			fill(a.Int32(), int32(value))
		} else {
			fill(a.Float32(), value)
		}
	})
}

func fill[T Element](data []T, value T) {
	for i := range data {
		data[i] = value
	}
}

// Copy src to dst. If src is a vector and dst a matrix with the same number of columns then
// the vector is repeated for each row.
func Copy(dst, src Array) Function {
	check("Copy", src.Dtype() == dst.Dtype(), "cannot copy %s to %s", src.Dtype(), dst.Dtype())
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) || (len(sdim) != 1 && src.Size() == dst.Size()) {
		return NewFunction("copy", func() {
			if src.Dtype() == Float32 {
				copy(dst.Float32(), src.Float32())
			} else {
				copy(dst.Int32(), src.Int32())
			}
		})
	}
	check("Copy", len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] && src.Dtype() == Float32,
		"cannot broadcast %v to %v", sdim, ddim)
	return NewFunction("tile", func() {
		vec, out := src.Float32(), dst.Float32()
		for start := 0; start < len(out); start += len(vec) {
			copy(out[start:], vec)
		}
	})
}

// Neq sets res to 1 where x and y differ and 0 elsewhere.
func Neq(x, y, res Array) Function {
	checkType("Neq", Int32, x, y, res)
	checkShape("Neq", res, x, y)
	return NewFunction("neq", func() {
		xd, yd, rd := x.Int32(), y.Int32(), res.Int32()
		for i := range rd {
			rd[i] = 0
			if xd[i] != yd[i] {
				rd[i] = 1
			}
		}
	})
}

// Onehot converts the labels in x to rows of y with a single 1 in the label column.
// Labels outside [0, classes) give an all zero row.
func Onehot(x, y Array, classes int) Function {
	checkType("Onehot", Int32, x)
	checkType("Onehot", Float32, y)
	xdim, ydim := x.Dims(), y.Dims()
	check("Onehot", len(xdim) == 1 && len(ydim) == 2 && xdim[0] == ydim[0] && ydim[1] == classes,
		"shapes %v and %v invalid for %d classes", xdim, ydim, classes)
	return NewFunction("onehot", func() {
		out := y.Float32()
		fill(out, 0)
		for row, label := range x.Int32() {
			if label >= 0 && int(label) < classes {
				out[row*classes+int(label)] = 1
			}
		}
	})
}

// Unhot sets y to the column index of the largest value in each row of x.
func Unhot(x, y Array) Function {
	checkType("Unhot", Float32, x)
	checkType("Unhot", Int32, y)
	xdim, ydim := x.Dims(), y.Dims()
	check("Unhot", len(xdim) == 2 && len(ydim) == 1 && xdim[0] == ydim[0], "shapes %v and %v invalid", xdim, ydim)
	return NewFunction("unhot", func() {
		in, labels := x.Float32(), y.Int32()
		for row := range labels {
			labels[row] = int32(argmax(in[row*xdim[1] : (row+1)*xdim[1]]))
		}
	})
}

func argmax(vals []float32) int {
	best := 0
	for i, v := range vals {
		if v > vals[best] {
			best = i
		}
	}
	return best
}

// Scale multiplies each element of x by alpha.
func Scale(alpha float32, x Array) Function {
	checkType("Scale", Float32, x)
	return NewFunction("scale", func() {
		data := x.Float32()
		for i := range data {
			data[i] *= alpha
		}
	})
}

// Axpy adds alpha*x to y.
func Axpy(alpha float32, x, y Array) Function {
	checkType("Axpy", Float32, x, y)
	check("Axpy", x.Size() == y.Size(), "sizes %d and %d differ", x.Size(), y.Size())
	return NewFunction("axpy", func() {
		xv := blas32.Vector{N: x.Size(), Inc: 1, Data: x.Float32()}
		yv := blas32.Vector{N: y.Size(), Inc: 1, Data: y.Float32()}
		blas32.Axpy(alpha, xv, yv)
	})
}

// Mul sets z to the element wise product of x and y.
func Mul(x, y, z Array) Function {
	return binaryFunc("mul", x, y, z, func(a, b float32) float32 { return a * b })
}

// Sum stores scale times the sum of the elements of a in the scalar total.
func Sum(a, total Array, scale float32) Function {
	check("Sum", len(total.Dims()) == 0 && total.Dtype() == Float32, "total must be a float32 scalar")
	return NewFunction("sum", func() {
		var sum float64
		if a.Dtype() == Float32 {
			sum = sumOf(a.Float32())
		} else {
			sum = sumOf(a.Int32())
		}
		total.Float32()[0] = float32(sum) * scale
	})
}

func sumOf[T Element](data []T) (sum float64) {
	for _, v := range data {
		sum += float64(v)
	}
	return sum
}

// Gemv is the matrix vector product y = alpha*op(mA).x + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	checkType("Gemv", Float32, mA, x, y)
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	check("Gemv", len(adim) == 2 && len(xdim) == 1 && len(ydim) == 1, "need a matrix and two vectors")
	in, out := adim[1], adim[0]
	if aTrans == Trans {
		in, out = out, in
	}
	check("Gemv", xdim[0] == in && ydim[0] == out, "vector lengths %d, %d invalid for %v matrix", xdim[0], ydim[0], adim)
	return NewFunction("gemv", func() {
		xv := blas32.Vector{N: in, Inc: 1, Data: x.Float32()}
		yv := blas32.Vector{N: out, Inc: 1, Data: y.Float32()}
		blas32.Gemv(aTrans.blas(), alpha, general(adim, mA.Float32()), xv, beta, yv)
	})
}

// Gemm is the matrix product mC = alpha*op(mA).op(mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	checkType("Gemm", Float32, mA, mB, mC)
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	check("Gemm", len(adim) == 2 && len(bdim) == 2 && len(cdim) == 2, "arrays must be matrices")
	rows, inner := opDims(adim, aTrans)
	inner2, cols := opDims(bdim, bTrans)
	check("Gemm", inner == inner2, "cannot multiply %v by %v", adim, bdim)
	check("Gemm", cdim[0] == rows && cdim[1] == cols, "output is %v, need [%d %d]", cdim, rows, cols)
	return NewFunction("gemm", func() {
		gemm(aTrans, bTrans, alpha, beta, general(adim, mA.Float32()), general(bdim, mB.Float32()), general(cdim, mC.Float32()))
	})
}

// rows and columns after the optional transpose
func opDims(dims []int, t TransType) (int, int) {
	if t == Trans {
		return dims[1], dims[0]
	}
	return dims[0], dims[1]
}

func general(dims []int, data []float32) blas32.General {
	return blasMat(dims[0], dims[1], data)
}

func blasMat(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func gemm(aTrans, bTrans TransType, alpha, beta float32, a, b, c blas32.General) {
	blas32.Gemm(aTrans.blas(), bTrans.blas(), alpha, a, b, beta, c)
}

// Relu sets y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(v float32) float32 { return max(v, 0) })
}

// ReluD back propagates grad through the relu with input x.
func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(in, g float32) float32 {
		if in <= 0 {
			return 0
		}
		return g
	})
}

// Softmax normalises each row of x to a probability distribution.
func Softmax(x, res Array) Function {
	checkType("Softmax", Float32, x, res)
	check("Softmax", len(x.Dims()) == 2, "input must be a matrix")
	checkShape("Softmax", x, res)
	cols := x.Dims()[1]
	return NewFunction("softmax", func() {
		in, out := x.Float32(), res.Float32()
		for start := 0; start < len(in); start += cols {
			softmax(in[start:start+cols], out[start:start+cols])
		}
	})
}

func softmax(in, out []float32) {
	top := in[0]
	for _, v := range in[1:] {
		top = max(top, v)
	}
	var sum float64
	for i, v := range in {
		e := math.Exp(float64(v - top))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
}

// SoftmaxD back propagates grad through the softmax with output p:
// res[i,j] = p[i,j] * (grad[i,j] - sum_k grad[i,k]*p[i,k])
func SoftmaxD(p, grad, res Array) Function {
	checkType("SoftmaxD", Float32, p, grad, res)
	check("SoftmaxD", len(p.Dims()) == 2, "input must be a matrix")
	checkShape("SoftmaxD", p, grad, res)
	cols := p.Dims()[1]
	return NewFunction("softmax_d", func() {
		pd, gd, out := p.Float32(), grad.Float32(), res.Float32()
		for start := 0; start < len(pd); start += cols {
			var dot float64
			for j := start; j < start+cols; j++ {
				dot += float64(gd[j]) * float64(pd[j])
			}
			for j := start; j < start+cols; j++ {
				out[j] = float32(float64(pd[j]) * (float64(gd[j]) - dot))
			}
		}
	})
}

// Minimum probability used when taking the log in the cross entropy loss.
const probEpsilon = 1e-7

// SoftmaxLoss is the cross entropy for each row: res[i] = -sum_j y[i,j] * log(p[i,j]).
// yPred should be the output of the Softmax function.
func SoftmaxLoss(yOneHot, yPred, res Array) Function {
	checkType("SoftmaxLoss", Float32, yOneHot, yPred, res)
	ydim, rdim := yOneHot.Dims(), res.Dims()
	checkShape("SoftmaxLoss", yOneHot, yPred)
	check("SoftmaxLoss", len(ydim) == 2 && len(rdim) == 1 && rdim[0] == ydim[0], "shapes %v and %v invalid", ydim, rdim)
	cols := ydim[1]
	return NewFunction("softmax_loss", func() {
		target, prob, loss := yOneHot.Float32(), yPred.Float32(), res.Float32()
		for row := range loss {
			var sum float64
			for j := row * cols; j < (row+1)*cols; j++ {
				if target[j] != 0 {
					sum -= float64(target[j]) * math.Log(max(float64(prob[j]), probEpsilon))
				}
			}
			loss[row] = float32(sum)
		}
	})
}

// AdamUpdate applies one Adam step to w given the gradient dw and the moment estimates m and v.
// t is the step number starting from 1.
func AdamUpdate(w, dw, m, v Array, eta, beta1, beta2, epsilon float32, t int) Function {
	checkShape("AdamUpdate", w, dw, m, v)
	return NewFunction("adam", func() {
		corr1 := 1 - math.Pow(float64(beta1), float64(t))
		corr2 := 1 - math.Pow(float64(beta2), float64(t))
		rate := float64(eta) * math.Sqrt(corr2) / corr1
		wd, md, vd := w.Float32(), m.Float32(), v.Float32()
		for i, g := range dw.Float32() {
			md[i] += (1 - beta1) * (g - md[i])
			vd[i] += (1 - beta2) * (g*g - vd[i])
			wd[i] -= float32(rate * float64(md[i]) / (math.Sqrt(float64(vd[i])) + float64(epsilon)))
		}
	})
}

// MomentumUpdate is an SGD step with momentum and L2 weight decay:
// vel = momentum*vel - eta*(dw + decay*w); w += vel
func MomentumUpdate(w, dw, vel Array, eta, momentum, decay float32) Function {
	checkShape("MomentumUpdate", w, dw, vel)
	return NewFunction("sgd", func() {
		wd, vd := w.Float32(), vel.Float32()
		for i, g := range dw.Float32() {
			vd[i] = momentum*vd[i] - eta*(g+decay*wd[i])
			wd[i] += vd[i]
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	checkType(name, Float32, x, y)
	check(name, x.Size() == y.Size(), "sizes %d and %d differ", x.Size(), y.Size())
	return NewFunction(name, func() {
		out := y.Float32()
		for i, v := range x.Float32() {
			out[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(a, b float32) float32) Function {
	checkType(name, Float32, x, y, z)
	check(name, x.Size() == z.Size() && y.Size() == z.Size(), "sizes %d, %d and %d differ", x.Size(), y.Size(), z.Size())
	return NewFunction(name, func() {
		xd, yd, out := x.Float32(), y.Float32(), z.Float32()
		for i := range out {
			out[i] = fn(xd[i], yd[i])
		}
	})
}
