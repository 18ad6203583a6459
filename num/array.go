package num

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Arrays with more than PrintThreshold rows or columns are printed showing only the first and last
// PrintEdgeitems.
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array is an n dimensional tensor stored in row major order with the batch as the first dimension.
type Array interface {
	// Dims returns the shape of the array in batch, channels, ... order
	Dims() []int
	Size() int
	Dtype() DataType
	// Reshape returns a view on the same data with a different shape. One dimension may be -1, in
	// which case it is calculated from the size.
	Reshape(dims ...int) Array
	// Float32 returns the raw data, panics if Dtype is not Float32
	Float32() []float32
	// Int32 returns the raw data, panics if Dtype is not Int32
	Int32() []int32
	// String waits for pending operations on the queue and formats the contents.
	String(q Queue) string
	Release()
}

// host memory array, only one of f32 or i32 is set
type array struct {
	dims  []int
	dtype DataType
	f32   []float32
	i32   []int32
}

func (d cpuDevice) NewArray(dtype DataType, dims ...int) Array {
	a := &array{dims: append([]int(nil), dims...), dtype: dtype}
	switch dtype {
	case Float32:
		a.f32 = make([]float32, Prod(dims))
	case Int32:
		a.i32 = make([]int32, Prod(dims))
	default:
		panic(fmt.Sprintf("NewArray: invalid data type %d", dtype))
	}
	return a
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return d.NewArray(a.Dtype(), a.Dims()...)
}

func (a *array) Dims() []int { return a.dims }

func (a *array) Size() int { return Prod(a.dims) }

func (a *array) Dtype() DataType { return a.dtype }

func (a *array) Float32() []float32 {
	if a.dtype != Float32 {
		panic("Float32: array dtype is " + a.dtype.String())
	}
	return a.f32
}

func (a *array) Int32() []int32 {
	if a.dtype != Int32 {
		panic("Int32: array dtype is " + a.dtype.String())
	}
	return a.i32
}

// memory is garbage collected
func (a *array) Release() {}

func (a *array) Reshape(dims ...int) Array {
	size := a.Size()
	dims = append([]int(nil), dims...)
	unknown := -1
	known := 1
	for i, d := range dims {
		if d != -1 {
			known *= d
			continue
		}
		if unknown >= 0 {
			panic("Reshape: can only have single -1 value")
		}
		unknown = i
	}
	if unknown >= 0 && known > 0 {
		dims[unknown] = size / known
	}
	if Prod(dims) != size {
		panic(fmt.Sprintf("Reshape: %v must be to array of same size as %v", dims, a.dims))
	}
	b := *a
	b.dims = dims
	return &b
}

// The last dimension is printed as columns and all of the others as rows.
func (a *array) String(q Queue) string {
	q.Finish()
	rows, cols := 1, 1
	if n := len(a.dims); n > 0 {
		cols = a.dims[n-1]
		rows = Prod(a.dims[:n-1])
	}
	data := make([]float64, rows*cols)
	for i := range data {
		if a.dtype == Int32 {
			data[i] = float64(a.i32[i])
		} else {
			data[i] = float64(a.f32[i])
		}
	}
	if len(data) == 0 {
		return fmt.Sprintf("%v[]\n", a.dims)
	}
	opts := []mat.FormatOption{mat.Squeeze()}
	if rows > PrintThreshold || cols > PrintThreshold {
		opts = append(opts, mat.Excerpt(PrintEdgeitems))
	}
	return fmt.Sprintf("%v\n%.5g\n", a.dims, mat.Formatted(mat.NewDense(rows, cols, data), opts...))
}

// Prod multiplies the elements of arr. A scalar with no dimensions has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i, d := range xd {
		if yd[i] != d {
			return false
		}
	}
	return true
}

// Release each array which is not nil
func Release(arr ...Array) {
	for _, a := range arr {
		if a != nil {
			a.Release()
		}
	}
}
