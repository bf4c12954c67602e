package engine

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/blas"
)

func TestIm2colIdentityKernel(t *testing.T) {
	// 1x1 kernel, stride 1, no padding: cols should equal the input
	g := conv2DGeometry{
		inChannels: 1, outChannels: 1,
		inHeight: 2, inWidth: 2,
		outHeight: 2, outWidth: 2,
		kernelSize: 1, stride: 1, padding: 0,
	}

	input := []float32{1, 2, 3, 4}
	cols := make([]float32, g.colRows()*g.colCols())
	im2col(input, g, cols)

	for i, v := range input {
		if cols[i] != v {
			t.Errorf("cols[%d] = %f, expected %f", i, cols[i], v)
		}
	}
}

func TestIm2colPadding(t *testing.T) {
	// 3x3 kernel with padding 1 on a 2x2 input: output positions cover the
	// input with zero-padded borders
	g := conv2DGeometry{
		inChannels: 1, outChannels: 1,
		inHeight: 2, inWidth: 2,
		outHeight: 2, outWidth: 2,
		kernelSize: 3, stride: 1, padding: 1,
	}

	input := []float32{1, 2, 3, 4}
	cols := make([]float32, g.colRows()*g.colCols())
	im2col(input, g, cols)

	// Center kernel tap (ki=1, kj=1) sees the input unshifted
	centerRow := 1*3 + 1
	for i, v := range input {
		if cols[centerRow*4+i] != v {
			t.Errorf("center tap col %d = %f, expected %f", i, cols[centerRow*4+i], v)
		}
	}

	// Top-left kernel tap (ki=0, kj=0) at output (0,0) reads padding
	if cols[0] != 0 {
		t.Errorf("padded tap should be 0, got %f", cols[0])
	}
}

func TestCol2imAdjointOfIm2col(t *testing.T) {
	// <im2col(x), y> == <x, col2im(y)> must hold for adjoint pairs
	g := conv2DGeometry{
		inChannels: 2, outChannels: 1,
		inHeight: 4, inWidth: 4,
		outHeight: 4, outWidth: 4,
		kernelSize: 3, stride: 1, padding: 1,
	}

	x := make([]float32, g.inChannels*g.inHeight*g.inWidth)
	for i := range x {
		x[i] = float32(i%7) - 3
	}

	y := make([]float32, g.colRows()*g.colCols())
	for i := range y {
		y[i] = float32(i%5) - 2
	}

	cols := make([]float32, len(y))
	im2col(x, g, cols)

	back := make([]float32, len(x))
	col2im(y, g, back)

	var lhs, rhs float64
	for i := range cols {
		lhs += float64(cols[i]) * float64(y[i])
	}
	for i := range x {
		rhs += float64(x[i]) * float64(back[i])
	}

	if math.Abs(lhs-rhs) > 1e-3 {
		t.Errorf("adjoint identity violated: %f vs %f", lhs, rhs)
	}
}

func TestGemm(t *testing.T) {
	// [2x3] * [3x2] = [2x2]
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	c := make([]float32, 4)

	gemm(blas.NoTrans, blas.NoTrans, 2, 2, 3, 1, a, b, 0, c)

	expected := []float32{58, 64, 139, 154}
	for i := range expected {
		if c[i] != expected[i] {
			t.Errorf("c[%d] = %f, expected %f", i, c[i], expected[i])
		}
	}
}

func TestGemmTransposed(t *testing.T) {
	// a stored as [3x2], used transposed: [2x3] * [3x2] = [2x2]
	aT := []float32{1, 4, 2, 5, 3, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	c := make([]float32, 4)

	gemm(blas.Trans, blas.NoTrans, 2, 2, 3, 1, aT, b, 0, c)

	expected := []float32{58, 64, 139, 154}
	for i := range expected {
		if c[i] != expected[i] {
			t.Errorf("c[%d] = %f, expected %f", i, c[i], expected[i])
		}
	}
}

func TestMaxPool2D(t *testing.T) {
	// 1 channel, 4x4 input, 2x2 pool, stride 2
	input := []float32{
		1, 2, 5, 6,
		3, 4, 7, 8,
		9, 10, 13, 14,
		11, 12, 15, 16,
	}

	output := make([]float32, 4)
	argmax := make([]int32, 4)
	maxPool2D(input, 1, 4, 4, 2, 2, output, argmax)

	expectedOut := []float32{4, 8, 12, 16}
	expectedIdx := []int32{5, 7, 13, 15}
	for i := range expectedOut {
		if output[i] != expectedOut[i] {
			t.Errorf("output[%d] = %f, expected %f", i, output[i], expectedOut[i])
		}
		if argmax[i] != expectedIdx[i] {
			t.Errorf("argmax[%d] = %d, expected %d", i, argmax[i], expectedIdx[i])
		}
	}

	// Backward scatters gradients to argmax positions only
	gradInput := make([]float32, 16)
	maxPool2DBackward([]float32{1, 1, 1, 1}, argmax, gradInput)

	for i, v := range gradInput {
		isMax := false
		for _, idx := range expectedIdx {
			if int32(i) == idx {
				isMax = true
			}
		}
		if isMax && v != 1 {
			t.Errorf("gradInput[%d] = %f, expected 1", i, v)
		}
		if !isMax && v != 0 {
			t.Errorf("gradInput[%d] = %f, expected 0", i, v)
		}
	}
}

func TestSoftmaxRows(t *testing.T) {
	input := []float32{1, 2, 3, 1000, 1000, 1000}
	output := make([]float32, 6)
	SoftmaxRows(input, 2, 3, output)

	for r := 0; r < 2; r++ {
		var sum float32
		for c := 0; c < 3; c++ {
			v := output[r*3+c]
			if v < 0 || v > 1 {
				t.Errorf("softmax output out of range: %f", v)
			}
			sum += v
		}
		if math.Abs(float64(sum)-1) > 1e-5 {
			t.Errorf("row %d: softmax sum = %f, expected 1", r, sum)
		}
	}

	// Row of equal logits must be uniform, even for large values
	for c := 0; c < 3; c++ {
		if math.Abs(float64(output[3+c])-1.0/3.0) > 1e-5 {
			t.Errorf("uniform row: output[%d] = %f, expected 1/3", c, output[3+c])
		}
	}

	if output[2] <= output[1] || output[1] <= output[0] {
		t.Error("softmax should preserve ordering")
	}
}

func TestReLU(t *testing.T) {
	input := []float32{-1, 0, 2, -3, 5}
	output := make([]float32, 5)
	reluForward(input, output)

	expected := []float32{0, 0, 2, 0, 5}
	for i := range expected {
		if output[i] != expected[i] {
			t.Errorf("output[%d] = %f, expected %f", i, output[i], expected[i])
		}
	}

	gradInput := make([]float32, 5)
	reluBackward(input, []float32{1, 1, 1, 1, 1}, gradInput)

	expectedGrad := []float32{0, 0, 1, 0, 1}
	for i := range expectedGrad {
		if gradInput[i] != expectedGrad[i] {
			t.Errorf("gradInput[%d] = %f, expected %f", i, gradInput[i], expectedGrad[i])
		}
	}
}
