package engine

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// conv2DGeometry captures the spatial arithmetic shared by the convolution
// forward and backward kernels.
type conv2DGeometry struct {
	inChannels  int
	outChannels int
	inHeight    int
	inWidth     int
	outHeight   int
	outWidth    int
	kernelSize  int
	stride      int
	padding     int
}

func (g conv2DGeometry) colRows() int {
	return g.inChannels * g.kernelSize * g.kernelSize
}

func (g conv2DGeometry) colCols() int {
	return g.outHeight * g.outWidth
}

// im2col unrolls one input image [channels, height, width] into a matrix of
// shape [channels*k*k, outHeight*outWidth] so convolution becomes a single
// GEMM against the [outChannels, channels*k*k] weight matrix.
func im2col(input []float32, g conv2DGeometry, cols []float32) {
	colWidth := g.colCols()

	for c := 0; c < g.inChannels; c++ {
		channelOffset := c * g.inHeight * g.inWidth
		for ki := 0; ki < g.kernelSize; ki++ {
			for kj := 0; kj < g.kernelSize; kj++ {
				row := (c*g.kernelSize+ki)*g.kernelSize + kj
				rowOffset := row * colWidth

				for oy := 0; oy < g.outHeight; oy++ {
					iy := oy*g.stride - g.padding + ki
					if iy < 0 || iy >= g.inHeight {
						for ox := 0; ox < g.outWidth; ox++ {
							cols[rowOffset+oy*g.outWidth+ox] = 0
						}
						continue
					}
					for ox := 0; ox < g.outWidth; ox++ {
						ix := ox*g.stride - g.padding + kj
						if ix < 0 || ix >= g.inWidth {
							cols[rowOffset+oy*g.outWidth+ox] = 0
						} else {
							cols[rowOffset+oy*g.outWidth+ox] = input[channelOffset+iy*g.inWidth+ix]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatters column gradients back into an
// image gradient, accumulating where receptive fields overlap.
func col2im(cols []float32, g conv2DGeometry, gradInput []float32) {
	colWidth := g.colCols()

	for c := 0; c < g.inChannels; c++ {
		channelOffset := c * g.inHeight * g.inWidth
		for ki := 0; ki < g.kernelSize; ki++ {
			for kj := 0; kj < g.kernelSize; kj++ {
				row := (c*g.kernelSize+ki)*g.kernelSize + kj
				rowOffset := row * colWidth

				for oy := 0; oy < g.outHeight; oy++ {
					iy := oy*g.stride - g.padding + ki
					if iy < 0 || iy >= g.inHeight {
						continue
					}
					for ox := 0; ox < g.outWidth; ox++ {
						ix := ox*g.stride - g.padding + kj
						if ix < 0 || ix >= g.inWidth {
							continue
						}
						gradInput[channelOffset+iy*g.inWidth+ix] += cols[rowOffset+oy*g.outWidth+ox]
					}
				}
			}
		}
	}
}

// gemm computes c = alpha*op(a)*op(b) + beta*c for row-major float32
// matrices. Dimensions m, n, k describe the multiplication after any
// transposes are applied: op(a) is m x k, op(b) is k x n, c is m x n.
func gemm(tA, tB blas.Transpose, m, n, k int, alpha float32, a []float32, b []float32, beta float32, c []float32) {
	lda := k
	if tA == blas.Trans {
		lda = m
	}
	ldb := n
	if tB == blas.Trans {
		ldb = k
	}

	aRows, aCols := m, k
	if tA == blas.Trans {
		aRows, aCols = k, m
	}
	bRows, bCols := k, n
	if tB == blas.Trans {
		bRows, bCols = n, k
	}

	blas32.Gemm(tA, tB, alpha,
		blas32.General{Rows: aRows, Cols: aCols, Stride: lda, Data: a},
		blas32.General{Rows: bRows, Cols: bCols, Stride: ldb, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
}

// maxPool2D pools one image channel-wise, recording the flat input index of
// each maximum so the backward pass can scatter gradients.
func maxPool2D(input []float32, channels, inHeight, inWidth, poolSize, stride int, output []float32, argmax []int32) {
	outHeight := (inHeight-poolSize)/stride + 1
	outWidth := (inWidth-poolSize)/stride + 1

	for c := 0; c < channels; c++ {
		inOffset := c * inHeight * inWidth
		outOffset := c * outHeight * outWidth

		for oy := 0; oy < outHeight; oy++ {
			for ox := 0; ox < outWidth; ox++ {
				maxVal := float32(math.Inf(-1))
				maxIdx := int32(-1)

				for py := 0; py < poolSize; py++ {
					iy := oy*stride + py
					for px := 0; px < poolSize; px++ {
						ix := ox*stride + px
						idx := inOffset + iy*inWidth + ix
						if input[idx] > maxVal {
							maxVal = input[idx]
							maxIdx = int32(idx)
						}
					}
				}

				outIdx := outOffset + oy*outWidth + ox
				output[outIdx] = maxVal
				argmax[outIdx] = maxIdx
			}
		}
	}
}

// maxPool2DBackward routes output gradients to the recorded argmax positions
func maxPool2DBackward(gradOutput []float32, argmax []int32, gradInput []float32) {
	for i, idx := range argmax {
		if idx >= 0 {
			gradInput[idx] += gradOutput[i]
		}
	}
}

// reluForward writes max(0, x) into out
func reluForward(input, output []float32) {
	for i, v := range input {
		if v > 0 {
			output[i] = v
		} else {
			output[i] = 0
		}
	}
}

// reluBackward masks gradients where the forward input was non-positive
func reluBackward(input, gradOutput, gradInput []float32) {
	for i, v := range input {
		if v > 0 {
			gradInput[i] = gradOutput[i]
		} else {
			gradInput[i] = 0
		}
	}
}

// SoftmaxRows applies a numerically stable softmax to each row of a
// row-major [rows, cols] matrix, writing the result into output. Input and
// output may alias.
func SoftmaxRows(input []float32, rows, cols int, output []float32) {
	for r := 0; r < rows; r++ {
		row := input[r*cols : (r+1)*cols]
		out := output[r*cols : (r+1)*cols]

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			out[i] = e
			sum += e
		}

		inv := 1.0 / sum
		for i := range out {
			out[i] *= inv
		}
	}
}

// softmaxBackward computes the input gradient of a softmax whose forward
// output is given: dx_i = y_i * (dy_i - sum_j dy_j * y_j), per row.
func softmaxBackward(output, gradOutput []float32, rows, cols int, gradInput []float32) {
	for r := 0; r < rows; r++ {
		y := output[r*cols : (r+1)*cols]
		dy := gradOutput[r*cols : (r+1)*cols]
		dx := gradInput[r*cols : (r+1)*cols]

		var dot float32
		for i := range y {
			dot += dy[i] * y[i]
		}
		for i := range y {
			dx[i] = y[i] * (dy[i] - dot)
		}
	}
}
