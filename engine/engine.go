package engine

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/blas"

	"digitforge/layers"
	"digitforge/tensor"
)

// Engine executes a compiled model specification on the CPU. It owns the
// parameter tensors and, after a training-mode forward pass, the cached
// activations the backward pass consumes.
//
// A single Engine is not safe for concurrent use; the trainer drives it from
// one goroutine and the engine parallelizes internally across the batch.
type Engine struct {
	spec   *layers.ModelSpec
	params []*tensor.Tensor
	rng    *rand.Rand

	// paramOffset[i] is the index into params of layer i's first parameter
	paramOffset []int

	// caches from the most recent training-mode forward pass
	caches []layerCache
}

// layerCache holds what the backward pass needs from one layer's forward pass
type layerCache struct {
	input  *tensor.Tensor
	output *tensor.Tensor

	argmax []int32   // MaxPool2D argmax indices
	mask   []float32 // Dropout mask, already scaled by 1/keep
}

// batchWorkers picks the per-batch parallelism from the host CPU topology,
// capped by the batch size.
func batchWorkers(batchSize int) int {
	workers := cpuid.CPU.LogicalCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 1 {
		workers = 1
	}
	if workers > batchSize {
		workers = batchSize
	}
	return workers
}

// NewEngine creates an engine for a compiled model and initializes its
// parameters: He initialization for Dense and Conv2D weights, zeros for
// biases. Initialization is deterministic for a given seed.
func NewEngine(spec *layers.ModelSpec, seed int64) (*Engine, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec cannot be nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %v", err)
	}

	e := &Engine{
		spec:        spec,
		rng:         rand.New(rand.NewSource(seed)),
		paramOffset: make([]int, len(spec.Layers)),
	}

	for i, layer := range spec.Layers {
		e.paramOffset[i] = len(e.params)

		switch layer.Type {
		case layers.Dense:
			inputSize := layers.GetIntParam(layer.Parameters, "input_size", 0)
			weight, err := tensor.HeNormal(layer.ParameterShapes[0], inputSize, e.rng)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize weights for layer %s: %v", layer.Name, err)
			}
			e.params = append(e.params, weight)

			if layers.GetBoolParam(layer.Parameters, "use_bias", true) {
				bias, err := tensor.Zeros(layer.ParameterShapes[1], tensor.Float32)
				if err != nil {
					return nil, fmt.Errorf("failed to initialize bias for layer %s: %v", layer.Name, err)
				}
				e.params = append(e.params, bias)
			}

		case layers.Conv2D:
			inputChannels := layers.GetIntParam(layer.Parameters, "input_channels", 0)
			kernelSize := layers.GetIntParam(layer.Parameters, "kernel_size", 0)
			fanIn := inputChannels * kernelSize * kernelSize

			weight, err := tensor.HeNormal(layer.ParameterShapes[0], fanIn, e.rng)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize weights for layer %s: %v", layer.Name, err)
			}
			e.params = append(e.params, weight)

			if layers.GetBoolParam(layer.Parameters, "use_bias", true) {
				bias, err := tensor.Zeros(layer.ParameterShapes[1], tensor.Float32)
				if err != nil {
					return nil, fmt.Errorf("failed to initialize bias for layer %s: %v", layer.Name, err)
				}
				e.params = append(e.params, bias)
			}
		}
	}

	return e, nil
}

// Spec returns the model specification
func (e *Engine) Spec() *layers.ModelSpec {
	return e.spec
}

// Parameters returns the parameter tensors in compilation order. Optimizers
// update these slices in place.
func (e *Engine) Parameters() []*tensor.Tensor {
	return e.params
}

// Forward runs the model on a batch. When training is true, per-layer
// activations are cached for a subsequent Backward call and Dropout layers
// are active; otherwise Dropout is bypassed and nothing is cached, so
// repeated calls with identical parameters and inputs produce identical
// outputs.
func (e *Engine) Forward(input *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("input must be Float32, got %s", input.DType)
	}

	if len(input.Shape) != len(e.spec.InputShape) {
		return nil, fmt.Errorf("input rank %d doesn't match model input %v", len(input.Shape), e.spec.InputShape)
	}
	for i := 1; i < len(input.Shape); i++ {
		if input.Shape[i] != e.spec.InputShape[i] {
			return nil, fmt.Errorf("input shape %v doesn't match model input %v (batch dimension may differ)",
				input.Shape, e.spec.InputShape)
		}
	}

	if training {
		e.caches = make([]layerCache, len(e.spec.Layers))
	} else {
		e.caches = nil
	}

	current := input
	for i := range e.spec.Layers {
		layer := &e.spec.Layers[i]

		var output *tensor.Tensor
		var cache layerCache
		var err error

		switch layer.Type {
		case layers.Dense:
			output, err = e.forwardDense(layer, current, e.paramOffset[i])
		case layers.Conv2D:
			output, err = e.forwardConv2D(layer, current, e.paramOffset[i])
		case layers.MaxPool2D:
			output, cache.argmax, err = e.forwardMaxPool2D(layer, current)
		case layers.Flatten:
			output, err = e.forwardFlatten(current)
		case layers.ReLU:
			output, err = e.forwardReLU(current)
		case layers.Softmax:
			output, err = e.forwardSoftmax(current)
		case layers.Dropout:
			output, cache.mask, err = e.forwardDropout(layer, current, training)
		default:
			err = fmt.Errorf("unsupported layer type: %s", layer.Type.String())
		}

		if err != nil {
			return nil, fmt.Errorf("forward pass failed at layer %d (%s): %v", i, layer.Name, err)
		}

		if training {
			cache.input = current
			cache.output = output
			e.caches[i] = cache
		}

		current = output
	}

	return current, nil
}

// Backward computes parameter gradients from the gradient of the loss with
// respect to the model output. It consumes the caches of the most recent
// training-mode Forward call and returns gradients in parameter order.
func (e *Engine) Backward(gradOutput *tensor.Tensor) ([]*tensor.Tensor, error) {
	if e.caches == nil {
		return nil, fmt.Errorf("no cached activations: run a training-mode forward pass first")
	}

	grads := make([]*tensor.Tensor, len(e.params))
	for i, p := range e.params {
		g, err := tensor.Zeros(p.Shape, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate gradient %d: %v", i, err)
		}
		grads[i] = g
	}

	current := gradOutput
	for i := len(e.spec.Layers) - 1; i >= 0; i-- {
		layer := &e.spec.Layers[i]
		cache := &e.caches[i]

		var gradInput *tensor.Tensor
		var err error

		switch layer.Type {
		case layers.Dense:
			gradInput, err = e.backwardDense(layer, cache, current, grads, e.paramOffset[i])
		case layers.Conv2D:
			gradInput, err = e.backwardConv2D(layer, cache, current, grads, e.paramOffset[i])
		case layers.MaxPool2D:
			gradInput, err = e.backwardMaxPool2D(cache, current)
		case layers.Flatten:
			gradInput, err = current.Reshape(cache.input.Shape)
		case layers.ReLU:
			gradInput, err = e.backwardReLU(cache, current)
		case layers.Softmax:
			gradInput, err = e.backwardSoftmax(cache, current)
		case layers.Dropout:
			gradInput, err = e.backwardDropout(cache, current)
		default:
			err = fmt.Errorf("unsupported layer type: %s", layer.Type.String())
		}

		if err != nil {
			return nil, fmt.Errorf("backward pass failed at layer %d (%s): %v", i, layer.Name, err)
		}

		current = gradInput
	}

	e.caches = nil
	return grads, nil
}

func (e *Engine) forwardDense(layer *layers.LayerSpec, input *tensor.Tensor, paramIdx int) (*tensor.Tensor, error) {
	inputSize := layers.GetIntParam(layer.Parameters, "input_size", 0)
	outputSize := layers.GetIntParam(layer.Parameters, "output_size", 0)
	useBias := layers.GetBoolParam(layer.Parameters, "use_bias", true)

	batchSize := input.Shape[0]

	// Dense flattens higher-rank input implicitly
	flat, err := input.Reshape([]int{batchSize, inputSize})
	if err != nil {
		return nil, fmt.Errorf("input %v incompatible with input_size %d: %v", input.Shape, inputSize, err)
	}

	output, err := tensor.Zeros([]int{batchSize, outputSize}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	x, _ := flat.Float32s()
	w, _ := e.params[paramIdx].Float32s()
	y, _ := output.Float32s()

	gemm(blas.NoTrans, blas.NoTrans, batchSize, outputSize, inputSize, 1, x, w, 0, y)

	if useBias {
		b, _ := e.params[paramIdx+1].Float32s()
		for n := 0; n < batchSize; n++ {
			row := y[n*outputSize : (n+1)*outputSize]
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	return output, nil
}

func (e *Engine) backwardDense(layer *layers.LayerSpec, cache *layerCache, gradOutput *tensor.Tensor, grads []*tensor.Tensor, paramIdx int) (*tensor.Tensor, error) {
	inputSize := layers.GetIntParam(layer.Parameters, "input_size", 0)
	outputSize := layers.GetIntParam(layer.Parameters, "output_size", 0)
	useBias := layers.GetBoolParam(layer.Parameters, "use_bias", true)

	batchSize := cache.input.Shape[0]

	flat, err := cache.input.Reshape([]int{batchSize, inputSize})
	if err != nil {
		return nil, err
	}

	x, _ := flat.Float32s()
	w, _ := e.params[paramIdx].Float32s()
	dy, _ := gradOutput.Float32s()
	dw, _ := grads[paramIdx].Float32s()

	// dW = X^T * dY
	gemm(blas.Trans, blas.NoTrans, inputSize, outputSize, batchSize, 1, x, dy, 1, dw)

	if useBias {
		db, _ := grads[paramIdx+1].Float32s()
		for n := 0; n < batchSize; n++ {
			row := dy[n*outputSize : (n+1)*outputSize]
			for j := range row {
				db[j] += row[j]
			}
		}
	}

	gradInput, err := tensor.Zeros([]int{batchSize, inputSize}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	dx, _ := gradInput.Float32s()

	// dX = dY * W^T
	gemm(blas.NoTrans, blas.Trans, batchSize, inputSize, outputSize, 1, dy, w, 0, dx)

	// Undo the implicit flatten
	return gradInput.Reshape(cache.input.Shape)
}

func conv2DGeometryFor(layer *layers.LayerSpec, inputShape []int) conv2DGeometry {
	kernelSize := layers.GetIntParam(layer.Parameters, "kernel_size", 0)
	stride := layers.GetIntParam(layer.Parameters, "stride", 1)
	padding := layers.GetIntParam(layer.Parameters, "padding", 0)

	g := conv2DGeometry{
		inChannels:  inputShape[1],
		outChannels: layers.GetIntParam(layer.Parameters, "output_channels", 0),
		inHeight:    inputShape[2],
		inWidth:     inputShape[3],
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
	}
	g.outHeight = (g.inHeight+2*g.padding-g.kernelSize)/g.stride + 1
	g.outWidth = (g.inWidth+2*g.padding-g.kernelSize)/g.stride + 1
	return g
}

func (e *Engine) forwardConv2D(layer *layers.LayerSpec, input *tensor.Tensor, paramIdx int) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D requires 4D input, got %v", input.Shape)
	}

	g := conv2DGeometryFor(layer, input.Shape)
	useBias := layers.GetBoolParam(layer.Parameters, "use_bias", true)
	batchSize := input.Shape[0]

	output, err := tensor.Zeros([]int{batchSize, g.outChannels, g.outHeight, g.outWidth}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	x, _ := input.Float32s()
	w, _ := e.params[paramIdx].Float32s()
	y, _ := output.Float32s()

	var b []float32
	if useBias {
		b, _ = e.params[paramIdx+1].Float32s()
	}

	inSize := g.inChannels * g.inHeight * g.inWidth
	outSize := g.outChannels * g.outHeight * g.outWidth
	colCols := g.colCols()

	workers := batchWorkers(batchSize)
	samples := make(chan int)
	var wg sync.WaitGroup

	for wk := 0; wk < workers; wk++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cols := make([]float32, g.colRows()*colCols)
			for n := range samples {
				im2col(x[n*inSize:(n+1)*inSize], g, cols)
				out := y[n*outSize : (n+1)*outSize]

				// out[outC, oh*ow] = W[outC, rows] * cols[rows, oh*ow]
				gemm(blas.NoTrans, blas.NoTrans, g.outChannels, colCols, g.colRows(), 1, w, cols, 0, out)

				if b != nil {
					for c := 0; c < g.outChannels; c++ {
						channel := out[c*colCols : (c+1)*colCols]
						for i := range channel {
							channel[i] += b[c]
						}
					}
				}
			}
		}()
	}

	for n := 0; n < batchSize; n++ {
		samples <- n
	}
	close(samples)
	wg.Wait()

	return output, nil
}

func (e *Engine) backwardConv2D(layer *layers.LayerSpec, cache *layerCache, gradOutput *tensor.Tensor, grads []*tensor.Tensor, paramIdx int) (*tensor.Tensor, error) {
	g := conv2DGeometryFor(layer, cache.input.Shape)
	useBias := layers.GetBoolParam(layer.Parameters, "use_bias", true)
	batchSize := cache.input.Shape[0]

	gradInput, err := tensor.Zeros(cache.input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}

	x, _ := cache.input.Float32s()
	w, _ := e.params[paramIdx].Float32s()
	dy, _ := gradOutput.Float32s()
	dw, _ := grads[paramIdx].Float32s()
	dx, _ := gradInput.Float32s()

	var db []float32
	if useBias {
		db, _ = grads[paramIdx+1].Float32s()
	}

	inSize := g.inChannels * g.inHeight * g.inWidth
	outSize := g.outChannels * g.outHeight * g.outWidth
	colRows := g.colRows()
	colCols := g.colCols()

	workers := batchWorkers(batchSize)
	samples := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for wk := 0; wk < workers; wk++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			cols := make([]float32, colRows*colCols)
			dcols := make([]float32, colRows*colCols)
			localDW := make([]float32, len(dw))
			var localDB []float32
			if db != nil {
				localDB = make([]float32, len(db))
			}

			for n := range samples {
				im2col(x[n*inSize:(n+1)*inSize], g, cols)
				dyN := dy[n*outSize : (n+1)*outSize]

				// dW += dY[outC, oh*ow] * cols^T[oh*ow, rows]
				gemm(blas.NoTrans, blas.Trans, g.outChannels, colRows, colCols, 1, dyN, cols, 1, localDW)

				if localDB != nil {
					for c := 0; c < g.outChannels; c++ {
						channel := dyN[c*colCols : (c+1)*colCols]
						for _, v := range channel {
							localDB[c] += v
						}
					}
				}

				// dcols = W^T[rows, outC] * dY[outC, oh*ow]
				gemm(blas.Trans, blas.NoTrans, colRows, colCols, g.outChannels, 1, w, dyN, 0, dcols)
				col2im(dcols, g, dx[n*inSize:(n+1)*inSize])
			}

			mu.Lock()
			for i, v := range localDW {
				dw[i] += v
			}
			for i, v := range localDB {
				db[i] += v
			}
			mu.Unlock()
		}()
	}

	for n := 0; n < batchSize; n++ {
		samples <- n
	}
	close(samples)
	wg.Wait()

	return gradInput, nil
}

func (e *Engine) forwardMaxPool2D(layer *layers.LayerSpec, input *tensor.Tensor) (*tensor.Tensor, []int32, error) {
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2D requires 4D input, got %v", input.Shape)
	}

	poolSize := layers.GetIntParam(layer.Parameters, "pool_size", 0)
	stride := layers.GetIntParam(layer.Parameters, "stride", poolSize)

	batchSize := input.Shape[0]
	channels := input.Shape[1]
	inHeight := input.Shape[2]
	inWidth := input.Shape[3]
	outHeight := (inHeight-poolSize)/stride + 1
	outWidth := (inWidth-poolSize)/stride + 1

	output, err := tensor.Zeros([]int{batchSize, channels, outHeight, outWidth}, tensor.Float32)
	if err != nil {
		return nil, nil, err
	}

	x, _ := input.Float32s()
	y, _ := output.Float32s()
	argmax := make([]int32, output.NumElems)

	inSize := channels * inHeight * inWidth
	outSize := channels * outHeight * outWidth

	for n := 0; n < batchSize; n++ {
		sampleArgmax := argmax[n*outSize : (n+1)*outSize]
		maxPool2D(x[n*inSize:(n+1)*inSize], channels, inHeight, inWidth, poolSize, stride,
			y[n*outSize:(n+1)*outSize], sampleArgmax)

		// Rebase argmax indices to the full batch tensor
		for i, idx := range sampleArgmax {
			if idx >= 0 {
				sampleArgmax[i] = idx + int32(n*inSize)
			}
		}
	}

	return output, argmax, nil
}

func (e *Engine) backwardMaxPool2D(cache *layerCache, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	gradInput, err := tensor.Zeros(cache.input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}

	dy, _ := gradOutput.Float32s()
	dx, _ := gradInput.Float32s()
	maxPool2DBackward(dy, cache.argmax, dx)

	return gradInput, nil
}

func (e *Engine) forwardFlatten(input *tensor.Tensor) (*tensor.Tensor, error) {
	features := 1
	for i := 1; i < len(input.Shape); i++ {
		features *= input.Shape[i]
	}
	return input.Reshape([]int{input.Shape[0], features})
}

func (e *Engine) forwardReLU(input *tensor.Tensor) (*tensor.Tensor, error) {
	output, err := tensor.Zeros(input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}

	x, _ := input.Float32s()
	y, _ := output.Float32s()
	reluForward(x, y)

	return output, nil
}

func (e *Engine) backwardReLU(cache *layerCache, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	gradInput, err := tensor.Zeros(cache.input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}

	x, _ := cache.input.Float32s()
	dy, _ := gradOutput.Float32s()
	dx, _ := gradInput.Float32s()
	reluBackward(x, dy, dx)

	return gradInput, nil
}

func (e *Engine) forwardSoftmax(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Softmax requires 2D input, got %v", input.Shape)
	}

	output, err := tensor.Zeros(input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}

	x, _ := input.Float32s()
	y, _ := output.Float32s()
	SoftmaxRows(x, input.Shape[0], input.Shape[1], y)

	return output, nil
}

func (e *Engine) backwardSoftmax(cache *layerCache, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	gradInput, err := tensor.Zeros(cache.input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}

	y, _ := cache.output.Float32s()
	dy, _ := gradOutput.Float32s()
	dx, _ := gradInput.Float32s()
	softmaxBackward(y, dy, cache.input.Shape[0], cache.input.Shape[1], dx)

	return gradInput, nil
}

func (e *Engine) forwardDropout(layer *layers.LayerSpec, input *tensor.Tensor, training bool) (*tensor.Tensor, []float32, error) {
	rate := layers.GetFloatParam(layer.Parameters, "rate", 0.5)
	if rate < 0 || rate >= 1 {
		return nil, nil, fmt.Errorf("dropout rate must be in [0, 1), got %f", rate)
	}

	if !training || rate == 0 {
		return input, nil, nil
	}

	output, err := tensor.Zeros(input.Shape, tensor.Float32)
	if err != nil {
		return nil, nil, err
	}

	x, _ := input.Float32s()
	y, _ := output.Float32s()

	// Inverted dropout: surviving activations are scaled up during training
	// so inference needs no adjustment.
	keep := 1 - rate
	scale := 1 / keep
	mask := make([]float32, len(x))
	for i := range x {
		if e.rng.Float32() < keep {
			mask[i] = scale
			y[i] = x[i] * scale
		}
	}

	return output, mask, nil
}

func (e *Engine) backwardDropout(cache *layerCache, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if cache.mask == nil {
		return gradOutput, nil
	}

	gradInput, err := tensor.Zeros(cache.input.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}

	dy, _ := gradOutput.Float32s()
	dx, _ := gradInput.Float32s()
	for i := range dy {
		dx[i] = dy[i] * cache.mask[i]
	}

	return gradInput, nil
}
