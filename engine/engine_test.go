package engine

import (
	"math"
	"math/rand"
	"testing"

	"digitforge/layers"
	"digitforge/tensor"
)

func smallConvModel(t *testing.T, batchSize int) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{batchSize, 1, 6, 6}).
		AddConv2D(2, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddFlatten("flatten").
		AddDense(3, true, "logits").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return model
}

func randomInput(t *testing.T, shape []int, seed int64) *tensor.Tensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	input, err := tensor.RandomNormal(shape, 1.0, rng)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	return input
}

func TestNewEngineParameterShapes(t *testing.T) {
	model := smallConvModel(t, 2)
	eng, err := NewEngine(model, 1)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	params := eng.Parameters()
	if len(params) != len(model.ParameterShapes) {
		t.Fatalf("Expected %d parameter tensors, got %d", len(model.ParameterShapes), len(params))
	}

	for i, p := range params {
		if !tensor.ShapeEquals(p.Shape, model.ParameterShapes[i]) {
			t.Errorf("Parameter %d: shape %v doesn't match spec %v", i, p.Shape, model.ParameterShapes[i])
		}
	}
}

func TestNewEngineRejectsUncompiledSpec(t *testing.T) {
	if _, err := NewEngine(&layers.ModelSpec{}, 1); err == nil {
		t.Error("Expected error for uncompiled spec")
	}
	if _, err := NewEngine(nil, 1); err == nil {
		t.Error("Expected error for nil spec")
	}
}

func TestForwardOutputShape(t *testing.T) {
	model := smallConvModel(t, 2)
	eng, err := NewEngine(model, 1)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	input := randomInput(t, []int{2, 1, 6, 6}, 42)
	output, err := eng.Forward(input, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if !tensor.ShapeEquals(output.Shape, []int{2, 3}) {
		t.Errorf("Expected output shape [2 3], got %v", output.Shape)
	}
}

func TestForwardSmallerFinalBatch(t *testing.T) {
	model := smallConvModel(t, 8)
	eng, err := NewEngine(model, 1)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	// Final partial batches are smaller than the compiled batch dimension
	input := randomInput(t, []int{3, 1, 6, 6}, 42)
	output, err := eng.Forward(input, false)
	if err != nil {
		t.Fatalf("Forward failed on partial batch: %v", err)
	}

	if output.Shape[0] != 3 {
		t.Errorf("Expected batch 3, got %d", output.Shape[0])
	}
}

func TestForwardRejectsWrongShape(t *testing.T) {
	model := smallConvModel(t, 2)
	eng, _ := NewEngine(model, 1)

	input := randomInput(t, []int{2, 1, 5, 5}, 42)
	if _, err := eng.Forward(input, false); err == nil {
		t.Error("Expected error for mismatched spatial dimensions")
	}

	flat := randomInput(t, []int{2, 36}, 42)
	if _, err := eng.Forward(flat, false); err == nil {
		t.Error("Expected error for wrong input rank")
	}
}

func TestInferenceDeterminism(t *testing.T) {
	model, err := layers.NewConvClassifier([]int{2, 1, 28, 28}, 10)
	if err != nil {
		t.Fatalf("NewConvClassifier failed: %v", err)
	}

	eng, err := NewEngine(model, 7)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	input := randomInput(t, []int{2, 1, 28, 28}, 99)

	first, err := eng.Forward(input, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	firstData, _ := first.Float32s()
	firstCopy := make([]float32, len(firstData))
	copy(firstCopy, firstData)

	// Repeated inference over frozen parameters must be bit-identical,
	// dropout included
	for run := 0; run < 3; run++ {
		again, err := eng.Forward(input, false)
		if err != nil {
			t.Fatalf("Forward run %d failed: %v", run, err)
		}
		againData, _ := again.Float32s()
		for i := range firstCopy {
			if againData[i] != firstCopy[i] {
				t.Fatalf("Run %d: output[%d] = %f, expected %f", run, i, againData[i], firstCopy[i])
			}
		}
	}
}

func TestSeedDeterminesInitialization(t *testing.T) {
	model := smallConvModel(t, 2)

	a, _ := NewEngine(model, 5)
	b, _ := NewEngine(model, 5)
	c, _ := NewEngine(model, 6)

	aw, _ := a.Parameters()[0].Float32s()
	bw, _ := b.Parameters()[0].Float32s()
	cw, _ := c.Parameters()[0].Float32s()

	identical := true
	for i := range aw {
		if aw[i] != bw[i] {
			identical = false
			break
		}
	}
	if !identical {
		t.Error("Same seed should produce identical initialization")
	}

	different := false
	for i := range aw {
		if aw[i] != cw[i] {
			different = true
			break
		}
	}
	if !different {
		t.Error("Different seeds should produce different initialization")
	}
}

func TestBackwardRequiresTrainingForward(t *testing.T) {
	model := smallConvModel(t, 2)
	eng, _ := NewEngine(model, 1)

	input := randomInput(t, []int{2, 1, 6, 6}, 42)
	if _, err := eng.Forward(input, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	grad, _ := tensor.Zeros([]int{2, 3}, tensor.Float32)
	if _, err := eng.Backward(grad); err == nil {
		t.Error("Expected error calling Backward after inference-mode forward")
	}
}

// TestBackwardNumericGradient checks analytic parameter gradients against
// central finite differences of the scalar loss L = sum(c .* output).
func TestBackwardNumericGradient(t *testing.T) {
	model := smallConvModel(t, 2)
	eng, err := NewEngine(model, 3)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	input := randomInput(t, []int{2, 1, 6, 6}, 17)

	// Fixed coefficients make the loss a deterministic linear functional of
	// the output, so dL/doutput = c.
	coeffRng := rand.New(rand.NewSource(23))
	coeffs := make([]float32, 2*3)
	for i := range coeffs {
		coeffs[i] = float32(coeffRng.NormFloat64())
	}

	loss := func() float64 {
		out, err := eng.Forward(input, false)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		data, _ := out.Float32s()
		var l float64
		for i := range data {
			l += float64(coeffs[i]) * float64(data[i])
		}
		return l
	}

	// Analytic gradients
	if _, err := eng.Forward(input, true); err != nil {
		t.Fatalf("Training forward failed: %v", err)
	}
	gradOut, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, append([]float32(nil), coeffs...))
	grads, err := eng.Backward(gradOut)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-2
	const tolerance = 5e-2

	for pi, param := range eng.Parameters() {
		data, _ := param.Float32s()
		gradData, _ := grads[pi].Float32s()

		// Probe a few entries of each parameter tensor
		step := len(data)/5 + 1
		for i := 0; i < len(data); i += step {
			orig := data[i]

			data[i] = orig + eps
			plus := loss()
			data[i] = orig - eps
			minus := loss()
			data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := float64(gradData[i])

			diff := math.Abs(numeric - analytic)
			scale := math.Max(1, math.Max(math.Abs(numeric), math.Abs(analytic)))
			if diff/scale > tolerance {
				t.Errorf("param %d[%d]: analytic %f vs numeric %f", pi, i, analytic, numeric)
			}
		}
	}
}

func TestDropoutActiveOnlyInTraining(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{1, 64}).
		AddDense(32, true, "fc1").
		AddDropout(0.5, "dropout").
		AddDense(4, true, "logits").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	eng, err := NewEngine(model, 11)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	input := randomInput(t, []int{1, 64}, 5)

	evalA, _ := eng.Forward(input, false)
	evalB, _ := eng.Forward(input, false)

	aData, _ := evalA.Float32s()
	bData, _ := evalB.Float32s()
	for i := range aData {
		if aData[i] != bData[i] {
			t.Fatal("Inference must bypass dropout")
		}
	}

	trainA, _ := eng.Forward(input, true)
	trainB, _ := eng.Forward(input, true)

	taData, _ := trainA.Float32s()
	tbData, _ := trainB.Float32s()
	same := true
	for i := range taData {
		if taData[i] != tbData[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Training-mode dropout should randomize activations between passes")
	}
}
