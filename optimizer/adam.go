package optimizer

import (
	"fmt"
	"math"

	"digitforge/checkpoints"
	"digitforge/tensor"
)

// AdamOptimizer implements the Adam update rule with bias-corrected first and
// second moment estimates. Parameter tensors are updated in place.
type AdamOptimizer struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	// State
	MomentumBuffers [][]float32 // First moment for each parameter tensor
	VarianceBuffers [][]float32 // Second moment for each parameter tensor

	// Step tracking for bias correction
	StepCount uint64

	params []*tensor.Tensor
}

// AdamConfig holds configuration for the Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over the given parameter tensors
func NewAdamOptimizer(config AdamConfig, params []*tensor.Tensor) (*AdamOptimizer, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameter tensors provided")
	}

	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &AdamOptimizer{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
		params:          params,
	}

	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float32, p.NumElems)
		adam.VarianceBuffers[i] = make([]float32, p.NumElems)
	}

	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizer) Step(grads []*tensor.Tensor) error {
	if len(grads) != len(adam.params) {
		return fmt.Errorf("gradient count (%d) doesn't match parameter count (%d)",
			len(grads), len(adam.params))
	}

	adam.StepCount++

	// Bias correction folds into a step-dependent learning rate
	t := float64(adam.StepCount)
	correction := math.Sqrt(1-math.Pow(float64(adam.Beta2), t)) / (1 - math.Pow(float64(adam.Beta1), t))
	stepSize := adam.LearningRate * float32(correction)

	for i, param := range adam.params {
		if !tensor.ShapeEquals(param.Shape, grads[i].Shape) {
			return fmt.Errorf("gradient %d shape %v doesn't match parameter shape %v",
				i, grads[i].Shape, param.Shape)
		}

		w, err := param.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		g, err := grads[i].Float32s()
		if err != nil {
			return fmt.Errorf("gradient %d: %v", i, err)
		}

		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]

		for j := range w {
			grad := g[j] + adam.WeightDecay*w[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*grad
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*grad*grad
			w[j] -= stepSize * m[j] / (float32(math.Sqrt(float64(v[j]))) + adam.Epsilon)
		}
	}

	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizer) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizer) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))

	for i := range adam.params {
		shape := adam.params[i].Shape
		stateData = append(stateData,
			stateTensor(adam.MomentumBuffers[i], shape, fmt.Sprintf("momentum_%d", i), "momentum"),
			stateTensor(adam.VarianceBuffers[i], shape, fmt.Sprintf("variance_%d", i), "variance"))
	}

	return &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", st.Name)
		}

		switch st.StateType {
		case "momentum":
			if err := restoreStateSlice(adam.MomentumBuffers[idx], st.Data, st.Name); err != nil {
				return err
			}
		case "variance":
			if err := restoreStateSlice(adam.VarianceBuffers[idx], st.Data, st.Name); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown state type for tensor %s: %s", st.Name, st.StateType)
		}
	}

	return nil
}
